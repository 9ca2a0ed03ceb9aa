package archive

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestLesson_Validate(t *testing.T) {
	tests := []struct {
		name    string
		lesson  Lesson
		wantErr bool
	}{
		{"minimal", Lesson{ID: "L1", Title: "t"}, false},
		{"no title", Lesson{ID: "L1"}, false},
		{"bad asset urls are not checked here", Lesson{ID: "L1", PDFURL: "doc.pdf", VideoURL: "ftp://x/a.mp4"}, false},
		{"missing id", Lesson{Title: "t"}, true},
		{"blank id", Lesson{ID: "   ", Title: "t"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lesson.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidLesson) {
				t.Errorf("Validate() error should wrap ErrInvalidLesson, got %v", err)
			}
		})
	}
}

func TestCheckAssetURL(t *testing.T) {
	tests := []struct {
		ref     string
		wantErr bool
	}{
		{"https://cdn.test/a.mp4", false},
		{"http://x/doc.pdf", false},
		{"/storage/a.pdf", false},
		{"ftp://x/a.mp4", true},
		{"doc.pdf", true},
		{"//evil.test/doc.pdf", true},
		{"https:///no-host", true},
	}
	for _, tt := range tests {
		err := CheckAssetURL(tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckAssetURL(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidAssetURL) {
			t.Errorf("CheckAssetURL(%q) should wrap ErrInvalidAssetURL, got %v", tt.ref, err)
		}
	}
}

func TestLesson_JSONKeepsUnknownFields(t *testing.T) {
	in := `{"id":"L1","title":"Cells","grade":9,"teacher_id":"t-7","thumbnail_url":"/thumbs/cells.png","created_at":"2024-03-01T10:00:00Z"}`

	var l Lesson
	if err := json.Unmarshal([]byte(in), &l); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if l.ID != "L1" || l.Title != "Cells" || l.Grade != 9 {
		t.Errorf("typed fields = %+v", l)
	}
	if len(l.Extra) != 3 || string(l.Extra["teacher_id"]) != `"t-7"` {
		t.Errorf("Extra = %v", l.Extra)
	}

	out, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got, want map[string]any
	_ = json.Unmarshal(out, &got)
	_ = json.Unmarshal([]byte(in), &want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Marshal = %s, want %s", out, in)
	}
}

func TestLesson_JSONTypedFieldsWin(t *testing.T) {
	l := Lesson{ID: "L1", Title: "Cells", Extra: map[string]json.RawMessage{"id": []byte(`"other"`), "tag": []byte(`"x"`)}}
	out, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if got["id"] != "L1" || got["tag"] != "x" {
		t.Errorf("Marshal = %s", out)
	}
}

func TestLesson_JSONWithoutUnknownFields(t *testing.T) {
	var l Lesson
	if err := json.Unmarshal([]byte(`{"id":"L1","title":"Cells"}`), &l); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if l.Extra != nil {
		t.Errorf("Extra = %v, want nil", l.Extra)
	}
}

func TestLesson_HasDownloadableVideo(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", false},
		{"https://www.youtube.com/watch?v=x", false},
		{"/media/a.mp4", true},
	}
	for _, tt := range tests {
		if got := (Lesson{VideoURL: tt.url}).HasDownloadableVideo(); got != tt.want {
			t.Errorf("HasDownloadableVideo(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
