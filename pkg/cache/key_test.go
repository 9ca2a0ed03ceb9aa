package cache

import (
	"net/url"
	"testing"
)

func TestKeyForURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "plain url",
			raw:  "https://academy.test/lessons/video1.mp4",
			want: "https://academy.test/lessons/video1.mp4",
		},
		{
			name: "fragment dropped",
			raw:  "https://academy.test/doc.pdf#page=3",
			want: "https://academy.test/doc.pdf",
		},
		{
			name: "query kept",
			raw:  "https://academy.test/api/lessons?grade=5",
			want: "https://academy.test/api/lessons?grade=5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := KeyForURL(u); got != tt.want {
				t.Errorf("KeyForURL() = %s, want %s", got, tt.want)
			}
			if got := KeyForString(tt.raw); got != tt.want {
				t.Errorf("KeyForString() = %s, want %s", got, tt.want)
			}
		})
	}

	if KeyForURL(nil) != "" {
		t.Error("KeyForURL(nil) should be empty")
	}
}

func TestLessonKey(t *testing.T) {
	if got := LessonKey("L1"); got != "lesson-L1" {
		t.Errorf("LessonKey() = %s, want lesson-L1", got)
	}

	tests := []struct {
		key  string
		want bool
	}{
		{key: "lesson-L1", want: true},
		{key: "https://academy.test/lesson-L1", want: true},
		{key: "https://academy.test/storage/lesson-plan.pdf", want: true},
		{key: "https://academy.test/doc.pdf", want: false},
	}
	for _, tt := range tests {
		if got := IsLessonKey(tt.key); got != tt.want {
			t.Errorf("IsLessonKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
