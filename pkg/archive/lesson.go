package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidLesson indicates a lesson payload failed validation.
var ErrInvalidLesson = errors.New("invalid lesson")

// ErrInvalidAssetURL indicates an asset reference that cannot be fetched.
var ErrInvalidAssetURL = errors.New("invalid asset url")

// Lesson is the lesson metadata a client asks to archive. It is stored
// as JSON under its lesson key. Only the id is required; asset URLs are
// checked when each asset is fetched.
type Lesson struct {
	ID              string   `json:"id" validate:"notblank"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Subject         string   `json:"subject,omitempty"`
	Grade           int      `json:"grade,omitempty"`
	ContentType     string   `json:"content_type,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	VideoURL        string   `json:"video_url,omitempty"`
	PDFURL          string   `json:"pdf_url,omitempty"`
	Materials       []string `json:"materials,omitempty"`

	// Extra holds payload fields without a typed counterpart, such as
	// teacher_id or created_at. They are stored and listed unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// lessonFields has Lesson's fields without its JSON methods.
type lessonFields Lesson

var lessonFieldNames = jsonFieldNames(reflect.TypeOf(Lesson{}))

func jsonFieldNames(t reflect.Type) map[string]bool {
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]
		if name != "" && name != "-" {
			names[name] = true
		}
	}
	return names
}

// UnmarshalJSON decodes the typed fields and keeps the rest in Extra.
func (l *Lesson) UnmarshalJSON(data []byte) error {
	var fields lessonFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name := range raw {
		if lessonFieldNames[name] {
			delete(raw, name)
		}
	}
	fields.Extra = nil
	if len(raw) > 0 {
		fields.Extra = raw
	}
	*l = Lesson(fields)
	return nil
}

// MarshalJSON encodes the typed fields merged with Extra. Typed fields win
// over an Extra entry of the same name.
func (l Lesson) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(lessonFields(l))
	if err != nil || len(l.Extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for name, value := range l.Extra {
		if lessonFieldNames[name] {
			continue
		}
		merged[name] = value
	}
	return json.Marshal(merged)
}

// HasDownloadableVideo reports whether the video is hosted by the academy.
// Third-party embeds (YouTube) cannot be archived.
func (l Lesson) HasDownloadableVideo() bool {
	return l.VideoURL != "" && !strings.Contains(l.VideoURL, "youtube")
}

const notBlankTag = "notblank"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, notBlankValidation)
	return v
}

// Validate checks the lesson payload.
func (l Lesson) Validate() error {
	err := validate.Struct(l)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidLesson, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
	}
	return fmt.Errorf("%w: %s", ErrInvalidLesson, strings.Join(fields, ", "))
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}

// CheckAssetURL accepts absolute http(s) URLs and root-relative paths.
func CheckAssetURL(ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAssetURL, ref, err)
	}
	if u.IsAbs() {
		if (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return nil
		}
		return fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidAssetURL, ref, u.Scheme)
	}
	if !strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "//") {
		return fmt.Errorf("%w: %q: not a root-relative path", ErrInvalidAssetURL, ref)
	}
	return nil
}
