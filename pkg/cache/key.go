package cache

import (
	"net/url"
	"strings"
)

// LessonKeyPrefix marks synthetic lesson metadata keys in the Offline store.
const LessonKeyPrefix = "lesson-"

// KeyForURL returns the canonical request key for u: the full URL with the
// fragment removed. Query strings are part of the key.
func KeyForURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// KeyForString parses raw and returns its canonical key. Strings that do not
// parse as URLs are used verbatim.
func KeyForString(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return KeyForURL(u)
}

// LessonKey returns the synthetic key under which lesson metadata is stored.
//
// Example:
//
//	LessonKey("L1") == "lesson-L1"
func LessonKey(id string) string {
	return LessonKeyPrefix + id
}

// IsLessonKey reports whether key looks like a lesson metadata key. This is
// a substring test, so asset URLs containing "lesson-" also match.
func IsLessonKey(key string) bool {
	return strings.Contains(key, LessonKeyPrefix)
}
