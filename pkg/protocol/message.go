// Package protocol is the message channel between foreground clients and
// the offline worker. Clients post CACHE_LESSON and GET_CACHED_LESSONS
// messages; the worker broadcasts LESSON_CACHED to every controlled client
// when an archive run finishes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/himmam-offline/pkg/archive"
)

var (
	// ErrClosed indicates the worker no longer accepts messages.
	ErrClosed = errors.New("worker closed")

	// ErrInvalidMessage indicates a message is missing required fields.
	ErrInvalidMessage = errors.New("invalid message")
)

// MessageType is the "type" field of every message.
type MessageType string

const (
	TypeCacheLesson      MessageType = "CACHE_LESSON"
	TypeGetCachedLessons MessageType = "GET_CACHED_LESSONS"
	TypeLessonCached     MessageType = "LESSON_CACHED"
)

// Message is a client to worker message.
type Message struct {
	Type       MessageType     `json:"type"`
	LessonData *archive.Lesson `json:"lessonData,omitempty"`
}

// CacheLesson builds a CACHE_LESSON message.
func CacheLesson(lesson archive.Lesson) Message {
	return Message{Type: TypeCacheLesson, LessonData: &lesson}
}

// GetCachedLessons builds a GET_CACHED_LESSONS message.
func GetCachedLessons() Message {
	return Message{Type: TypeGetCachedLessons}
}

// CachedLessonsReply answers GET_CACHED_LESSONS.
type CachedLessonsReply struct {
	Lessons []archive.Lesson `json:"lessons"`
}

// LessonCached is broadcast when an archive run finishes.
type LessonCached struct {
	Type     MessageType `json:"type"`
	LessonID string      `json:"lessonId"`
	Success  bool        `json:"success"`
}

// NewLessonCached builds a LESSON_CACHED notification.
func NewLessonCached(lessonID string, success bool) LessonCached {
	return LessonCached{Type: TypeLessonCached, LessonID: lessonID, Success: success}
}

// DecodeMessage parses a client message. Unknown types decode without
// error; the worker drops them.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return msg, nil
}

// ReplyPort carries the single reply to a GET_CACHED_LESSONS message.
type ReplyPort chan CachedLessonsReply

// NewReplyPort creates a port that holds one reply without blocking the worker.
func NewReplyPort() ReplyPort {
	return make(ReplyPort, 1)
}
