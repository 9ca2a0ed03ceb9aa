package protocol

import (
	"encoding/json"
	"testing"

	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"CACHE_LESSON","lessonData":{"id":"L1","title":"t","pdf_url":"https://x/doc.pdf","materials":["/a.ppt"]}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCacheLesson, msg.Type)
	require.NotNil(t, msg.LessonData)
	assert.Equal(t, archive.Lesson{ID: "L1", Title: "t", PDFURL: "https://x/doc.pdf", Materials: []string{"/a.ppt"}}, *msg.LessonData)

	msg, err = DecodeMessage([]byte(`{"type":"GET_CACHED_LESSONS"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.LessonData)

	_, err = DecodeMessage([]byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = DecodeMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestLessonCached_WireFormat(t *testing.T) {
	data, err := json.Marshal(NewLessonCached("L1", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LESSON_CACHED","lessonId":"L1","success":true}`, string(data))

	data, err = json.Marshal(CachedLessonsReply{Lessons: []archive.Lesson{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lessons":[]}`, string(data))
}
