// Package foreground is the client side of the worker message protocol:
// it asks the worker to archive a lesson and waits for the matching
// LESSON_CACHED notification, or gives up after a timeout.
package foreground

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/Sternrassler/himmam-offline/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_foreground_downloads_total",
		Help: "Total foreground lesson downloads by outcome",
	}, []string{"outcome"}) // "success", "failure", "timeout"

	discardedNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_foreground_discarded_notifications_total",
		Help: "LESSON_CACHED notifications nobody was waiting for",
	})
)

var (
	// ErrTimeout indicates no notification arrived in time. The worker may
	// still finish the archive later.
	ErrTimeout = errors.New("lesson download timed out")

	// ErrInProgress indicates the lesson is already being downloaded.
	ErrInProgress = errors.New("lesson download already in progress")
)

// DefaultTimeout is how long Download waits for the worker.
const DefaultTimeout = 30 * time.Second

// State is the download state of one lesson.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateSuccess     State = "success"
	StateFailure     State = "failure"
)

// Poster posts messages to the worker. *protocol.Worker satisfies it.
type Poster interface {
	Post(ctx context.Context, msg protocol.Message, reply protocol.ReplyPort) (*protocol.Pending, error)
}

// Downloader drives lesson downloads for one connected client.
type Downloader struct {
	poster  Poster
	clients *protocol.Clients
	client  *protocol.Client
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	states  map[string]State
	waiters map[string]chan protocol.LessonCached

	done chan struct{}
}

// NewDownloader connects a client to clients and starts routing its
// notifications. A timeout of zero uses DefaultTimeout. Call Close when done.
func NewDownloader(poster Poster, clients *protocol.Clients, timeout time.Duration, logger zerolog.Logger) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Downloader{
		poster:  poster,
		clients: clients,
		client:  clients.Connect(),
		timeout: timeout,
		logger:  logger,
		states:  make(map[string]State),
		waiters: make(map[string]chan protocol.LessonCached),
		done:    make(chan struct{}),
	}
	go d.route()
	return d
}

// Close disconnects the client.
func (d *Downloader) Close() {
	d.clients.Disconnect(d.client)
	<-d.done
}

// route hands each notification to the download waiting for it. Late or
// unrelated notifications are discarded.
func (d *Downloader) route() {
	defer close(d.done)
	for msg := range d.client.Messages() {
		d.mu.Lock()
		ch, ok := d.waiters[msg.LessonID]
		if ok {
			delete(d.waiters, msg.LessonID)
		}
		d.mu.Unlock()

		if !ok {
			discardedNotificationsTotal.Inc()
			d.logger.Debug().Str("lesson_id", msg.LessonID).Msg("Discarding notification nobody waits for")
			continue
		}
		ch <- msg
	}
}

// State returns the download state of lessonID.
func (d *Downloader) State(lessonID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[lessonID]; ok {
		return s
	}
	return StateIdle
}

// Download asks the worker to archive lesson and waits for the outcome.
// It returns StateSuccess or StateFailure; the error is ErrTimeout when no
// notification arrived in time, or the context error.
func (d *Downloader) Download(ctx context.Context, lesson archive.Lesson) (State, error) {
	ch := make(chan protocol.LessonCached, 1)

	d.mu.Lock()
	if d.states[lesson.ID] == StateDownloading {
		d.mu.Unlock()
		return StateDownloading, ErrInProgress
	}
	d.states[lesson.ID] = StateDownloading
	d.waiters[lesson.ID] = ch
	d.mu.Unlock()

	if _, err := d.poster.Post(ctx, protocol.CacheLesson(lesson), nil); err != nil {
		d.finish(lesson.ID, ch, StateFailure)
		downloadsTotal.WithLabelValues("failure").Inc()
		return StateFailure, fmt.Errorf("post CACHE_LESSON: %w", err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		state := StateFailure
		if msg.Success {
			state = StateSuccess
		}
		d.finish(lesson.ID, ch, state)
		downloadsTotal.WithLabelValues(string(state)).Inc()
		d.logger.Info().Str("lesson_id", lesson.ID).Str("state", string(state)).Msg("Lesson download finished")
		return state, nil

	case <-timer.C:
		d.finish(lesson.ID, ch, StateFailure)
		downloadsTotal.WithLabelValues("timeout").Inc()
		d.logger.Warn().Str("lesson_id", lesson.ID).Dur("timeout", d.timeout).Msg("Lesson download timed out")
		return StateFailure, ErrTimeout

	case <-ctx.Done():
		d.finish(lesson.ID, ch, StateFailure)
		downloadsTotal.WithLabelValues("failure").Inc()
		return StateFailure, ctx.Err()
	}
}

// finish stops listening for lessonID and records the final state.
func (d *Downloader) finish(lessonID string, ch chan protocol.LessonCached, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiters[lessonID] == ch {
		delete(d.waiters, lessonID)
	}
	d.states[lessonID] = state
}

// CachedLessons asks the worker for the archived lessons.
func (d *Downloader) CachedLessons(ctx context.Context) ([]archive.Lesson, error) {
	port := protocol.NewReplyPort()
	if _, err := d.poster.Post(ctx, protocol.GetCachedLessons(), port); err != nil {
		return nil, fmt.Errorf("post GET_CACHED_LESSONS: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	select {
	case reply := <-port:
		return reply.Lessons, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
