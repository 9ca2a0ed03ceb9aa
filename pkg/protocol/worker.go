package protocol

import (
	"context"
	"sync"

	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "academy_protocol_messages_total",
	Help: "Total messages handled by type",
}, []string{"type"})

// DefaultQueueSize is the capacity of the worker's inbound channel.
const DefaultQueueSize = 64

// Archiver archives and lists lessons. *archive.Archiver satisfies it.
type Archiver interface {
	Archive(ctx context.Context, lesson archive.Lesson) archive.Result
	List(ctx context.Context) ([]archive.Lesson, error)
}

// Pending is the handle of one in-flight archive run.
type Pending struct {
	lessonID string
	done     chan struct{}
	result   archive.Result
}

func newPending(lessonID string) *Pending {
	return &Pending{lessonID: lessonID, done: make(chan struct{})}
}

// LessonID returns the id of the lesson being archived.
func (p *Pending) LessonID() string { return p.lessonID }

// Done is closed when the run finishes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the run finishes or ctx is done. Giving up does not
// cancel the run.
func (p *Pending) Wait(ctx context.Context) (archive.Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return archive.Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(r archive.Result) {
	p.result = r
	close(p.done)
}

type envelope struct {
	msg     Message
	reply   ReplyPort
	pending *Pending
}

// Worker handles client messages. Each message runs in its own goroutine.
type Worker struct {
	archiver Archiver
	clients  *Clients
	logger   zerolog.Logger

	inbox   chan envelope
	done    chan struct{}
	closeMu sync.RWMutex // held for writing while the worker stops accepting posts
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewWorker creates a worker. Call Run to start handling messages.
func NewWorker(archiver Archiver, clients *Clients, logger zerolog.Logger) *Worker {
	return &Worker{
		archiver: archiver,
		clients:  clients,
		logger:   logger,
		inbox:    make(chan envelope, DefaultQueueSize),
		done:     make(chan struct{}),
		pending:  make(map[string]*Pending),
	}
}

// Post enqueues msg. For CACHE_LESSON it returns the handle of the archive
// run; reply is ignored and completion is also broadcast as LESSON_CACHED.
// For GET_CACHED_LESSONS the lesson list is sent once on reply.
func (w *Worker) Post(ctx context.Context, msg Message, reply ReplyPort) (*Pending, error) {
	env := envelope{msg: msg, reply: reply}
	if msg.Type == TypeCacheLesson {
		if msg.LessonData == nil {
			return nil, ErrInvalidMessage
		}
		env.pending = newPending(msg.LessonData.ID)
	}

	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	select {
	case <-w.done:
		return nil, ErrClosed
	default:
	}

	if env.pending != nil {
		w.mu.Lock()
		w.pending[env.pending.lessonID] = env.pending
		w.mu.Unlock()
	}

	select {
	case w.inbox <- env:
		return env.pending, nil
	case <-ctx.Done():
		w.drop(env.pending)
		return nil, ctx.Err()
	case <-w.done:
		w.drop(env.pending)
		return nil, ErrClosed
	}
}

func (w *Worker) drop(p *Pending) {
	if p == nil {
		return
	}
	w.mu.Lock()
	w.forget(p)
	w.mu.Unlock()
}

// Pending returns the latest in-flight archive run for lessonID.
func (w *Worker) Pending(lessonID string) (*Pending, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[lessonID]
	return p, ok
}

func (w *Worker) forget(p *Pending) {
	if w.pending[p.lessonID] == p {
		delete(w.pending, p.lessonID)
	}
}

// Run dispatches messages until ctx is done, then stops accepting new
// messages and waits for in-flight handlers. Run must be called once.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("Message worker started")
	for {
		select {
		case env := <-w.inbox:
			w.dispatch(ctx, env)
		case <-ctx.Done():
			close(w.done)
			// wait out posts that are mid-send
			w.closeMu.Lock()
			w.closeMu.Unlock()

			// handle what was accepted before closing
			for drained := false; !drained; {
				select {
				case env := <-w.inbox:
					w.dispatch(ctx, env)
				default:
					drained = true
				}
			}
			w.wg.Wait()
			w.logger.Info().Msg("Message worker stopped")
			return nil
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, env envelope) {
	messagesTotal.WithLabelValues(string(env.msg.Type)).Inc()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.handle(ctx, env)
	}()
}

func (w *Worker) handle(ctx context.Context, env envelope) {
	switch env.msg.Type {
	case TypeCacheLesson:
		w.cacheLesson(ctx, env)
	case TypeGetCachedLessons:
		w.getCachedLessons(ctx, env)
	default:
		w.logger.Warn().Str("type", string(env.msg.Type)).Msg("Dropping message of unknown type")
	}
}

func (w *Worker) cacheLesson(ctx context.Context, env envelope) {
	lesson := *env.msg.LessonData
	w.logger.Info().Str("lesson_id", lesson.ID).Str("title", lesson.Title).Msg("Caching lesson")

	result := w.archiver.Archive(ctx, lesson)

	if w.clients != nil {
		w.clients.Broadcast(NewLessonCached(lesson.ID, result.Success))
	}

	w.drop(env.pending)
	env.pending.resolve(result)
}

func (w *Worker) getCachedLessons(ctx context.Context, env envelope) {
	if env.reply == nil {
		w.logger.Warn().Msg("GET_CACHED_LESSONS without reply port, dropping")
		return
	}

	lessons, err := w.archiver.List(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list cached lessons")
		lessons = []archive.Lesson{}
	}

	select {
	case env.reply <- CachedLessonsReply{Lessons: lessons}:
	default:
		w.logger.Warn().Msg("Reply port full, dropping reply")
	}
}
