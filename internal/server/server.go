// Package server exposes the offline worker over HTTP. Every request that is
// not a control route is intercepted and answered from the stores or the
// origin.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/himmam-offline/internal/app"
	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/Sternrassler/himmam-offline/pkg/connectivity"
	"github.com/Sternrassler/himmam-offline/pkg/lifecycle"
	"github.com/Sternrassler/himmam-offline/pkg/metrics"
	"github.com/Sternrassler/himmam-offline/pkg/protocol"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

// ControlPrefix is the path prefix of the worker's own routes. Anything else
// is intercepted.
const ControlPrefix = "/sw"

// replyTimeout bounds how long a GET_CACHED_LESSONS reply is awaited.
const replyTimeout = 10 * time.Second

// Server is the HTTP front of the worker.
type Server struct {
	addr   string
	app    *app.App
	router *echo.Echo
	logger zerolog.Logger
}

// StatusResponse is the body of GET /sw/status.
type StatusResponse struct {
	State        lifecycle.State    `json:"state"`
	ChangedAt    time.Time          `json:"changed_at"`
	Stores       cache.StoreNames   `json:"stores"`
	Existing     []string           `json:"existing_stores"`
	Connectivity connectivity.State `json:"connectivity"`
	Clients      int                `json:"clients"`
}

// New creates a server for a.
func New(a *app.App, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   a.Config.Server.Addr,
		app:    a,
		router: echo.New(),
		logger: logger,
	}
	s.router.HideBanner = true
	s.router.HidePort = true
	s.router.Use(middleware.Recover())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	sw := s.router.Group(ControlPrefix)
	sw.GET("/status", s.status)
	sw.POST("/messages", s.postMessage)
	sw.GET("/ws", echo.WrapHandler(websocket.Handler(s.serveClient)))

	s.router.Any("/*", s.intercept)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Str("origin", s.app.Config.Server.Origin).Msg("Starting offline worker server")
	if err := s.router.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.router.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) status(c echo.Context) error {
	ctx := c.Request().Context()

	conn, err := s.app.Tracker.GetState(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read connectivity state")
	}
	existing, err := s.app.Storage.Names(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list stores: "+err.Error())
	}

	return c.JSON(http.StatusOK, StatusResponse{
		State:        s.app.Lifecycle.State(),
		ChangedAt:    s.app.Lifecycle.ChangedAt(),
		Stores:       s.app.Config.Stores,
		Existing:     existing,
		Connectivity: conn,
		Clients:      s.app.Clients.Len(),
	})
}

// postMessage accepts a worker message. GET_CACHED_LESSONS is answered in the
// response; CACHE_LESSON is acknowledged with 202 and completes in the
// background.
func (s *Server) postMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	msg, err := protocol.DecodeMessage(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	switch msg.Type {
	case protocol.TypeGetCachedLessons:
		reply, err := s.cachedLessons(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusOK, reply)

	case protocol.TypeCacheLesson:
		if msg.LessonData == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "CACHE_LESSON without lessonData")
		}
		if err := msg.LessonData.Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		// the archive run outlives this request
		if _, err := s.app.Worker.Post(context.Background(), msg, nil); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"lessonId": msg.LessonData.ID})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown message type "+string(msg.Type))
	}
}

func (s *Server) cachedLessons(ctx context.Context) (protocol.CachedLessonsReply, error) {
	port := protocol.NewReplyPort()
	if _, err := s.app.Worker.Post(ctx, protocol.GetCachedLessons(), port); err != nil {
		return protocol.CachedLessonsReply{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	select {
	case reply := <-port:
		if reply.Lessons == nil {
			reply.Lessons = []archive.Lesson{}
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.CachedLessonsReply{}, ctx.Err()
	}
}

// serveClient binds one WebSocket connection to a page client. Incoming
// frames are worker messages; outgoing frames are LESSON_CACHED broadcasts
// and GET_CACHED_LESSONS replies.
func (s *Server) serveClient(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	client := s.app.Clients.Connect()
	defer s.app.Clients.Disconnect(client)

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	out := make(chan any, 8)
	go func() {
		for {
			select {
			case msg, ok := <-client.Messages():
				if !ok {
					return
				}
				if err := websocket.JSON.Send(conn, msg); err != nil {
					cancel()
					return
				}
			case v := <-out:
				if err := websocket.JSON.Send(conn, v); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log := s.logger.With().Str("client_id", client.ID()).Logger()
	log.Debug().Msg("Client connected")

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("Client read failed")
			}
			log.Debug().Msg("Client disconnected")
			return
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed message")
			continue
		}

		switch msg.Type {
		case protocol.TypeGetCachedLessons:
			go func() {
				reply, err := s.cachedLessons(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("No cached lessons reply")
					return
				}
				select {
				case out <- reply:
				case <-ctx.Done():
				}
			}()
		default:
			if _, err := s.app.Worker.Post(context.Background(), msg, nil); err != nil {
				log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Failed to post message")
			}
		}
	}
}

// intercept forwards the request to the origin through the interception
// controller.
func (s *Server) intercept(c echo.Context) error {
	in := c.Request()
	target := strings.TrimRight(s.app.Config.Server.Origin, "/") + in.URL.RequestURI()

	req, err := http.NewRequestWithContext(in.Context(), in.Method, target, in.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	for key, values := range in.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.ContentLength = in.ContentLength

	resp, err := s.app.Controller.Handle(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", target).Msg("Intercepted request failed")
		return echo.NewHTTPError(http.StatusBadGateway, "origin unreachable")
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		s.logger.Warn().Err(err).Str("url", target).Msg("Failed to write response")
	}
	return nil
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}
