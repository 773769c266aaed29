// Package control is the boundary between control clients and the engine.
//
// Clients connect over a websocket and exchange JSON [Request] and [Reply]
// messages, one reply per request, in order. Every request is executed
// against the shared [engine.Engine]; failures are returned as typed reply
// codes and never end the session.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/decisionlog"
	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/internal/observe"
)

// DecisionSource serves persisted decisions for the "decisions" op.
type DecisionSource interface {
	Query(ctx context.Context, player string, limit int) ([]decisionlog.Entry, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithRegistry sets the registry resolving merge policy names. Defaults to
// [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCorpusDir allows "read_corpus" to load corpus documents from files
// under dir. Without it only registered corpora can be read.
func WithCorpusDir(dir string) Option {
	return func(s *Server) { s.corpusDir = dir }
}

// WithDecisionSource enables the "decisions" op.
func WithDecisionSource(src DecisionSource) Option {
	return func(s *Server) { s.decisions = src }
}

// WithOriginPatterns allows cross-origin clients whose origin matches one of
// patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server executes control requests. It is an [http.Handler] accepting
// websocket sessions.
type Server struct {
	eng       *engine.Engine
	router    *Router
	registry  *config.Registry
	metrics   *observe.Metrics
	corpusDir string
	decisions DecisionSource
	origins   []string
}

// New creates a server driving eng with every built-in op registered.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{eng: eng, router: NewRouter()}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = config.DefaultRegistry()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.registerCommands()
	return s
}

// Router returns the op router, e.g. to register additional ops.
func (s *Server) Router() *Router { return s.router }

// Handle executes one request outside any websocket session.
func (s *Server) Handle(ctx context.Context, req Request) Reply {
	return s.handle(ctx, "", req)
}

func (s *Server) handle(ctx context.Context, session string, req Request) Reply {
	ctx, span := observe.StartCommandSpan(ctx, req.Op, session, req.Player)
	defer span.End()

	reply := s.router.Dispatch(ctx, req)

	status := CodeOK
	if reply.Error != nil {
		status = reply.Error.Code
		span.SetStatus(codes.Error, reply.Error.Message)
		span.SetAttributes(attribute.String("cadenza.error_code", status))
		observe.Logger(ctx).Warn("control command failed",
			"op", req.Op, "player", req.Player, "path", req.Path, "code", status, "err", reply.Error.Message)
	}
	s.metrics.RecordCommand(ctx, req.Op, status)
	return reply
}

// ServeHTTP upgrades the request to a websocket and serves one control
// session until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("control: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	session := uuid.NewString()
	log := slog.With("session", session, "remote", r.RemoteAddr)
	log.Info("control session opened")
	s.metrics.ControlClients.Add(ctx, 1)
	defer s.metrics.ControlClients.Add(context.WithoutCancel(ctx), -1)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Warn("control session read failed", "err", err)
			}
			log.Info("control session closed")
			return
		}

		var reply Reply
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			reply = replyTo(req, nil, errors.Join(ErrBadRequest, err))
		} else {
			reply = s.handle(ctx, session, req)
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Warn("control session write failed", "err", err)
			return
		}
	}
}
