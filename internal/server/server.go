// Package server exposes sessions to browser pages over websocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/avatar"
	"github.com/CodeForgeNet/virtualme/internal/bus"
	"github.com/CodeForgeNet/virtualme/internal/logging"
	"github.com/CodeForgeNet/virtualme/internal/remote"
	"github.com/CodeForgeNet/virtualme/internal/session"
	"github.com/CodeForgeNet/virtualme/internal/store"
	"github.com/CodeForgeNet/virtualme/internal/tts"
)

const (
	// WebSocketEndpoint is the path for page connections.
	WebSocketEndpoint = "/ws"

	// HealthEndpoint is the path for health checks.
	HealthEndpoint = "/healthz"

	// LogsEndpoint serves recent log entries when a LogSource is configured.
	LogsEndpoint = "/debug/logs"

	defaultLogLimit = 100
)

// Config configures the server
type Config struct {
	Addr           string
	AllowedOrigins []string // empty allows any origin
	Version        string
	Session        session.Options
	Morphs         avatar.MorphDictionary // default face dictionary
	Logs           LogSource              // optional
}

// LogSource exposes recent log entries.
type LogSource interface {
	GetHistory(limit int) []logging.LogEntry
}

// Backend is what every session talks to.
type Backend interface {
	store.Backend
	tts.Synthesizer
}

// Server accepts page connections; each connection is one session.
type Server struct {
	cfg      Config
	backend  Backend
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a server.
func New(cfg Config, b Backend, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		backend:  b,
		logger:   logger.With().Str("component", "server").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, s.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, s.handleHealth)
	if cfg.Logs != nil {
		mux.HandleFunc(LogsEndpoint, s.handleLogs)
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Starting server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return oops.In("server").With("addr", s.cfg.Addr).Wrapf(err, "listen")
	}
	return nil
}

// Shutdown closes every session and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info().Msg("Server stopped")
	if err != nil {
		return oops.In("server").Wrapf(err, "shutdown")
	}
	return nil
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveSession(ws)
	}()
}

func (s *Server) serveSession(ws *websocket.Conn) {
	conn := remote.NewConn(ws, s.cfg.Morphs, s.logger)
	eb := bus.NewEventBus()
	sess := session.New(session.Deps{
		Backend:     s.backend,
		Synthesizer: s.backend,
		Recognizer:  conn,
		Audio:       conn,
		EventBus:    eb,
	}, s.cfg.Session, s.logger)

	// state snapshots may arrive out of order from concurrent mutations
	var lastVersion uint64
	var versionMu sync.Mutex
	eb.Subscribe(bus.EventTypeStateChanged, func(e bus.Event) {
		st, ok := e.Data["state"].(store.State)
		if !ok {
			return
		}
		versionMu.Lock()
		if st.Version <= lastVersion {
			versionMu.Unlock()
			return
		}
		lastVersion = st.Version
		versionMu.Unlock()
		_ = conn.SendState(st)
	})
	eb.SubscribeMultiple(noticeEvents, func(e bus.Event) {
		_ = conn.Send(remote.Envelope{Type: remote.TypeError, Error: noticeText(e)})
	})
	conn.OnCommand(func(env remote.Envelope) { s.dispatch(sess, conn, env) })

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.logger.Info().Str("session", sess.ID).Int("sessions", s.SessionCount()).Msg("Session started")

	_ = conn.SendState(sess.Store.Snapshot())

	ctx, cancel := context.WithCancel(s.ctx)
	frames := make(chan struct{})
	go func() {
		defer close(frames)
		if err := sess.Run(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Frame loop stopped")
		}
	}()

	if err := conn.Serve(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session", sess.ID).Msg("Connection error")
	}
	cancel()
	<-frames

	_ = sess.Close()
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	s.logger.Info().Str("session", sess.ID).Msg("Session ended")
}

// noticeEvents are reported to the page as error envelopes.
var noticeEvents = []bus.EventType{
	bus.EventTypeCaptureError,
	bus.EventTypeTTSFailed,
	bus.EventTypeQuotaExceeded,
}

func noticeText(e bus.Event) string {
	if msg, ok := e.Data["error"].(string); ok && msg != "" {
		return msg
	}
	if e.Type == bus.EventTypeQuotaExceeded {
		return session.ErrQuotaExceeded.Error()
	}
	return string(e.Type)
}

func (s *Server) dispatch(sess *session.Session, conn *remote.Conn, env remote.Envelope) {
	switch env.Type {
	case remote.TypeAvatarMounted:
		sess.Mount(conn)
	case remote.TypeAvatarUnmounted:
		sess.Unmount()
	case remote.TypeListenStart:
		if err := sess.StartListening(sess.Context()); err != nil {
			_ = conn.Send(remote.Envelope{Type: remote.TypeError, Error: err.Error()})
		}
	case remote.TypeListenStop:
		sess.StopListening()
	case remote.TypeSpeakStop:
		sess.StopSpeaking()
	case remote.TypeSubmit:
		sess.SubmitAsync(env.Text)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(healthResponse{
		Status:   "healthy",
		Version:  s.cfg.Version,
		Sessions: s.SessionCount(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if n := r.URL.Query().Get("limit"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}

	body, err := sonic.Marshal(s.cfg.Logs.GetHistory(limit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
