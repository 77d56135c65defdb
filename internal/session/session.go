// Package session assembles one user's conversation: capture, store,
// synthesis, playback and the frame driver, with the UI-level guards that
// callers of the store are expected to apply.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/audio"
	"github.com/CodeForgeNet/virtualme/internal/avatar"
	"github.com/CodeForgeNet/virtualme/internal/bus"
	"github.com/CodeForgeNet/virtualme/internal/store"
	"github.com/CodeForgeNet/virtualme/internal/stt"
	"github.com/CodeForgeNet/virtualme/internal/tts"
)

// ErrQuotaExceeded is returned for submissions after the backend reported
// its daily quota spent.
var ErrQuotaExceeded = errors.New("daily quota reached, submissions disabled")

// Deps are the collaborators a session is built from.
type Deps struct {
	Backend     store.Backend
	Synthesizer tts.Synthesizer
	Recognizer  stt.Recognizer
	Audio       audio.Platform
	EventBus    *bus.EventBus // optional; one is created when nil
}

// Options tune a session.
type Options struct {
	RequestTimeout time.Duration
	Speech         stt.Options
	LipSync        audio.LipSyncConfig
	MorphTarget    string
	FramePeriod    time.Duration
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 30 * time.Second,
		Speech:         stt.DefaultOptions(),
		LipSync:        audio.DefaultLipSyncConfig(),
		MorphTarget:    "mouthOpen",
		FramePeriod:    time.Second / 60,
	}
}

// Session is one conversation and its avatar.
type Session struct {
	ID string

	Store   *store.Store
	Capture *stt.Capture
	Player  *audio.Player
	Gateway *tts.Gateway
	Driver  *avatar.FrameDriver
	Bus     *bus.EventBus

	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	mounted bool
	closed  bool
}

// New builds and wires a session.
func New(deps Deps, opts Options, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	logger = logger.With().Str("session", id).Logger()

	eb := deps.EventBus
	if eb == nil {
		eb = bus.NewEventBus()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      id,
		Bus:     eb,
		Store:   store.New(deps.Backend, &store.Config{RequestTimeout: opts.RequestTimeout}, eb, logger),
		Capture: stt.NewCapture(deps.Recognizer, opts.Speech, eb, logger),
		Player:  audio.NewPlayer(deps.Audio, opts.LipSync, eb, logger),
		Gateway: tts.NewGateway(deps.Synthesizer, eb, logger),
		logger:  logger.With().Str("component", "session").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.Driver = avatar.NewFrameDriver(s.Player, opts.MorphTarget, opts.FramePeriod, logger)

	s.Store.SetPlayback(s.Player)
	s.Player.OnSpeakingChange(s.Store.SetSpeaking)
	s.Capture.SetListeningHandler(s.Store.SetListening)
	s.Capture.SetTranscriptHandler(s.onTranscript)
	eb.SubscribeMultiple(lifecycleEvents, s.logEvent)

	return s
}

var lifecycleEvents = []bus.EventType{
	bus.EventTypeMessageAdded,
	bus.EventTypeSuggestionsSet,
	bus.EventTypeQuotaExceeded,
	bus.EventTypeListeningStarted,
	bus.EventTypeListeningStopped,
	bus.EventTypeTranscript,
	bus.EventTypeCaptureError,
	bus.EventTypeSpeakingStarted,
	bus.EventTypeSpeakingStopped,
	bus.EventTypeTTSCompleted,
	bus.EventTypeTTSFailed,
}

func (s *Session) logEvent(e bus.Event) {
	s.logger.Debug().Str("event", string(e.Type)).Fields(e.Data).Msg("Session event")
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Mount attaches the rendered avatar: synthesis becomes available, the face
// receives mouth weights and starter suggestions are fetched.
func (s *Session) Mount(face avatar.Face) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	s.mu.Unlock()

	s.Store.SetSpeechHandler(s.Gateway.GenerateSpeech)
	s.Driver.SetFace(face)
	s.logger.Info().Msg("Avatar mounted")

	s.goSafe(func() { s.Store.FetchInitialSuggestions(s.ctx) })
}

// Unmount detaches the avatar and stops any capture in progress.
func (s *Session) Unmount() {
	s.mu.Lock()
	wasMounted := s.mounted
	s.mounted = false
	s.mu.Unlock()

	s.Store.ClearSpeechHandler()
	s.Driver.SetFace(nil)
	s.Capture.StopListening()
	if wasMounted {
		s.logger.Info().Msg("Avatar unmounted")
	}
}

// StartListening begins speech capture unless an exchange is in flight or
// the avatar is speaking.
func (s *Session) StartListening(ctx context.Context) error {
	st := s.Store.Snapshot()
	if st.QuotaExceeded {
		return oops.In("session").Wrap(ErrQuotaExceeded)
	}
	if st.Busy() || st.Speaking {
		s.logger.Debug().Str("phase", st.Phase()).Msg("Start listening ignored")
		return nil
	}
	return s.Capture.StartListening(ctx)
}

// StopListening halts speech capture.
func (s *Session) StopListening() {
	s.Capture.StopListening()
}

// Submit runs a typed exchange.
func (s *Session) Submit(ctx context.Context, text string) error {
	if s.Store.Snapshot().QuotaExceeded {
		return oops.In("session").Wrap(ErrQuotaExceeded)
	}
	return s.Store.SubmitQuery(ctx, text)
}

// SubmitAsync runs a typed exchange on the session's lifetime context.
func (s *Session) SubmitAsync(text string) {
	s.goSafe(func() {
		if err := s.Submit(s.ctx, text); err != nil {
			s.logger.Warn().Err(err).Msg("Submission failed")
		}
	})
}

// StopSpeaking halts playback.
func (s *Session) StopSpeaking() {
	s.Store.StopSpeaking()
}

// Run drives the render frame loop until ctx or the session ends.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := s.Driver.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears the session down and waits for background work.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Unmount()
	s.cancel()
	_ = s.Capture.Close()
	s.Store.StopSpeaking()
	err := s.Player.Close()
	s.wg.Wait()
	s.Bus.Clear()
	s.logger.Info().Msg("Session closed")
	return err
}

func (s *Session) onTranscript(text string) {
	if s.Store.Snapshot().QuotaExceeded {
		s.logger.Info().Msg("Transcript dropped, quota exceeded")
		return
	}
	s.goSafe(func() {
		if err := s.Store.SubmitVerbalQuery(s.ctx, text); err != nil {
			s.logger.Warn().Err(err).Msg("Verbal query failed")
		}
	})
}

func (s *Session) goSafe(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
}
