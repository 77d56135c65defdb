package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"

	"github.com/CodeForgeNet/virtualme/internal/backend"
	"github.com/CodeForgeNet/virtualme/internal/bus"
)

// Config configures a Store
type Config struct {
	// RequestTimeout bounds every backend and synthesis call.
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{RequestTimeout: 30 * time.Second}
}

// Store is the conversation state of one session. All methods are safe for
// concurrent use; network calls and playback never run under the state lock.
type Store struct {
	backend  Backend
	timeout  time.Duration
	eventBus *bus.EventBus
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	handler  SpeechHandler
	playback Playback
	// epoch advances on every StopSpeaking; synthesis results from an older
	// epoch are not played.
	epoch uint64

	// playMu orders playback port calls with StopSpeaking.
	playMu sync.Mutex

	suggest singleflight.Group
}

// New creates a Store seeded with the greeting message. eventBus may be nil.
func New(b Backend, cfg *Config, eventBus *bus.EventBus, logger zerolog.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Store{
		backend:  b,
		timeout:  cfg.RequestTimeout,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "store").Logger(),
		now:      time.Now,
	}
	s.state.Messages = []Message{s.newMessage(RoleSystem, SeedText)}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// SetSpeechHandler registers the synthesis capability.
func (s *Store) SetSpeechHandler(h SpeechHandler) {
	s.update(func(st *State) {
		s.handler = h
		st.SpeechHandlerRegistered = h != nil
	})
}

// ClearSpeechHandler unregisters the synthesis capability.
func (s *Store) ClearSpeechHandler() {
	s.SetSpeechHandler(nil)
}

// SetPlayback sets where synthesized audio is sent. nil disables playback.
func (s *Store) SetPlayback(p Playback) {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	s.mu.Lock()
	s.playback = p
	s.mu.Unlock()
}

// SetSpeaking records whether audio is playing.
func (s *Store) SetSpeaking(speaking bool) {
	s.update(func(st *State) {
		st.Speaking = speaking
	})
}

// SetListening records whether speech capture is running.
func (s *Store) SetListening(listening bool) {
	s.update(func(st *State) {
		st.Listening = listening
	})
}

// SubmitQuery runs a typed exchange. Blank text is ignored. Backend failures
// are recorded in the transcript and also returned.
func (s *Store) SubmitQuery(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if err := s.begin(func(st *State) {
		st.ChatLoading = true
		st.Suggestions = nil
		st.LastSources = nil
		st.Messages = append(st.Messages, s.newMessage(RoleUser, text))
	}); err != nil {
		return err
	}
	defer s.update(func(st *State) { st.ChatLoading = false })

	ans, err := s.ask(ctx, text)
	if err != nil {
		reply := "Error: " + err.Error()
		if errors.Is(err, backend.ErrQuotaExceeded) {
			reply = QuotaReply
		}
		s.recordFailure(err, reply)
		return err
	}

	s.recordAnswer(ans)
	return nil
}

// SubmitVerbalQuery runs a spoken exchange: the reply is appended to the
// transcript and vocalized. Blank text is ignored.
func (s *Store) SubmitVerbalQuery(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if err := s.begin(func(st *State) {
		st.Loading = true
		st.ProcessingVerbalQuery = true
		st.Suggestions = nil
		st.LastSources = nil
		st.Messages = append(st.Messages, s.newMessage(RoleUser, text))
	}); err != nil {
		return err
	}
	defer s.update(func(st *State) {
		st.Loading = false
		st.ProcessingVerbalQuery = false
	})

	var spoken string
	ans, err := s.ask(ctx, text)
	if err != nil {
		spoken = "Error: " + err.Error()
		if errors.Is(err, backend.ErrQuotaExceeded) {
			spoken = QuotaSpoken
		}
		s.recordFailure(err, spoken)
	} else {
		spoken = s.recordAnswer(ans)
	}

	if _, serr := s.GenerateSpeech(ctx, spoken); serr != nil {
		s.logger.Warn().Err(serr).Msg("Reply not vocalized")
	}
	return err
}

// GenerateSpeech synthesizes text through the registered handler and plays
// the result. It clears ProcessingVerbalQuery whatever the outcome.
func (s *Store) GenerateSpeech(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	h := s.handler
	epoch := s.epoch
	s.mu.Unlock()

	if h == nil {
		s.logger.Error().Msg("Speech handler not registered")
		s.update(func(st *State) { st.ProcessingVerbalQuery = false })
		return "", oops.In("store").Wrap(ErrNoSpeechHandler)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	uri, err := h(ctx, text)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error generating speech")
		s.update(func(st *State) { st.ProcessingVerbalQuery = false })
		return "", oops.In("store").Wrapf(err, "generate speech")
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()

	var pb Playback
	stale := false
	s.update(func(st *State) {
		st.ProcessingVerbalQuery = false
		if s.epoch != epoch {
			stale = true
			return
		}
		st.CurrentAudio = uri
		pb = s.playback
	})

	if stale {
		s.logger.Debug().Msg("Speech stopped before audio was ready")
		return uri, nil
	}
	if pb == nil {
		return uri, nil
	}
	if err := pb.Load(uri); err != nil {
		s.logger.Error().Err(err).Msg("Failed to start playback")
		return uri, oops.In("store").Wrapf(err, "start playback")
	}
	return uri, nil
}

// StopSpeaking halts playback immediately. Synthesis still in flight is not
// played when it completes.
func (s *Store) StopSpeaking() {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	var pb Playback
	s.update(func(st *State) {
		s.epoch++
		st.Speaking = false
		st.CurrentAudio = ""
		pb = s.playback
	})
	if pb != nil {
		if err := pb.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop playback")
		}
	}
}

// FetchInitialSuggestions loads starter questions while the transcript holds
// only the greeting. Failures are logged, never surfaced.
func (s *Store) FetchInitialSuggestions(ctx context.Context) {
	if !s.onlySeed() {
		return
	}

	_, _, _ = s.suggest.Do("initial", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		suggestions, err := s.backend.Suggest(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Error fetching initial suggestions")
			return nil, err
		}
		s.update(func(st *State) {
			st.Suggestions = suggestions
		})
		s.publish(bus.EventTypeSuggestionsSet, map[string]any{"count": len(suggestions)})
		return nil, nil
	})
}

func (s *Store) onlySeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Messages) == 1 && s.state.Messages[0].Role == RoleSystem
}

func (s *Store) ask(ctx context.Context, text string) (*backend.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	ans, err := s.backend.Ask(ctx, text)
	if err != nil {
		s.logger.Warn().Err(err).Dur("latency", time.Since(start)).Msg("Ask failed")
		return nil, err
	}
	s.logger.Info().Dur("latency", time.Since(start)).Int("sources", len(ans.Sources)).Msg("Ask answered")
	return ans, nil
}

// recordAnswer appends the reply and replaces sources and suggestions. It
// returns the reply text.
func (s *Store) recordAnswer(ans *backend.Answer) string {
	reply := ans.Text
	if reply == "" {
		reply = FallbackReply
	}
	s.update(func(st *State) {
		st.Messages = append(st.Messages, s.newMessage(RoleAssistant, reply))
		st.LastSources = ans.Sources
		st.Suggestions = ans.Suggestions
	})
	s.publish(bus.EventTypeMessageAdded, map[string]any{"role": string(RoleAssistant)})
	return reply
}

func (s *Store) recordFailure(err error, reply string) {
	quota := errors.Is(err, backend.ErrQuotaExceeded)
	s.update(func(st *State) {
		if quota {
			st.QuotaExceeded = true
		}
		st.Messages = append(st.Messages, s.newMessage(RoleAssistant, reply))
	})
	if quota {
		s.publish(bus.EventTypeQuotaExceeded, nil)
	}
	s.publish(bus.EventTypeMessageAdded, map[string]any{"role": string(RoleAssistant)})
}

// begin applies fn unless an exchange is already in flight.
func (s *Store) begin(fn func(*State)) error {
	s.mu.Lock()
	if s.state.Busy() {
		phase := s.state.Phase()
		s.mu.Unlock()
		return oops.In("store").With("phase", phase).Wrap(ErrBusy)
	}
	fn(&s.state)
	s.state.Version++
	snap := s.state.clone()
	s.mu.Unlock()

	s.publishState(snap)
	s.publish(bus.EventTypeMessageAdded, map[string]any{"role": string(RoleUser)})
	return nil
}

// update applies fn under the lock and publishes the new snapshot.
func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.Version++
	snap := s.state.clone()
	s.mu.Unlock()

	s.publishState(snap)
}

func (s *Store) publishState(snap State) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.PublishSync(bus.Event{
		Type: bus.EventTypeStateChanged,
		Data: map[string]any{"state": snap},
	})
}

func (s *Store) publish(t bus.EventType, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(bus.Event{Type: t, Data: data})
}

func (s *Store) newMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: s.now(),
	}
}

// String implements fmt.Stringer for log lines.
func (m Message) String() string {
	return fmt.Sprintf("[%s] %s", m.Role, m.Text)
}
