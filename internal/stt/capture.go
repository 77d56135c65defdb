package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/bus"
)

// Capture turns a continuous recognizer into a one-shot capture: the first
// non-empty final transcript is reported and the capture stops itself.
type Capture struct {
	rec      Recognizer
	opts     Options
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu         sync.Mutex
	listening  bool
	transcript string
	gen        uint64
	session    Session

	onTranscript func(text string)
	onListening  func(listening bool)
	onError      func(err error)
}

// NewCapture creates a capture adapter. eventBus may be nil.
func NewCapture(rec Recognizer, opts Options, eventBus *bus.EventBus, logger zerolog.Logger) *Capture {
	if opts.Language == "" {
		opts.Language = DefaultOptions().Language
	}
	return &Capture{
		rec:      rec,
		opts:     opts,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "stt").Logger(),
	}
}

// SetTranscriptHandler sets the callback for a finalized transcript.
func (c *Capture) SetTranscriptHandler(h func(text string)) {
	c.mu.Lock()
	c.onTranscript = h
	c.mu.Unlock()
}

// SetListeningHandler sets the callback for listening state changes.
func (c *Capture) SetListeningHandler(h func(listening bool)) {
	c.mu.Lock()
	c.onListening = h
	c.mu.Unlock()
}

// SetErrorHandler sets the callback for capture failures.
func (c *Capture) SetErrorHandler(h func(err error)) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// IsListening reports whether a session is in flight.
func (c *Capture) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Transcript returns the last finalized transcript.
func (c *Capture) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// StartListening opens a recognition session. It is a no-op while already
// listening.
func (c *Capture) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.listening = true
	c.transcript = ""
	c.mu.Unlock()

	c.notifyListening(true)

	session, err := c.rec.Open(ctx, c.opts)
	if err != nil {
		err = oops.In("stt").With("lang", c.opts.Language).Wrapf(fmt.Errorf("%w: %w", ErrCapture, err), "open recognizer")
		c.halt(gen, err)
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		// stopped while opening
		c.mu.Unlock()
		_ = session.Close()
		return nil
	}
	c.session = session
	c.mu.Unlock()

	c.logger.Debug().Str("lang", c.opts.Language).Msg("Listening started")
	go c.readResults(gen, session)
	return nil
}

// StopListening halts the in-flight session, if any. Results it may still
// deliver are discarded.
func (c *Capture) StopListening() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.halt(gen, nil)
}

// Close stops any in-flight session.
func (c *Capture) Close() error {
	c.StopListening()
	return nil
}

func (c *Capture) readResults(gen uint64, session Session) {
	for {
		res, err := session.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.halt(gen, nil)
				return
			}
			c.halt(gen, oops.In("stt").Wrapf(fmt.Errorf("%w: %w", ErrCapture, err), "recognition"))
			return
		}
		if res == nil {
			continue
		}

		final := strings.TrimSpace(res.FinalText())
		if final == "" {
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.transcript = final
		handler := c.onTranscript
		c.mu.Unlock()

		c.halt(gen, nil)

		c.logger.Info().Str("transcript", final).Msg("Final transcript")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{
				Type: bus.EventTypeTranscript,
				Data: map[string]any{"text": final},
			})
		}
		if handler != nil {
			handler(final)
		}
		return
	}
}

// halt ends generation gen. A stale generation is ignored.
func (c *Capture) halt(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || !c.listening {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.listening = false
	session := c.session
	c.session = nil
	onError := c.onError
	c.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}

	if cause != nil {
		c.logger.Error().Err(cause).Msg("Speech recognition error")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{
				Type: bus.EventTypeCaptureError,
				Data: map[string]any{"error": cause.Error()},
			})
		}
		if onError != nil {
			onError(cause)
		}
	}
	c.notifyListening(false)
}

func (c *Capture) notifyListening(listening bool) {
	c.mu.Lock()
	handler := c.onListening
	c.mu.Unlock()

	if c.eventBus != nil {
		et := bus.EventTypeListeningStopped
		if listening {
			et = bus.EventTypeListeningStarted
		}
		c.eventBus.Publish(bus.Event{Type: et})
	}
	if handler != nil {
		handler(listening)
	}
}
