// Package stt adapts a platform speech recognizer into a one-shot capture
// that yields a single finalized transcript.
package stt

import (
	"context"
	"errors"
)

// ErrCapture is reported when the platform recognizer fails.
var ErrCapture = errors.New("speech capture failed")

// Options configure a recognition session.
type Options struct {
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
	Language       string `json:"lang"`
}

// DefaultOptions returns continuous English recognition with interim results.
func DefaultOptions() Options {
	return Options{
		Continuous:     true,
		InterimResults: true,
		Language:       "en-US",
	}
}

// Segment is one recognized phrase.
type Segment struct {
	Text  string `json:"transcript"`
	Final bool   `json:"isFinal"`
}

// Result is one batch of segments delivered by the platform.
type Result struct {
	Segments []Segment `json:"results"`
}

// FinalText concatenates the finalized segments in order.
func (r *Result) FinalText() string {
	var text string
	for _, s := range r.Segments {
		if s.Final {
			text += s.Text
		}
	}
	return text
}

// Recognizer opens recognition sessions on the platform.
type Recognizer interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// Session is one running recognition. Recv blocks until the next result;
// it returns io.EOF when the platform ends the session. Close must unblock a
// pending Recv and may be called more than once.
type Session interface {
	Recv() (*Result, error)
	Close() error
}
