// Package store holds one session's conversation and avatar state and
// orchestrates typed and spoken exchanges with the backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/CodeForgeNet/virtualme/internal/backend"
)

// Common errors
var (
	ErrBusy            = errors.New("another exchange is in flight")
	ErrNoSpeechHandler = errors.New("speech handler not registered")
)

// Fixed transcript texts.
const (
	SeedText      = "You are talking to Virtual me. Ask me anything!"
	FallbackReply = "Sorry, I had an issue processing that."
	QuotaReply    = "The daily API quota has been reached. Please try again tomorrow."
	QuotaSpoken   = "The daily API quota has been reached."
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one transcript entry. Messages are never modified once appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// State is a point-in-time copy of the store.
type State struct {
	// Version increases with every change; consumers drop older snapshots.
	Version uint64 `json:"version"`

	Messages    []Message        `json:"messages"`
	Suggestions []string         `json:"suggestions"`
	LastSources []backend.Source `json:"lastSources"`

	ChatLoading           bool `json:"chatLoading"`
	ProcessingVerbalQuery bool `json:"isProcessingVerbalQuery"`
	Loading               bool `json:"loading"`
	QuotaExceeded         bool `json:"isQuotaExceeded"`

	Speaking     bool   `json:"isSpeaking"`
	Listening    bool   `json:"isListening"`
	CurrentAudio string `json:"currentAudioDataUri,omitempty"`

	SpeechHandlerRegistered bool `json:"speechHandlerRegistered"`
}

// Busy reports whether a typed or spoken exchange is in flight.
func (s State) Busy() bool {
	return s.ChatLoading || s.ProcessingVerbalQuery || s.Loading
}

// Phase names the conversational state derived from the flags.
func (s State) Phase() string {
	switch {
	case s.ChatLoading:
		return "thinking-typed"
	case s.ProcessingVerbalQuery || s.Loading:
		return "thinking-verbal"
	case s.Speaking:
		return "speaking"
	case s.Listening:
		return "listening"
	default:
		return "idle"
	}
}

func (s State) clone() State {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Suggestions = append([]string{}, s.Suggestions...)
	c.LastSources = append([]backend.Source{}, s.LastSources...)
	return c
}

// Backend answers questions and proposes starter questions.
// *backend.Client implements it.
type Backend interface {
	Ask(ctx context.Context, question string) (*backend.Answer, error)
	Suggest(ctx context.Context) ([]string, error)
}

// SpeechHandler synthesizes text into a playable audio uri. It is registered
// while an avatar is mounted.
type SpeechHandler func(ctx context.Context, text string) (string, error)

// Playback plays audio uris. *audio.Player implements it.
type Playback interface {
	Load(uri string) error
	Stop() error
}
