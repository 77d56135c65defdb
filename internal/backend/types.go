package backend

import "errors"

// Common errors
var (
	ErrTransport     = errors.New("backend unavailable")
	ErrQuotaExceeded = errors.New("daily API quota exceeded")
)

// quotaExceededCode is the error value the backend reports once its daily
// model quota is spent.
const quotaExceededCode = "QUOTA_EXCEEDED"

// SourceMetadata describes where a retrieved passage came from.
type SourceMetadata struct {
	Title     string `json:"title,omitempty"`
	Type      string `json:"type,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// Source is one retrieved passage backing an answer.
type Source struct {
	ID       string          `json:"id"`
	Score    *float64        `json:"score,omitempty"`
	Title    string          `json:"title,omitempty"`
	Text     string          `json:"text"`
	Metadata *SourceMetadata `json:"metadata,omitempty"`
}

// DisplayTitle returns the title shown next to a source.
func (s Source) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	if s.Metadata != nil && s.Metadata.Title != "" {
		return s.Metadata.Title
	}
	return s.ID
}

// Answer is the reply to a question.
type Answer struct {
	Text        string   `json:"text"`
	Sources     []Source `json:"sources,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"topK"`
}

type suggestResponse struct {
	Suggestions []string `json:"suggestions"`
	Source      string   `json:"source,omitempty"`
}

type ttsRequest struct {
	Text string `json:"text"`
}

// SpeechResponse carries synthesized audio as a data URI.
type SpeechResponse struct {
	AudioData string `json:"audioData"`
}

type errorResponse struct {
	Error string `json:"error"`
}
