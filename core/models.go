package core

import (
	"errors"
	"time"
)

// VideoStatus is the processing state of a video. Transitions are monotonic
// except through the explicit retry path (TranscribeError back to Pending).
type VideoStatus string

const (
	StatusPending         VideoStatus = "PENDING"
	StatusCompleted       VideoStatus = "COMPLETED"
	StatusTranscribeError VideoStatus = "TRANSCRIBE_ERROR"
	StatusEmbeddingError  VideoStatus = "EMBEDDING_ERROR"
)

// CanTransition reports whether moving from s to next is an allowed status
// change. Every legal edge is enumerated here so the orchestrator has a single
// place to consult.
func (s VideoStatus) CanTransition(next VideoStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusTranscribeError
	case StatusCompleted:
		return next == StatusCompleted || next == StatusEmbeddingError
	case StatusTranscribeError:
		return next == StatusPending
	case StatusEmbeddingError:
		return next == StatusCompleted || next == StatusEmbeddingError
	}
	return false
}

// Video is one external media item owned by one user. ExternalID is globally
// unique; a PENDING video has empty transcript content.
type Video struct {
	ID              int64       `json:"id"`
	ExternalID      string      `json:"external_id"`
	Title           string      `json:"title"`
	UserID          string      `json:"user_id"`
	DurationMinutes int         `json:"duration_minutes"`
	Content         string      `json:"content"`
	Status          VideoStatus `json:"status"`
	Error           string      `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TranscriptChunk is a merged, time-addressable transcript segment belonging
// to exactly one video. Embedding stays nil until the embedding phase
// populates it.
type TranscriptChunk struct {
	ID        int64     `json:"id"`
	VideoID   int64     `json:"video_id"`
	StartSec  int       `json:"start_sec"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// Quota is the per-user consumable budget. Both counters are clamped at zero
// on deduction and never persisted negative.
type Quota struct {
	UserID         string    `json:"user_id"`
	MessagesLeft   int       `json:"messages_left"`
	VideoHoursLeft int       `json:"video_hours_left"`
	ResetAt        time.Time `json:"reset_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Chat groups an ordered conversation owned by one user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Hit is one retrieved chunk with its similarity score and the data needed
// for a deep link into the source video.
type Hit struct {
	ChunkID    int64   `json:"chunk_id"`
	VideoID    int64   `json:"video_id"`
	ExternalID string  `json:"external_id"`
	StartSec   int     `json:"start_sec"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// PipelineSummary is the aggregate outcome of one batch submission. It is
// always returned, partial failure included; only ownership violations on the
// query path surface as bare errors.
type PipelineSummary struct {
	Attempted     int      `json:"attempted"`
	Transcribed   int      `json:"transcribed"`
	QuotaExceeded bool     `json:"quota_exceeded"`
	Videos        []*Video `json:"videos"`
}

var ErrNotFound = errors.New("not found")
