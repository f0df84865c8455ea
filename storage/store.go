package storage

import (
	"context"
	"log"

	"videoask/config"
	"videoask/core"
)

// Store is the persistence collaborator consumed by the pipeline and the
// query engine. Postgres backs it in production; the memory implementation
// serves as fallback and as the test double.
type Store interface {
	VideoByExternalID(ctx context.Context, externalID string) (*core.Video, error)
	CreateVideo(ctx context.Context, v *core.Video) error
	UpdateVideo(ctx context.Context, v *core.Video) error

	// ReplaceChunks deletes every chunk of the video and inserts the given
	// ones, returning them with ids assigned. Re-transcription goes through
	// here so stale chunks never survive.
	ReplaceChunks(ctx context.Context, videoID int64, chunks []core.TranscriptChunk) ([]core.TranscriptChunk, error)
	ChunksByVideo(ctx context.Context, videoID int64) ([]core.TranscriptChunk, error)
	SaveChunkEmbeddings(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error
	// SearchChunks returns the topK chunks nearest to vector among embedded
	// chunks of COMPLETED videos owned by userID, best first, with
	// Score = 1 - cosine distance.
	SearchChunks(ctx context.Context, userID string, vector []float32, topK int) ([]core.Hit, error)

	QuotaByUser(ctx context.Context, userID string) (*core.Quota, error)
	SaveQuota(ctx context.Context, q *core.Quota) error
	// ReserveVideoHours is the atomic conditional decrement: it subtracts
	// hours only if the balance stays >= 0 and reports whether it did.
	ReserveVideoHours(ctx context.Context, userID string, hours int) (bool, error)
	RefundVideoHours(ctx context.Context, userID string, hours int) error

	ChatByID(ctx context.Context, chatID string) (*core.Chat, error)
	CreateChat(ctx context.Context, c *core.Chat) error
	// RecentMessages returns up to limit latest messages in chronological
	// order.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]core.ChatMessage, error)
	AppendMessage(ctx context.Context, m *core.ChatMessage) error

	Close()
}

// New selects the backend from config: pgvector (default) or pgvector with a
// Milvus vector index in front of chunk search. Any initialization failure
// falls back to the in-memory store so the service still comes up.
func New(ctx context.Context, cfg *config.Config) Store {
	switch cfg.StoreKind {
	case "memory":
		return NewMemoryStore(cfg)
	case "milvus":
		pg, err := NewPgStore(ctx, cfg)
		if err != nil {
			log.Printf("warning: postgres unavailable (%v), falling back to memory store", err)
			return NewMemoryStore(cfg)
		}
		idx, err := NewMilvusIndex(ctx, cfg)
		if err != nil {
			log.Printf("warning: milvus unavailable (%v), using pgvector search", err)
			return pg
		}
		pg.index = idx
		return pg
	default:
		pg, err := NewPgStore(ctx, cfg)
		if err != nil {
			log.Printf("warning: postgres unavailable (%v), falling back to memory store", err)
			return NewMemoryStore(cfg)
		}
		return pg
	}
}
