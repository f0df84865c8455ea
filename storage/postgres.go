package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"videoask/config"
	"videoask/core"
)

// chunkIndex is the external vector index chunk search is delegated to when
// one is configured. *MilvusIndex satisfies it.
type chunkIndex interface {
	Upsert(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error
	DeleteVideo(ctx context.Context, videoID int64) error
	Search(ctx context.Context, userID string, vector []float32, topK int) ([]core.Hit, error)
	Close()
}

// PgStore persists everything in Postgres; chunk vectors live in a pgvector
// column queried with the cosine distance operator. When index is set, chunk
// vector search and upkeep are delegated to it instead.
type PgStore struct {
	pool  *pgxpool.Pool
	cfg   *config.Config
	index chunkIndex
}

func NewPgStore(ctx context.Context, cfg *config.Config) (*PgStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgStore{pool: pool, cfg: cfg}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) Close() {
	if s.index != nil {
		s.index.Close()
	}
	s.pool.Close()
}

func (s *PgStore) ensureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS videos (
			id BIGSERIAL PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			duration_minutes INT NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_user ON videos (user_id, status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transcript_chunks (
			id BIGSERIAL PRIMARY KEY,
			video_id BIGINT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
			start_sec INT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d)
		)`, s.cfg.Pipeline.EmbeddingDimension),
		`CREATE INDEX IF NOT EXISTS idx_chunks_video ON transcript_chunks (video_id, start_sec)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON transcript_chunks
			USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS quotas (
			user_id TEXT PRIMARY KEY,
			messages_left INT NOT NULL,
			video_hours_left INT NOT NULL,
			reset_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON chat_messages (chat_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

func (s *PgStore) VideoByExternalID(ctx context.Context, externalID string) (*core.Video, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, title, user_id, duration_minutes, content, status, error, created_at
		FROM videos WHERE external_id = $1`, externalID)
	return scanVideo(row)
}

func scanVideo(row pgx.Row) (*core.Video, error) {
	var v core.Video
	err := row.Scan(&v.ID, &v.ExternalID, &v.Title, &v.UserID, &v.DurationMinutes,
		&v.Content, &v.Status, &v.Error, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan video: %w", err)
	}
	return &v, nil
}

func (s *PgStore) CreateVideo(ctx context.Context, v *core.Video) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO videos (external_id, title, user_id, duration_minutes, content, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		v.ExternalID, v.Title, v.UserID, v.DurationMinutes, v.Content, v.Status, v.Error, v.CreatedAt,
	).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("create video %s: %w", v.ExternalID, err)
	}
	return nil
}

func (s *PgStore) UpdateVideo(ctx context.Context, v *core.Video) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET title = $2, duration_minutes = $3, content = $4, status = $5, error = $6
		WHERE id = $1`,
		v.ID, v.Title, v.DurationMinutes, v.Content, v.Status, v.Error)
	if err != nil {
		return fmt.Errorf("update video %d: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *PgStore) ReplaceChunks(ctx context.Context, videoID int64, chunks []core.TranscriptChunk) ([]core.TranscriptChunk, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_chunks WHERE video_id = $1`, videoID); err != nil {
		return nil, fmt.Errorf("delete chunks of video %d: %w", videoID, err)
	}
	out := make([]core.TranscriptChunk, len(chunks))
	for i, c := range chunks {
		c.VideoID = videoID
		err := tx.QueryRow(ctx, `
			INSERT INTO transcript_chunks (video_id, start_sec, text)
			VALUES ($1, $2, $3) RETURNING id`,
			videoID, c.StartSec, c.Text,
		).Scan(&c.ID)
		if err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		out[i] = c
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chunks: %w", err)
	}
	if s.index != nil {
		if err := s.index.DeleteVideo(ctx, videoID); err != nil {
			return nil, fmt.Errorf("drop stale vectors for video %d: %w", videoID, err)
		}
	}
	return out, nil
}

func (s *PgStore) ChunksByVideo(ctx context.Context, videoID int64) ([]core.TranscriptChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, video_id, start_sec, text, embedding
		FROM transcript_chunks WHERE video_id = $1 ORDER BY start_sec`, videoID)
	if err != nil {
		return nil, fmt.Errorf("chunks of video %d: %w", videoID, err)
	}
	defer rows.Close()

	var out []core.TranscriptChunk
	for rows.Next() {
		var c core.TranscriptChunk
		var emb *pgvector.Vector
		if err := rows.Scan(&c.ID, &c.VideoID, &c.StartSec, &c.Text, &emb); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if emb != nil {
			c.Embedding = emb.Slice()
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PgStore) SaveChunkEmbeddings(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		_, err := s.pool.Exec(ctx, `
			UPDATE transcript_chunks SET embedding = $2 WHERE id = $1`,
			c.ID, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("save embedding for chunk %d: %w", c.ID, err)
		}
	}
	return s.syncIndex(ctx, video, chunks)
}

// syncIndex pushes the vectors to the external index. A failed upsert may
// have landed some of them, and the video will not end up COMPLETED, so the
// whole video is dropped from the index before reporting the failure.
func (s *PgStore) syncIndex(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error {
	if s.index == nil {
		return nil
	}
	if err := s.index.Upsert(ctx, video, chunks); err != nil {
		if derr := s.index.DeleteVideo(ctx, video.ID); derr != nil {
			log.Printf("drop vectors for video %d after failed upsert: %v", video.ID, derr)
		}
		return fmt.Errorf("index vectors for video %d: %w", video.ID, err)
	}
	return nil
}

func (s *PgStore) SearchChunks(ctx context.Context, userID string, vector []float32, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = s.cfg.Pipeline.RetrievalTopK
	}
	if s.index != nil {
		return s.index.Search(ctx, userID, vector, topK)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.video_id, v.external_id, c.start_sec, c.text,
		       1 - (c.embedding <=> $1) AS similarity
		FROM transcript_chunks c
		JOIN videos v ON v.id = c.video_id
		WHERE v.user_id = $2 AND v.status = $3 AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(vector), userID, core.StatusCompleted, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []core.Hit
	for rows.Next() {
		var h core.Hit
		if err := rows.Scan(&h.ChunkID, &h.VideoID, &h.ExternalID, &h.StartSec, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgStore) QuotaByUser(ctx context.Context, userID string) (*core.Quota, error) {
	var q core.Quota
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, messages_left, video_hours_left, reset_at
		FROM quotas WHERE user_id = $1`, userID,
	).Scan(&q.UserID, &q.MessagesLeft, &q.VideoHoursLeft, &q.ResetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quota of %s: %w", userID, err)
	}
	return &q, nil
}

func (s *PgStore) SaveQuota(ctx context.Context, q *core.Quota) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quotas (user_id, messages_left, video_hours_left, reset_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			messages_left = EXCLUDED.messages_left,
			video_hours_left = EXCLUDED.video_hours_left,
			reset_at = EXCLUDED.reset_at`,
		q.UserID, q.MessagesLeft, q.VideoHoursLeft, q.ResetAt)
	if err != nil {
		return fmt.Errorf("save quota of %s: %w", q.UserID, err)
	}
	return nil
}

// ReserveVideoHours decrements inside a single conditional UPDATE, so two
// concurrent submissions for the same user cannot both spend the last hour.
func (s *PgStore) ReserveVideoHours(ctx context.Context, userID string, hours int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quotas SET video_hours_left = video_hours_left - $2
		WHERE user_id = $1 AND video_hours_left >= $2`,
		userID, hours)
	if err != nil {
		return false, fmt.Errorf("reserve %d hours for %s: %w", hours, userID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) RefundVideoHours(ctx context.Context, userID string, hours int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE quotas SET video_hours_left = video_hours_left + $2 WHERE user_id = $1`,
		userID, hours)
	if err != nil {
		return fmt.Errorf("refund %d hours for %s: %w", hours, userID, err)
	}
	return nil
}

func (s *PgStore) ChatByID(ctx context.Context, chatID string) (*core.Chat, error) {
	var c core.Chat
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, created_at FROM chats WHERE id = $1`, chatID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}
	return &c, nil
}

func (s *PgStore) CreateChat(ctx context.Context, c *core.Chat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (id, user_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.UserID, c.Title, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create chat %s: %w", c.ID, err)
	}
	return nil
}

func (s *PgStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]core.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, created_at FROM (
			SELECT id, chat_id, role, content, created_at
			FROM chat_messages WHERE chat_id = $1
			ORDER BY created_at DESC LIMIT $2
		) latest ORDER BY created_at ASC`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("messages of chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var out []core.ChatMessage
	for rows.Next() {
		var m core.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgStore) AppendMessage(ctx context.Context, m *core.ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, chat_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ChatID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message to chat %s: %w", m.ChatID, err)
	}
	return nil
}
