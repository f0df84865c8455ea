package storage

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoask/config"
	"videoask/core"
)

// MilvusIndex is the alternate vector search backend. Vectors are inserted
// only after a video completes and removed when it is re-transcribed, so
// collection membership already encodes the COMPLETED-status scope; the
// search filter then only needs the owner.
type MilvusIndex struct {
	mc   client.Client
	coll string
	dim  int
}

func NewMilvusIndex(ctx context.Context, cfg *config.Config) (*MilvusIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: cfg.MilvusAddr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	idx := &MilvusIndex{mc: mc, coll: "transcript_chunks", dim: cfg.Pipeline.EmbeddingDimension}
	if err := idx.ensureSchemaAndIndex(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *MilvusIndex) Close() {
	if err := s.mc.Close(); err != nil {
		log.Printf("milvus close error: %v", err)
	}
}

func (s *MilvusIndex) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("chunk_id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("external_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("user_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("start_sec").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusIndex) Upsert(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error {
	chunkIDs := make([]int64, 0, len(chunks))
	videoIDs := make([]int64, 0, len(chunks))
	externalIDs := make([]string, 0, len(chunks))
	userIDs := make([]string, 0, len(chunks))
	starts := make([]int64, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		chunkIDs = append(chunkIDs, c.ID)
		videoIDs = append(videoIDs, video.ID)
		externalIDs = append(externalIDs, video.ExternalID)
		userIDs = append(userIDs, video.UserID)
		starts = append(starts, int64(c.StartSec))
		texts = append(texts, c.Text)
		vectors = append(vectors, c.Embedding)
	}
	if len(vectors) == 0 {
		return nil
	}
	_, err := s.mc.Upsert(ctx, s.coll, "",
		entity.NewColumnInt64("chunk_id", chunkIDs),
		entity.NewColumnInt64("video_id", videoIDs),
		entity.NewColumnVarChar("external_id", externalIDs),
		entity.NewColumnVarChar("user_id", userIDs),
		entity.NewColumnInt64("start_sec", starts),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert: %w", err)
	}
	return nil
}

func (s *MilvusIndex) DeleteVideo(ctx context.Context, videoID int64) error {
	expr := fmt.Sprintf("video_id == %d", videoID)
	if err := s.mc.Delete(ctx, s.coll, "", expr); err != nil {
		return fmt.Errorf("milvus delete video %d: %w", videoID, err)
	}
	return nil
}

func (s *MilvusIndex) Search(ctx context.Context, userID string, vector []float32, topK int) ([]core.Hit, error) {
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	filter := fmt.Sprintf("user_id == \"%s\"", strings.ReplaceAll(userID, "\"", "\\\""))
	res, err := s.mc.Search(ctx, s.coll, []string{}, filter,
		[]string{"chunk_id", "video_id", "external_id", "start_sec", "text"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}
	var hits []core.Hit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var h core.Hit
			if c, ok := cols["chunk_id"].(*entity.ColumnInt64); ok && i < len(c.Data()) {
				h.ChunkID = c.Data()[i]
			}
			if c, ok := cols["video_id"].(*entity.ColumnInt64); ok && i < len(c.Data()) {
				h.VideoID = c.Data()[i]
			}
			if c, ok := cols["external_id"].(*entity.ColumnVarChar); ok && i < len(c.Data()) {
				h.ExternalID = c.Data()[i]
			}
			if c, ok := cols["start_sec"].(*entity.ColumnInt64); ok && i < len(c.Data()) {
				h.StartSec = int(c.Data()[i])
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok && i < len(c.Data()) {
				h.Text = c.Data()[i]
			}
			// Milvus reports cosine similarity directly for COSINE metric.
			h.Score = float64(r.Scores[i])
			hits = append(hits, h)
		}
	}
	return hits, nil
}
