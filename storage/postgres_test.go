package storage

import (
	"context"
	"errors"
	"testing"

	"videoask/core"
)

type fakeIndex struct {
	upsertErr  error
	deleted    []int64
	upserted   int
	searchHits []core.Hit
}

func (f *fakeIndex) Upsert(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error {
	f.upserted++
	return f.upsertErr
}

func (f *fakeIndex) DeleteVideo(ctx context.Context, videoID int64) error {
	f.deleted = append(f.deleted, videoID)
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, userID string, vector []float32, topK int) ([]core.Hit, error) {
	return f.searchHits, nil
}

func (f *fakeIndex) Close() {}

func TestSyncIndexDropsVideoOnFailedUpsert(t *testing.T) {
	idx := &fakeIndex{upsertErr: errors.New("grpc unavailable")}
	s := &PgStore{index: idx}
	video := &core.Video{ID: 7, ExternalID: "vid7"}
	chunks := []core.TranscriptChunk{{ID: 1, VideoID: 7, Text: "a", Embedding: []float32{1, 0}}}

	err := s.syncIndex(context.Background(), video, chunks)
	if err == nil {
		t.Fatal("expected upsert failure to propagate")
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != 7 {
		t.Errorf("deleted = %v, want the failed video dropped from the index", idx.deleted)
	}
}

func TestSyncIndexSuccessKeepsVectors(t *testing.T) {
	idx := &fakeIndex{}
	s := &PgStore{index: idx}
	video := &core.Video{ID: 7}

	if err := s.syncIndex(context.Background(), video, nil); err != nil {
		t.Fatalf("syncIndex: %v", err)
	}
	if idx.upserted != 1 || len(idx.deleted) != 0 {
		t.Errorf("upserted = %d, deleted = %v", idx.upserted, idx.deleted)
	}
}

func TestSyncIndexNoIndexConfigured(t *testing.T) {
	s := &PgStore{}
	if err := s.syncIndex(context.Background(), &core.Video{ID: 1}, nil); err != nil {
		t.Fatalf("syncIndex without index: %v", err)
	}
}
