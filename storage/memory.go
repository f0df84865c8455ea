package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"videoask/config"
	"videoask/core"
)

// MemoryStore keeps everything in maps behind one mutex. It is the fallback
// when Postgres is unreachable and the double used throughout the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	cfg      *config.Config
	videos   map[int64]*core.Video
	byExtID  map[string]int64
	chunks   map[int64][]core.TranscriptChunk // videoID -> chunks
	quotas   map[string]*core.Quota
	chats    map[string]*core.Chat
	messages map[string][]core.ChatMessage // chatID -> ordered messages

	nextVideoID int64
	nextChunkID int64
}

func NewMemoryStore(cfg *config.Config) *MemoryStore {
	return &MemoryStore{
		cfg:      cfg,
		videos:   map[int64]*core.Video{},
		byExtID:  map[string]int64{},
		chunks:   map[int64][]core.TranscriptChunk{},
		quotas:   map[string]*core.Quota{},
		chats:    map[string]*core.Chat{},
		messages: map[string][]core.ChatMessage{},
	}
}

func (s *MemoryStore) VideoByExternalID(ctx context.Context, externalID string) (*core.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExtID[externalID]
	if !ok {
		return nil, core.ErrNotFound
	}
	v := *s.videos[id]
	return &v, nil
}

func (s *MemoryStore) CreateVideo(ctx context.Context, v *core.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVideoID++
	v.ID = s.nextVideoID
	cp := *v
	s.videos[v.ID] = &cp
	s.byExtID[v.ExternalID] = v.ID
	return nil
}

func (s *MemoryStore) UpdateVideo(ctx context.Context, v *core.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[v.ID]; !ok {
		return core.ErrNotFound
	}
	cp := *v
	s.videos[v.ID] = &cp
	return nil
}

func (s *MemoryStore) ReplaceChunks(ctx context.Context, videoID int64, chunks []core.TranscriptChunk) ([]core.TranscriptChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.TranscriptChunk, len(chunks))
	for i, c := range chunks {
		s.nextChunkID++
		c.ID = s.nextChunkID
		c.VideoID = videoID
		out[i] = c
	}
	s.chunks[videoID] = out
	return append([]core.TranscriptChunk(nil), out...), nil
}

func (s *MemoryStore) ChunksByVideo(ctx context.Context, videoID int64) ([]core.TranscriptChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.TranscriptChunk(nil), s.chunks[videoID]...), nil
}

func (s *MemoryStore) SaveChunkEmbeddings(ctx context.Context, video *core.Video, chunks []core.TranscriptChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.chunks[video.ID]
	byID := map[int64]int{}
	for i, c := range stored {
		byID[c.ID] = i
	}
	for _, c := range chunks {
		if i, ok := byID[c.ID]; ok {
			stored[i].Embedding = append([]float32(nil), c.Embedding...)
		}
	}
	return nil
}

func (s *MemoryStore) SearchChunks(ctx context.Context, userID string, vector []float32, topK int) ([]core.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []core.Hit
	for videoID, chunks := range s.chunks {
		v := s.videos[videoID]
		if v == nil || v.UserID != userID || v.Status != core.StatusCompleted {
			continue
		}
		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				continue
			}
			hits = append(hits, core.Hit{
				ChunkID:    c.ID,
				VideoID:    videoID,
				ExternalID: v.ExternalID,
				StartSec:   c.StartSec,
				Text:       c.Text,
				Score:      cosineSimilarity(vector, c.Embedding),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) QuotaByUser(ctx context.Context, userID string) (*core.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) SaveQuota(ctx context.Context, q *core.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotas[q.UserID] = &cp
	return nil
}

func (s *MemoryStore) ReserveVideoHours(ctx context.Context, userID string, hours int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return false, nil
	}
	if q.VideoHoursLeft < hours {
		return false, nil
	}
	q.VideoHoursLeft -= hours
	return true, nil
}

func (s *MemoryStore) RefundVideoHours(ctx context.Context, userID string, hours int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil
	}
	q.VideoHoursLeft += hours
	return nil
}

func (s *MemoryStore) ChatByID(ctx context.Context, chatID string) (*core.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CreateChat(ctx context.Context, c *core.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.chats[c.ID] = &cp
	return nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]core.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]core.ChatMessage(nil), msgs...), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *core.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ChatID] = append(s.messages[m.ChatID], *m)
	return nil
}

func (s *MemoryStore) Close() {}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
