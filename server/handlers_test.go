package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"videoask/config"
	"videoask/core"
	"videoask/embed"
	"videoask/media"
	"videoask/pipeline"
	"videoask/query"
	"videoask/quota"
	"videoask/storage"
	"videoask/transcribe"
)

type stubResolver struct{ meta map[string]media.Metadata }

func (s *stubResolver) Resolve(ctx context.Context, ids []string) (map[string]media.Metadata, error) {
	out := map[string]media.Metadata{}
	for _, id := range ids {
		if m, ok := s.meta[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(ctx context.Context, externalID string, durationMinutes int) (*transcribe.Result, error) {
	return &transcribe.Result{
		Chunks:     []core.TranscriptChunk{{StartSec: 0, Text: "hello from " + externalID}},
		Transcript: "hello from " + externalID,
	}, nil
}

type stubEmbedClient struct{}

func (stubEmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type stubCompleter struct{}

func (stubCompleter) Complete(ctx context.Context, messages []query.PromptMessage) (string, error) {
	return "generated answer", nil
}

func testServer(t *testing.T) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	cfg := &config.Config{Quota: config.QuotaConfig{DefaultMessages: 100, DefaultVideoHours: 10}}
	cfg.Pipeline.VideoBatchSize = 5
	cfg.Pipeline.EmbedGroupSize = 100
	cfg.Pipeline.EmbedConcurrency = 5
	cfg.Pipeline.RetrievalTopK = 5
	cfg.Pipeline.ContextMessages = 5

	store := storage.NewMemoryStore(cfg)
	ledger := quota.NewLedger(store, cfg.Quota)
	gen := embed.NewGenerator(stubEmbedClient{}, cfg)
	gen.SetRetry(core.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})
	resolver := &stubResolver{meta: map[string]media.Metadata{
		"vid1": {Title: "first", DurationMinutes: 12},
	}}
	orch := pipeline.NewOrchestrator(store, ledger, resolver, stubTranscriber{}, gen, cfg)
	engine := query.NewEngine(store, gen, stubCompleter{}, ledger, cfg)

	mux := http.NewServeMux()
	NewHandlers(orch, engine, ledger).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestSubmitEndpoint(t *testing.T) {
	srv, store := testServer(t)

	resp, body := postJSON(t, srv.URL+"/videos/submit", `{"user_id":"u1","video_ids":["vid1"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["transcribed"] != float64(1) {
		t.Errorf("transcribed = %v, want 1", body["transcribed"])
	}
	v, err := store.VideoByExternalID(context.Background(), "vid1")
	if err != nil || v.Status != core.StatusCompleted {
		t.Errorf("video = %+v, %v", v, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := testServer(t)
	resp, _ := postJSON(t, srv.URL+"/videos/submit", `{"user_id":"u1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/videos/submit", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRetryEndpointNotFound(t *testing.T) {
	srv, _ := testServer(t)
	resp, _ := postJSON(t, srv.URL+"/videos/retry", `{"user_id":"u1","video_id":"ghost"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestQueryEndpoint(t *testing.T) {
	srv, store := testServer(t)
	ctx := context.Background()
	if err := store.CreateChat(ctx, &core.Chat{ID: "chat1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	resp, body := postJSON(t, srv.URL+"/query", `{"user_id":"u1","chat_id":"chat1","text":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["answer"] != "generated answer" {
		t.Errorf("answer = %v", body["answer"])
	}

	resp, _ = postJSON(t, srv.URL+"/query", `{"user_id":"u2","chat_id":"chat1","text":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign chat status = %d, want 404", resp.StatusCode)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/quota?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var q core.Quota
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		t.Fatal(err)
	}
	if q.VideoHoursLeft != 10 || q.MessagesLeft != 100 {
		t.Errorf("quota = %+v", q)
	}
}
