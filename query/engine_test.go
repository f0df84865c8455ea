package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"videoask/config"
	"videoask/core"
	"videoask/embed"
	"videoask/quota"
	"videoask/storage"
)

// fakeEmbedClient returns a fixed vector for any text, or fails.
type fakeEmbedClient struct {
	vec  []float32
	fail bool
}

func (f *fakeEmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embedding down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

type fakeCompleter struct {
	lastMessages []PromptMessage
	answer       string
	err          error
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []PromptMessage) (string, error) {
	f.lastMessages = messages
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type queryFixture struct {
	store     *storage.MemoryStore
	engine    *Engine
	completer *fakeCompleter
	embedCli  *fakeEmbedClient
	ledger    *quota.Ledger
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()
	cfg := &config.Config{Quota: config.QuotaConfig{DefaultMessages: 100, DefaultVideoHours: 10}}
	cfg.Pipeline.RetrievalTopK = 2
	cfg.Pipeline.ContextMessages = 5
	cfg.Pipeline.EmbedGroupSize = 100
	cfg.Pipeline.EmbedConcurrency = 5

	store := storage.NewMemoryStore(cfg)
	embedCli := &fakeEmbedClient{vec: []float32{1, 0, 0}}
	gen := embed.NewGenerator(embedCli, cfg)
	gen.SetRetry(core.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	completer := &fakeCompleter{answer: "the answer"}
	ledger := quota.NewLedger(store, cfg.Quota)
	return &queryFixture{
		store:     store,
		engine:    NewEngine(store, gen, completer, ledger, cfg),
		completer: completer,
		embedCli:  embedCli,
		ledger:    ledger,
	}
}

// seed creates a chat for u1 and one completed video with three embedded
// chunks at staggered similarity to the fixed query vector.
func (f *queryFixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateChat(ctx, &core.Chat{ID: "chat1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	v := &core.Video{ExternalID: "vid1", UserID: "u1", DurationMinutes: 10, Status: core.StatusCompleted}
	if err := f.store.CreateVideo(ctx, v); err != nil {
		t.Fatal(err)
	}
	chunks, err := f.store.ReplaceChunks(ctx, v.ID, []core.TranscriptChunk{
		{StartSec: 0, Text: "close match"},
		{StartSec: 30, Text: "closest match"},
		{StartSec: 60, Text: "far match"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Cosine similarities to [1 0 0]: 0.9, 0.95, 0.7.
	chunks[0].Embedding = []float32{0.9, 0.436, 0}
	chunks[1].Embedding = []float32{0.95, 0.312, 0}
	chunks[2].Embedding = []float32{0.7, 0.714, 0}
	if err := f.store.SaveChunkEmbeddings(ctx, v, chunks); err != nil {
		t.Fatal(err)
	}
}

func TestQueryRetrievalOrdering(t *testing.T) {
	f := newQueryFixture(t)
	f.seed(t)

	res, err := f.engine.Query(context.Background(), "u1", "chat1", "what is it about?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.Answer != "the answer" {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("got %d sources, want top 2", len(res.Sources))
	}
	if res.Sources[0].Text != "closest match" || res.Sources[1].Text != "close match" {
		t.Errorf("sources out of order: %q then %q", res.Sources[0].Text, res.Sources[1].Text)
	}
	if res.Sources[0].Score < res.Sources[1].Score {
		t.Error("scores not descending")
	}
}

func TestQueryPersistsMessagePair(t *testing.T) {
	f := newQueryFixture(t)
	f.seed(t)
	ctx := context.Background()

	res, err := f.engine.Query(ctx, "u1", "chat1", "first question")
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.store.RecentMessages(ctx, "chat1", 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != core.RoleUser || msgs[0].Content != "first question" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != core.RoleAssistant || msgs[1].ID != res.AssistantMessage.ID {
		t.Errorf("second message = %+v", msgs[1])
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Error("assistant message not ordered after user message")
	}

	q, _ := f.ledger.Get(ctx, "u1")
	if q.MessagesLeft != 99 {
		t.Errorf("MessagesLeft = %d, want 99", q.MessagesLeft)
	}
}

func TestQueryPriorMessagesInPrompt(t *testing.T) {
	f := newQueryFixture(t)
	f.seed(t)
	ctx := context.Background()

	if _, err := f.engine.Query(ctx, "u1", "chat1", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Query(ctx, "u1", "chat1", "second"); err != nil {
		t.Fatal(err)
	}

	// System turn, two prior turns, then the new contextualized question.
	got := f.completer.lastMessages
	if len(got) != 4 {
		t.Fatalf("prompt has %d messages: %+v", len(got), got)
	}
	if got[1].Content != "first" || got[2].Content != "the answer" {
		t.Errorf("prior turns = %q, %q", got[1].Content, got[2].Content)
	}
	if !strings.Contains(got[3].Content, "Question: second") {
		t.Errorf("final turn missing question: %q", got[3].Content)
	}
	if !strings.Contains(got[3].Content, "watch?v=vid1&t=30s") {
		t.Errorf("context missing deep link: %q", got[3].Content)
	}
}

func TestQueryOwnershipFailsFast(t *testing.T) {
	f := newQueryFixture(t)
	f.seed(t)
	ctx := context.Background()

	if _, err := f.engine.Query(ctx, "intruder", "chat1", "hi"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("foreign chat returned %v, want ErrNotFound", err)
	}
	if _, err := f.engine.Query(ctx, "u1", "ghost", "hi"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unknown chat returned %v, want ErrNotFound", err)
	}
	if f.completer.lastMessages != nil {
		t.Error("generation called despite ownership failure")
	}
}

func TestQueryEmbeddingFailureYieldsZeroSources(t *testing.T) {
	f := newQueryFixture(t)
	f.seed(t)
	f.embedCli.fail = true

	res, err := f.engine.Query(context.Background(), "u1", "chat1", "anything")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.Sources) != 0 {
		t.Errorf("got %d sources, want 0 on embedding failure", len(res.Sources))
	}
	if res.Answer != "the answer" {
		t.Errorf("answer = %q, generation should still run", res.Answer)
	}
}

func TestQueryScopedToOwnerAndCompleted(t *testing.T) {
	f := newQueryFixture(t)
	f.seed(t)
	ctx := context.Background()

	// Another user's video and an incomplete one must never surface.
	other := &core.Video{ExternalID: "other", UserID: "u2", Status: core.StatusCompleted}
	if err := f.store.CreateVideo(ctx, other); err != nil {
		t.Fatal(err)
	}
	chunks, _ := f.store.ReplaceChunks(ctx, other.ID, []core.TranscriptChunk{{StartSec: 0, Text: "foreign"}})
	chunks[0].Embedding = []float32{1, 0, 0}
	if err := f.store.SaveChunkEmbeddings(ctx, other, chunks); err != nil {
		t.Fatal(err)
	}

	pending := &core.Video{ExternalID: "pend", UserID: "u1", Status: core.StatusEmbeddingError}
	if err := f.store.CreateVideo(ctx, pending); err != nil {
		t.Fatal(err)
	}
	pchunks, _ := f.store.ReplaceChunks(ctx, pending.ID, []core.TranscriptChunk{{StartSec: 0, Text: "broken"}})
	pchunks[0].Embedding = []float32{1, 0, 0}
	if err := f.store.SaveChunkEmbeddings(ctx, pending, pchunks); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Query(ctx, "u1", "chat1", "q")
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range res.Sources {
		if h.Text == "foreign" || h.Text == "broken" {
			t.Errorf("out-of-scope chunk retrieved: %q", h.Text)
		}
	}
}
