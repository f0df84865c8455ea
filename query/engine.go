// Package query answers natural-language questions over a user's transcribed
// videos: embed the question, retrieve the nearest chunks, and have the
// generative model synthesize a cited answer.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"videoask/config"
	"videoask/core"
	"videoask/embed"
	"videoask/quota"
	"videoask/storage"
)

// PromptMessage is one turn handed to the generative service.
type PromptMessage struct {
	Role    string
	Content string
}

// Completer is the external generation collaborator.
type Completer interface {
	Complete(ctx context.Context, messages []PromptMessage) (string, error)
}

// OpenAICompleter implements Completer on the chat completions API.
type OpenAICompleter struct {
	cli   *openai.Client
	model string
}

func NewOpenAICompleter(cfg *config.Config) *OpenAICompleter {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	return &OpenAICompleter{cli: openai.NewClientWithConfig(oc), model: cfg.ChatModel}
}

func (c *OpenAICompleter) Complete(ctx context.Context, messages []PromptMessage) (string, error) {
	req := openai.ChatCompletionRequest{Model: c.model, Temperature: 0.3}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generation API: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Result is the full outcome of one question: the synthesized answer, the
// retrieved chunks backing it, and both persisted conversation records.
type Result struct {
	Answer           string           `json:"answer"`
	Sources          []core.Hit       `json:"sources"`
	UserMessage      core.ChatMessage `json:"user_message"`
	AssistantMessage core.ChatMessage `json:"assistant_message"`
}

// Engine wires retrieval and generation over the persistence collaborator.
type Engine struct {
	store     storage.Store
	embedder  *embed.Generator
	completer Completer
	ledger    *quota.Ledger
	topK      int
	history   int
}

func NewEngine(store storage.Store, embedder *embed.Generator, completer Completer,
	ledger *quota.Ledger, cfg *config.Config) *Engine {
	return &Engine{
		store:     store,
		embedder:  embedder,
		completer: completer,
		ledger:    ledger,
		topK:      cfg.Pipeline.RetrievalTopK,
		history:   cfg.Pipeline.ContextMessages,
	}
}

const systemPrompt = `You answer questions about the user's video library. ` +
	`Use only the transcript excerpts supplied in the context. Cite sources inline ` +
	`as [video <id> @ <timestamp>]. If the context does not contain the answer, say so.`

// Query answers one question inside a chat. Ownership is checked before any
// external call: an unknown chat or one owned by someone else fails with
// core.ErrNotFound and costs nothing. A failed query embedding degrades to
// zero sources instead of failing the question.
func (e *Engine) Query(ctx context.Context, userID, chatID, text string) (*Result, error) {
	chat, err := e.store.ChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, core.ErrNotFound
	}
	prior, err := e.store.RecentMessages(ctx, chatID, e.history)
	if err != nil {
		return nil, err
	}

	var hits []core.Hit
	if vec := e.embedder.GenerateOne(ctx, text); vec != nil {
		hits, err = e.store.SearchChunks(ctx, userID, vec, e.topK)
		if err != nil {
			return nil, err
		}
	}

	messages := []PromptMessage{{Role: openai.ChatMessageRoleSystem, Content: systemPrompt}}
	for _, m := range prior {
		messages = append(messages, PromptMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, PromptMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: buildContext(text, hits),
	})

	answer, err := e.completer.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	userMsg := core.ChatMessage{
		ID: uuid.NewString(), ChatID: chatID, Role: core.RoleUser, Content: text, CreatedAt: now,
	}
	// Strictly after the question so ordered reads never swap the pair.
	assistantMsg := core.ChatMessage{
		ID: uuid.NewString(), ChatID: chatID, Role: core.RoleAssistant, Content: answer,
		CreatedAt: now.Add(time.Millisecond),
	}
	if err := e.store.AppendMessage(ctx, &userMsg); err != nil {
		return nil, err
	}
	if err := e.store.AppendMessage(ctx, &assistantMsg); err != nil {
		return nil, err
	}
	if _, err := e.ledger.DeductMessage(ctx, userID); err != nil {
		return nil, err
	}

	return &Result{Answer: answer, Sources: hits, UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// buildContext renders the question plus the ranked excerpts the model is
// allowed to draw from.
func buildContext(question string, hits []core.Hit) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	if len(hits) == 0 {
		b.WriteString("(no matching transcript excerpts)\n")
	}
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [video %s @ %s] (similarity %.2f) %s\n",
			i+1, h.ExternalID, formatTimestamp(h.StartSec), h.Score, h.Text)
		fmt.Fprintf(&b, "   link: %s\n", DeepLink(h))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// DeepLink is the watch URL jumping straight to the chunk's timestamp.
func DeepLink(h core.Hit) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s&t=%ds", h.ExternalID, h.StartSec)
}

func formatTimestamp(sec int) string {
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
