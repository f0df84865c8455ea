// Package pipeline drives batches of videos through the two-phase
// transcribe-then-embed process under quota control.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"videoask/config"
	"videoask/core"
	"videoask/embed"
	"videoask/media"
	"videoask/quota"
	"videoask/storage"
	"videoask/transcribe"
)

// DurationResolver is the metadata collaborator (media.Resolver in
// production).
type DurationResolver interface {
	Resolve(ctx context.Context, ids []string) (map[string]media.Metadata, error)
}

// Transcriber is the windowed transcription engine for one video.
type Transcriber interface {
	Transcribe(ctx context.Context, externalID string, durationMinutes int) (*transcribe.Result, error)
}

// Orchestrator owns the batch submission contract: resolve durations,
// create-or-reuse video records, transcribe pending videos in quota-checked
// batches, then embed what completed. Quota exhaustion stops dispatch of
// further videos; every other failure stays isolated to its video.
type Orchestrator struct {
	store     storage.Store
	ledger    *quota.Ledger
	resolver  DurationResolver
	engine    Transcriber
	embedder  *embed.Generator
	batchSize int
}

func NewOrchestrator(store storage.Store, ledger *quota.Ledger, resolver DurationResolver,
	engine Transcriber, embedder *embed.Generator, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		ledger:    ledger,
		resolver:  resolver,
		engine:    engine,
		embedder:  embedder,
		batchSize: cfg.Pipeline.VideoBatchSize,
	}
}

// Submit runs the full pipeline (both phases) for the given external ids.
func (o *Orchestrator) Submit(ctx context.Context, userID string, externalIDs []string) (*core.PipelineSummary, error) {
	return o.run(ctx, userID, externalIDs, true)
}

// SubmitTranscribeOnly runs Phase 1 only. Videos still advance to COMPLETED
// so a later embedding-only run can pick them up.
func (o *Orchestrator) SubmitTranscribeOnly(ctx context.Context, userID string, externalIDs []string) (*core.PipelineSummary, error) {
	return o.run(ctx, userID, externalIDs, false)
}

func (o *Orchestrator) run(ctx context.Context, userID string, externalIDs []string, withEmbedding bool) (*core.PipelineSummary, error) {
	videos, pending, err := o.prepare(ctx, userID, externalIDs)
	if err != nil {
		return nil, err
	}

	summary := &core.PipelineSummary{Videos: videos}
	if len(pending) == 0 {
		return summary, nil
	}
	q, err := o.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if q.VideoHoursLeft <= 0 {
		summary.QuotaExceeded = true
		return summary, nil
	}

	completed := o.transcribePhase(ctx, userID, pending, summary)
	if withEmbedding {
		o.embedPhase(ctx, completed, summary)
	} else {
		summary.Transcribed = len(completed)
	}
	return summary, nil
}

// prepare resolves durations, creates missing video records, and returns all
// touched videos plus the ones still pending transcription. Re-submission of
// a known external id reuses its record.
func (o *Orchestrator) prepare(ctx context.Context, userID string, externalIDs []string) (all []*core.Video, pending []*core.Video, err error) {
	var unknown []string
	byID := make(map[string]*core.Video, len(externalIDs))
	for _, id := range externalIDs {
		if _, dup := byID[id]; dup {
			continue
		}
		v, err := o.store.VideoByExternalID(ctx, id)
		switch {
		case err == nil:
			byID[id] = v
		case errors.Is(err, core.ErrNotFound):
			byID[id] = nil
			unknown = append(unknown, id)
		default:
			return nil, nil, err
		}
	}

	if len(unknown) > 0 {
		meta, err := o.resolver.Resolve(ctx, unknown)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve durations: %w", err)
		}
		for _, id := range unknown {
			m, ok := meta[id]
			if !ok {
				// The metadata service does not know this id; without a
				// duration there is nothing to meter or transcribe.
				log.Printf("skipping unknown video %s", id)
				delete(byID, id)
				continue
			}
			v := &core.Video{
				ExternalID:      id,
				Title:           m.Title,
				UserID:          userID,
				DurationMinutes: m.DurationMinutes,
				Status:          core.StatusPending,
			}
			if err := o.store.CreateVideo(ctx, v); err != nil {
				return nil, nil, err
			}
			byID[id] = v
		}
	}

	for _, id := range externalIDs {
		v, ok := byID[id]
		if !ok || v == nil {
			continue
		}
		all = append(all, v)
		if v.Status == core.StatusPending {
			pending = append(pending, v)
		}
		delete(byID, id) // keep duplicates out of the summary
	}
	return all, pending, nil
}

// transcribePhase processes pending videos in fixed-size batches, parallel
// within a batch. A failed hour reservation aborts dispatch of everything
// that has not started; in-flight videos are left to finish so chunks are
// never half-written.
func (o *Orchestrator) transcribePhase(ctx context.Context, userID string, pending []*core.Video, summary *core.PipelineSummary) []*core.Video {
	var mu sync.Mutex
	var completed []*core.Video
	var quotaExceeded atomic.Bool

	for start := 0; start < len(pending); start += o.batchSize {
		if quotaExceeded.Load() {
			break
		}
		end := start + o.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		var g errgroup.Group
		for _, v := range pending[start:end] {
			v := v
			g.Go(func() error {
				if quotaExceeded.Load() {
					return nil
				}
				hours := quota.HoursNeeded(v.DurationMinutes)
				ok, err := o.ledger.Reserve(ctx, userID, hours)
				if err != nil {
					mu.Lock()
					summary.Attempted++
					mu.Unlock()
					o.markTranscribeError(ctx, v, err)
					return nil
				}
				if !ok {
					quotaExceeded.Store(true)
					return nil
				}
				mu.Lock()
				summary.Attempted++
				mu.Unlock()

				res, err := o.engine.Transcribe(ctx, v.ExternalID, v.DurationMinutes)
				if err != nil {
					o.markTranscribeError(ctx, v, err)
					if rerr := o.ledger.Refund(ctx, userID, hours); rerr != nil {
						log.Printf("refund %d hours for %s: %v", hours, userID, rerr)
					}
					return nil
				}

				_, err = o.store.ReplaceChunks(ctx, v.ID, res.Chunks)
				if err != nil {
					o.markTranscribeError(ctx, v, err)
					if rerr := o.ledger.Refund(ctx, userID, hours); rerr != nil {
						log.Printf("refund %d hours for %s: %v", hours, userID, rerr)
					}
					return nil
				}
				v.Content = res.Transcript
				v.Error = ""
				if err := o.setStatus(ctx, v, core.StatusCompleted); err != nil {
					log.Printf("update video %s: %v", v.ExternalID, err)
					return nil
				}
				mu.Lock()
				completed = append(completed, v)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	if quotaExceeded.Load() {
		summary.QuotaExceeded = true
	}
	return completed
}

// setStatus persists a status change after checking it against the allowed
// transition table.
func (o *Orchestrator) setStatus(ctx context.Context, v *core.Video, next core.VideoStatus) error {
	if !v.Status.CanTransition(next) {
		return fmt.Errorf("illegal status change %s -> %s for %s", v.Status, next, v.ExternalID)
	}
	v.Status = next
	return o.store.UpdateVideo(ctx, v)
}

func (o *Orchestrator) markTranscribeError(ctx context.Context, v *core.Video, cause error) {
	log.Printf("transcription of %s failed: %v", v.ExternalID, cause)
	v.Error = cause.Error()
	if err := o.setStatus(ctx, v, core.StatusTranscribeError); err != nil {
		log.Printf("record transcribe error for %s: %v", v.ExternalID, err)
	}
}

// embedPhase generates and stores embeddings for every video that finished
// Phase 1, same batch discipline. Embedding is not hour-metered; a failure
// sets EMBEDDING_ERROR on its video only.
func (o *Orchestrator) embedPhase(ctx context.Context, videos []*core.Video, summary *core.PipelineSummary) {
	var mu sync.Mutex
	for start := 0; start < len(videos); start += o.batchSize {
		end := start + o.batchSize
		if end > len(videos) {
			end = len(videos)
		}
		var g errgroup.Group
		for _, v := range videos[start:end] {
			v := v
			g.Go(func() error {
				if err := o.embedVideo(ctx, v); err != nil {
					o.markEmbeddingError(ctx, v, err)
					return nil
				}
				mu.Lock()
				summary.Transcribed++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
}

// embedVideo embeds every chunk of one video and persists the vectors. It is
// re-entrant: re-running it regenerates all vectors and reaches the same
// state.
func (o *Orchestrator) embedVideo(ctx context.Context, v *core.Video) error {
	chunks, err := o.store.ChunksByVideo(ctx, v.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("video %s has no chunks to embed", v.ExternalID)
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs := o.embedder.Generate(ctx, texts)
	for i := range chunks {
		if vecs[i] == nil {
			return fmt.Errorf("embedding missing for chunk at %ds", chunks[i].StartSec)
		}
		chunks[i].Embedding = vecs[i]
	}
	if err := o.store.SaveChunkEmbeddings(ctx, v, chunks); err != nil {
		return err
	}
	if v.Status != core.StatusCompleted {
		v.Error = ""
		return o.setStatus(ctx, v, core.StatusCompleted)
	}
	return nil
}

func (o *Orchestrator) markEmbeddingError(ctx context.Context, v *core.Video, cause error) {
	log.Printf("embedding of %s failed: %v", v.ExternalID, cause)
	v.Error = cause.Error()
	if err := o.setStatus(ctx, v, core.StatusEmbeddingError); err != nil {
		log.Printf("record embedding error for %s: %v", v.ExternalID, err)
	}
}

// RetryVideo replays processing for a single video based on where it stands:
// a transcription failure is fully reset (chunks deleted, content cleared)
// and runs both phases again; an embedding failure, or a completed video
// being re-embedded, runs the embedding phase alone.
func (o *Orchestrator) RetryVideo(ctx context.Context, userID, externalID string) (*core.PipelineSummary, error) {
	v, err := o.store.VideoByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, core.ErrNotFound
	}

	switch v.Status {
	case core.StatusTranscribeError:
		v.Content = ""
		v.Error = ""
		if _, err := o.store.ReplaceChunks(ctx, v.ID, nil); err != nil {
			return nil, err
		}
		if err := o.setStatus(ctx, v, core.StatusPending); err != nil {
			return nil, err
		}
		fallthrough
	case core.StatusPending:
		summary := &core.PipelineSummary{Videos: []*core.Video{v}}
		completed := o.transcribePhase(ctx, userID, []*core.Video{v}, summary)
		o.embedPhase(ctx, completed, summary)
		return summary, nil
	default: // COMPLETED or EMBEDDING_ERROR: embedding phase only
		summary := &core.PipelineSummary{Videos: []*core.Video{v}, Attempted: 1}
		o.embedPhase(ctx, []*core.Video{v}, summary)
		return summary, nil
	}
}
