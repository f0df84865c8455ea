package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"videoask/config"
	"videoask/core"
)

// Engine runs the windowed transcription of a single video. Windows are
// dispatched with bounded concurrency and written back by index, so chunks
// always come out in chronological order no matter which call finishes
// first.
type Engine struct {
	svc         Service
	windowSec   int
	minChunkSec int
	concurrency int
	retry       core.RetryPolicy
}

func NewEngine(svc Service, cfg *config.Config) *Engine {
	return &Engine{
		svc:         svc,
		windowSec:   cfg.Pipeline.WindowSeconds,
		minChunkSec: cfg.Pipeline.MinChunkSeconds,
		concurrency: cfg.Pipeline.TranscribeConcurrency,
		retry:       core.DefaultRetryPolicy(),
	}
}

// Result carries the merged chunks (video id unset, timestamps global to the
// video) and the full transcript text.
type Result struct {
	Chunks     []core.TranscriptChunk
	Transcript string
}

type window struct {
	index    int
	startSec int
	endSec   int
}

func partition(durationSec, windowSec int) []window {
	var out []window
	for start := 0; start < durationSec; start += windowSec {
		end := start + windowSec
		if end > durationSec {
			end = durationSec
		}
		out = append(out, window{index: len(out), startSec: start, endSec: end})
	}
	return out
}

// segment is a raw line with its timestamp resolved to video-global seconds.
// parsed is false when the service produced an opaque timestamp; such lines
// keep their text but cannot open a new chunk.
type segment struct {
	startSec int
	parsed   bool
	text     string
}

// Transcribe partitions [0, duration) into fixed windows, transcribes every
// window, and merges each window's segments into chunks spanning at least
// minChunkSec (except possibly the last of a window). A window whose retries
// exhaust fails the whole video; a partial transcript is never returned.
func (e *Engine) Transcribe(ctx context.Context, externalID string, durationMinutes int) (*Result, error) {
	windows := partition(durationMinutes*60, e.windowSec)
	if len(windows) == 0 {
		return nil, fmt.Errorf("video %s has no duration to transcribe", externalID)
	}

	results := make([][]RawSegment, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, w := range windows {
		w := w
		g.Go(func() error {
			label := fmt.Sprintf("transcribe %s [%d,%d)", externalID, w.startSec, w.endSec)
			segs, err := core.Retry(gctx, e.retry, label, func(ctx context.Context) ([]RawSegment, error) {
				segs, err := e.svc.Transcribe(ctx, externalID, w.startSec, w.endSec)
				if err != nil {
					return nil, err
				}
				if len(segs) == 0 {
					return nil, errors.New("empty transcript")
				}
				return segs, nil
			})
			if err != nil {
				return err
			}
			results[w.index] = segs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var chunks []core.TranscriptChunk
	var transcript []string
	for _, w := range windows {
		segs := make([]segment, 0, len(results[w.index]))
		for _, raw := range results[w.index] {
			sec, ok := ParseTimestamp(raw.Timestamp)
			if ok {
				sec += w.startSec
			}
			segs = append(segs, segment{startSec: sec, parsed: ok, text: raw.Text})
			transcript = append(transcript, raw.Text)
		}
		chunks = append(chunks, mergeSegments(segs, w.startSec, e.minChunkSec)...)
	}

	return &Result{Chunks: chunks, Transcript: strings.Join(transcript, " ")}, nil
}

// mergeSegments folds a window's segments into chunks: the first segment
// opens a chunk, later ones append while their timestamp is within
// minChunkSec of the chunk start, and crossing the threshold closes the
// chunk and opens the next. fallbackStart stands in when the opening
// segment's timestamp was opaque.
func mergeSegments(segs []segment, fallbackStart, minChunkSec int) []core.TranscriptChunk {
	var out []core.TranscriptChunk
	open := false
	var cur core.TranscriptChunk
	for _, s := range segs {
		if !open {
			start := fallbackStart
			if s.parsed {
				start = s.startSec
			}
			cur = core.TranscriptChunk{StartSec: start, Text: s.text}
			open = true
			continue
		}
		if s.parsed && s.startSec-cur.StartSec >= minChunkSec {
			out = append(out, cur)
			cur = core.TranscriptChunk{StartSec: s.startSec, Text: s.text}
			continue
		}
		// Within the threshold, or an opaque timestamp that cannot start
		// a chunk of its own: the text survives in the open chunk.
		cur.Text += " " + s.text
	}
	if open {
		out = append(out, cur)
	}
	return out
}
