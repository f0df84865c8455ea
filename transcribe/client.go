// Package transcribe turns one video into ordered, minimum-duration
// transcript chunks by windowing its timeline and calling the transcription
// service per window under bounded concurrency.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"videoask/config"
)

// RawSegment is one timestamped line as the transcription service returns
// it. Timestamp is an opaque string ("MM:SS" or "MM:SS - MM:SS" when well
// formed) parsed later.
type RawSegment struct {
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// Service is the external transcription collaborator: transcribe the
// [startSec, endSec) range of one external video.
type Service interface {
	Transcribe(ctx context.Context, externalID string, startSec, endSec int) ([]RawSegment, error)
}

// HTTPService calls the transcription endpoint with a client-side rate
// limiter so concurrent windows stay inside the provider's request budget.
type HTTPService struct {
	client  *http.Client
	url     string
	apiKey  string
	limiter *rate.Limiter
}

func NewHTTPService(cfg *config.Config) *HTTPService {
	rps := cfg.Pipeline.TranscribeRatePerSec
	return &HTTPService{
		client:  &http.Client{Timeout: 5 * time.Minute},
		url:     cfg.TranscribeURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

type transcribeRequest struct {
	VideoID  string `json:"video_id"`
	StartSec int    `json:"start_sec"`
	EndSec   int    `json:"end_sec"`
}

type transcribeResponse struct {
	Segments []RawSegment `json:"segments"`
}

func (s *HTTPService) Transcribe(ctx context.Context, externalID string, startSec, endSec int) ([]RawSegment, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(transcribeRequest{VideoID: externalID, StartSec: startSec, EndSec: endSec})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription service returned %d", resp.StatusCode)
	}
	var parsed transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}
	return parsed.Segments, nil
}
