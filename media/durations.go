// Package media resolves duration and title metadata for external video ids
// from the metadata service.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"videoask/config"
	"videoask/core"
)

// Metadata is the normalized lookup result for one external id.
type Metadata struct {
	Title           string
	DurationMinutes int
}

// Resolver batches id lookups against the metadata service. The service
// accepts at most batchSize ids per call.
type Resolver struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	batchSize int
	retry     core.RetryPolicy
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		client:    &http.Client{Timeout: 30 * time.Second},
		baseURL:   cfg.MetadataURL,
		apiKey:    cfg.MetadataKey,
		batchSize: cfg.Pipeline.MetadataBatchSize,
		retry:     core.DefaultRetryPolicy(),
	}
}

type listResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// Resolve returns metadata keyed by external id. Ids the service does not
// know are simply absent from the result; callers decide whether that is
// fatal.
func (r *Resolver) Resolve(ctx context.Context, ids []string) (map[string]Metadata, error) {
	out := make(map[string]Metadata, len(ids))
	for start := 0; start < len(ids); start += r.batchSize {
		end := start + r.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		resp, err := core.Retry(ctx, r.retry, "metadata lookup", func(ctx context.Context) (*listResponse, error) {
			return r.fetch(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			seconds, err := ParseISODuration(item.ContentDetails.Duration)
			if err != nil {
				return nil, fmt.Errorf("duration of %s: %w", item.ID, err)
			}
			out[item.ID] = Metadata{
				Title:           item.Snippet.Title,
				DurationMinutes: (seconds + 59) / 60,
			}
		}
	}
	return out, nil
}

func (r *Resolver) fetch(ctx context.Context, ids []string) (*listResponse, error) {
	q := url.Values{}
	q.Set("part", "snippet,contentDetails")
	q.Set("id", strings.Join(ids, ","))
	if r.apiKey != "" {
		q.Set("key", r.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata service returned %d", resp.StatusCode)
	}
	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}
	return &parsed, nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration converts an ISO-8601 duration like "PT1H2M30S" to whole
// seconds. Date components beyond days are not used by the metadata service
// and are rejected.
func ParseISODuration(s string) (int, error) {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	total := 0
	for i, mult := range []int{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("malformed duration %q", s)
		}
		total += n * mult
	}
	return total, nil
}
