package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
)

// Fetcher downloads state files and diffs from a source.
type Fetcher struct {
	source     *Source
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

// NewFetcher creates a fetcher retrying server errors three times.
func NewFetcher(source *Source) *Fetcher {
	return &Fetcher{
		source:     source,
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		retryDelay: 5 * time.Second,
		log:        logger.Named("replication"),
	}
}

// Source returns the replication source
func (f *Fetcher) Source() *Source {
	return f.source
}

// CurrentState fetches the newest state published by the source.
func (f *Fetcher) CurrentState(ctx context.Context) (*State, error) {
	body, err := f.get(ctx, f.source.StateURL())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state: %w", err)
	}
	state, err := ParseState(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return state, nil
}

// SequenceState fetches the state of seq. A sequence the source has not
// published yet is an osmerr.ErrNotFound.
func (f *Fetcher) SequenceState(ctx context.Context, seq int64) (*State, error) {
	body, err := f.get(ctx, f.source.SequenceStateURL(seq))
	if err != nil {
		return nil, err
	}
	return ParseState(bytes.NewReader(body))
}

// Diff downloads and decompresses the osmChange document of seq.
func (f *Fetcher) Diff(ctx context.Context, seq int64) ([]byte, error) {
	body, err := f.get(ctx, f.source.SequenceDataURL(seq))
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", seq, err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", seq, err)
	}
	f.log.Debug("Downloaded diff", zap.Int64("sequence", seq), zap.Int("bytes", len(data)))
	return data, nil
}

// get performs a GET, retrying transport failures and 5xx answers.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", osmerr.ErrCancelled, ctx.Err())
			case <-time.After(f.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "osmstore-go/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", osmerr.ErrNotFound, url)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, url)
		case err != nil:
			lastErr = err
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
