package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"trackforge/internal/domain"
	"trackforge/internal/infra"
)

// BlobStore is the storage contract the pipeline depends on. Which physical
// backend sits behind it is irrelevant here.
type BlobStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Options configures the pipeline.
type Options struct {
	// PublicBaseURL prefixes stored keys to form the durable URL handed back
	// to callers.
	PublicBaseURL string
	MaxBytes      int64
	HTTPClient    *http.Client
	Logger        *infra.Logger
	FetchAttempts uint
}

// Pipeline converts a transient remote URL into a durably stored object. It
// fetches the full payload before writing anything, so a previously ingested
// key is never overwritten with a truncated body.
type Pipeline struct {
	store         BlobStore
	httpClient    *http.Client
	publicBaseURL string
	maxBytes      int64
	attempts      uint
	logger        *infra.Logger
}

type fetchError struct {
	err       error
	retryable bool
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// New constructs a Pipeline backed by the given store.
func New(store BlobStore, opts Options) *Pipeline {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}
	attempts := opts.FetchAttempts
	if attempts == 0 {
		attempts = 3
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Pipeline{
		store:         store,
		httpClient:    httpClient,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		maxBytes:      maxBytes,
		attempts:      attempts,
		logger:        logger,
	}
}

// Ingest downloads sourceURL and persists it under destKey, returning the
// durable URL. Transient fetch failures are retried in place and, if they
// persist, surface as a retryable IngestError so the completion paths can try
// again on their own cadence.
func (p *Pipeline) Ingest(ctx context.Context, sourceURL, destKey string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", &domain.IngestError{Err: fmt.Errorf("invalid source url %q", sourceURL)}
	}

	var data []byte
	err = retry.Do(
		func() error {
			body, ferr := p.fetch(ctx, parsed.String())
			if ferr != nil {
				return ferr
			}
			data = body
			return nil
		},
		retry.Attempts(p.attempts),
		retry.Context(ctx),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var fe *fetchError
			return errors.As(err, &fe) && fe.retryable
		}),
	)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactTooLarge) {
			return "", &domain.IngestError{Err: err}
		}
		var fe *fetchError
		if errors.As(err, &fe) {
			return "", &domain.IngestError{Err: fe.err, Retryable: fe.retryable}
		}
		return "", &domain.IngestError{Err: err, Retryable: true}
	}

	key, err := p.store.Write(ctx, destKey, data)
	if err != nil {
		return "", &domain.IngestError{Err: fmt.Errorf("store artifact: %w", err), Retryable: true}
	}
	p.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("ingest: stored artifact")
	if p.publicBaseURL == "" {
		return key, nil
	}
	return p.publicBaseURL + "/" + key, nil
}

func (p *Pipeline) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("build request: %w", err)}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("fetch artifact: %w", err), retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &fetchError{err: fmt.Errorf("fetch status %d", resp.StatusCode), retryable: retryable}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("read artifact: %w", err), retryable: true}
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", domain.ErrArtifactTooLarge, p.maxBytes)
	}
	return data, nil
}
