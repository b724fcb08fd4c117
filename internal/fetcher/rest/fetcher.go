// Package restfetcher implements capture.Fetcher against the upstream REST
// data endpoint.
package restfetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/normalize"
	"github.com/runharvest/runharvest/internal/upstream"
)

// DataSource downloads run payload bytes in the requested format. It returns
// upstream.ErrUnavailable (wrapped) when the payload is missing.
type DataSource interface {
	RunData(ctx context.Context, runToken, format string) ([]byte, error)
}

// Config controls fetch behavior.
type Config struct {
	// Attempts bounds how many times a missing payload is re-requested.
	// The data endpoint 404s both for purged runs and for runs whose
	// export is still materializing, so one miss is not conclusive.
	Attempts int

	// Backoff seeds the jittered delay between attempts.
	Backoff time.Duration
}

// Fetcher downloads a run's payload, preferring CSV and falling back to JSON
// when CSV is missing or does not decode.
type Fetcher struct {
	source  DataSource
	backoff *upstream.Backoff
	cfg     Config
	logger  *zap.Logger
}

// New builds a Fetcher.
func New(source DataSource, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		source:  source,
		backoff: upstream.NewBackoff(cfg.Backoff, 0),
		cfg:     cfg,
		logger:  logger.Named("fetcher"),
	}
}

// FetchData implements capture.Fetcher. Unavailable payloads are retried a
// bounded number of times before surfacing upstream.ErrUnavailable; payloads
// that download but do not decode return capture.ErrMalformedPayload with the
// raw bytes retained.
func (f *Fetcher) FetchData(ctx context.Context, runToken string) (capture.Payload, error) {
	for attempt := 0; attempt < f.cfg.Attempts; attempt++ {
		if attempt > 0 {
			if err := f.wait(ctx, attempt); err != nil {
				return capture.Payload{}, err
			}
		}
		payload, err := f.fetchOnce(ctx, runToken)
		if err == nil {
			return payload, nil
		}
		if errors.Is(err, upstream.ErrUnavailable) {
			f.logger.Debug("run payload not available yet",
				zap.String("run_token", runToken),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return payload, err
	}
	return capture.Payload{}, fmt.Errorf("run data missing after %d attempts: %w", f.cfg.Attempts, upstream.ErrUnavailable)
}

func (f *Fetcher) fetchOnce(ctx context.Context, runToken string) (capture.Payload, error) {
	start := time.Now()

	csvRaw, csvErr := f.source.RunData(ctx, runToken, "csv")
	var csvParseErr error
	if csvErr == nil {
		result, err := normalize.CSV(csvRaw)
		if err == nil {
			return capture.Payload{
				Format:  "csv",
				Raw:     csvRaw,
				Result:  result,
				Elapsed: time.Since(start),
			}, nil
		}
		csvParseErr = err
		f.logger.Debug("csv payload did not decode, trying json",
			zap.String("run_token", runToken),
			zap.Error(err),
		)
	} else if !errors.Is(csvErr, upstream.ErrUnavailable) {
		return capture.Payload{}, fmt.Errorf("download csv payload: %w", csvErr)
	}

	jsonRaw, jsonErr := f.source.RunData(ctx, runToken, "json")
	if jsonErr == nil {
		result, err := normalize.JSON(jsonRaw)
		if err == nil {
			return capture.Payload{
				Format:  "json",
				Raw:     jsonRaw,
				Result:  result,
				Elapsed: time.Since(start),
			}, nil
		}
		return capture.Payload{Format: "json", Raw: jsonRaw, Elapsed: time.Since(start)},
			fmt.Errorf("decode json payload: %w", errors.Join(capture.ErrMalformedPayload, err))
	}
	if !errors.Is(jsonErr, upstream.ErrUnavailable) {
		return capture.Payload{}, fmt.Errorf("download json payload: %w", jsonErr)
	}

	// CSV downloaded but undecodable, and there is no JSON rendition to
	// fall back to.
	if csvErr == nil {
		return capture.Payload{Format: "csv", Raw: csvRaw, Elapsed: time.Since(start)},
			fmt.Errorf("decode csv payload: %w", errors.Join(capture.ErrMalformedPayload, csvParseErr))
	}
	return capture.Payload{}, jsonErr
}

func (f *Fetcher) wait(ctx context.Context, attempt int) error {
	delay := f.backoff.Delay(attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
