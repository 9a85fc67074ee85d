package client

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/be9/turbogha/metrics"
)

// instrumented wraps any Interface, recording per-operation latency and logging every call at
// debug level.
type instrumented struct {
	inner   Interface
	tracker *metrics.LatencyTracker
	logger  *slog.Logger
}

// Instrumented decorates inner with latency tracking and debug logging.
func Instrumented(inner Interface, tracker *metrics.LatencyTracker, logger *slog.Logger) Interface {
	return &instrumented{inner: inner, tracker: tracker, logger: logger}
}

func (i *instrumented) Reserve(ctx context.Context, key, version string, size int64) (ReserveResult, error) {
	defer i.tracker.Since("reserve", time.Now())

	res, err := i.inner.Reserve(ctx, key, version, size)
	i.logger.Debug("[turbogha] reserve",
		slog.String("key", key), slog.Int64("size", size),
		slog.String("outcome", res.Outcome.String()), slog.Any("err", err))
	return res, err
}

func (i *instrumented) Save(ctx context.Context, r Reservation, body io.Reader) error {
	defer i.tracker.Since("save", time.Now())

	err := i.inner.Save(ctx, r, body)
	i.logger.Debug("[turbogha] save", slog.String("cache_id", r.CacheID), slog.Any("err", err))
	return err
}

func (i *instrumented) Query(ctx context.Context, key, version string) (QueryResult, error) {
	defer i.tracker.Since("query", time.Now())

	res, err := i.inner.Query(ctx, key, version)
	i.logger.Debug("[turbogha] query",
		slog.String("key", key), slog.String("outcome", res.Outcome.String()), slog.Any("err", err))
	return res, err
}

// Download records the time to first byte; streaming the body is up to the caller.
func (i *instrumented) Download(ctx context.Context, location string) (*Download, error) {
	defer i.tracker.Since("download", time.Now())

	dl, err := i.inner.Download(ctx, location)
	i.logger.Debug("[turbogha] download", slog.Any("err", err))
	return dl, err
}
