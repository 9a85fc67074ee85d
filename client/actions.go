package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	actionsAccept = "application/json;api-version=6.0-preview.1"

	defaultChunkSize   = 32 * 1024 * 1024
	defaultConcurrency = 4
)

// ActionsClient talks to the GitHub Actions cache service. An artifact gets a numeric cache id at
// reservation time and is uploaded as one file: it is staged locally, sent in ranged chunks and
// committed with its final size.
type ActionsClient struct {
	baseURL string
	tempDir string
	t       *transport
	logger  *slog.Logger

	chunkSize   int64
	concurrency int
}

var _ Interface = (*ActionsClient)(nil)

// NewActionsClient instantiates a client for the cache service at baseURL.
func NewActionsClient(logger *slog.Logger, baseURL, token, tempDir string, retryMax int) *ActionsClient {
	return &ActionsClient{
		baseURL:     strings.TrimSuffix(baseURL, "/") + "/_apis/artifactcache/",
		tempDir:     tempDir,
		t:           newTransport(logger, token, retryMax),
		logger:      logger,
		chunkSize:   defaultChunkSize,
		concurrency: defaultConcurrency,
	}
}

type reserveCacheRequest struct {
	Key       string `json:"key"`
	Version   string `json:"version"`
	CacheSize *int64 `json:"cacheSize,omitempty"`
}

type reserveCacheResponse struct {
	CacheID int64 `json:"cacheId"`
}

type commitCacheRequest struct {
	Size int64 `json:"size"`
}

func (c *ActionsClient) cacheURL(id string) string {
	return c.baseURL + "caches/" + id
}

// Reserve reserves key. The service answers 409 when the key is already taken.
func (c *ActionsClient) Reserve(ctx context.Context, key, version string, size int64) (ReserveResult, error) {
	in := reserveCacheRequest{Key: key, Version: version}
	if size >= 0 {
		in.CacheSize = &size
	}

	var out reserveCacheResponse
	r, err := c.t.call(ctx, "reserve", http.MethodPost, c.baseURL+"caches", actionsAccept, in, &out)
	if err != nil {
		return ReserveResult{}, err
	}

	switch {
	case r.status == http.StatusConflict:
		return ReserveResult{Outcome: Conflict}, nil
	case !r.ok():
		return ReserveResult{}, c.t.failed(ctx, "reserve", r)
	}

	res := &Reservation{UploadID: uuid.NewString()}
	if out.CacheID != 0 {
		res.CacheID = strconv.FormatInt(out.CacheID, 10)
		res.UploadURLs = []string{c.cacheURL(res.CacheID)}
		c.logger.Debug("[turbogha] reserved cache", slog.String("cache_id", res.CacheID))
	}
	return ReserveResult{Outcome: OK, Reservation: res}, nil
}

// Save stages body, uploads it in concurrent chunks and commits the cache entry.
func (c *ActionsClient) Save(ctx context.Context, r Reservation, body io.Reader) error {
	if !r.Usable() {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, fmt.Errorf("unusable reservation %+v", r)),
			fctx.With(ctx))
	}
	uploadURL := r.UploadURLs[0]

	staged, err := stage(ctx, c.tempDir, r.CacheID, body)
	if err != nil {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, err), fctx.With(ctx))
	}
	defer staged.remove()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for start := int64(0); start < staged.size; start += c.chunkSize {
		end := min(start+c.chunkSize, staged.size) - 1
		g.Go(func() error {
			return c.uploadChunk(gctx, uploadURL, staged.File, start, end)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	resp, err := c.t.call(ctx, "commit", http.MethodPost, uploadURL, actionsAccept, commitCacheRequest{Size: staged.size}, nil)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return c.t.failed(ctx, "commit", resp)
	}

	c.logger.Debug("[turbogha] saved cache", slog.String("cache_id", r.CacheID), slog.Int64("size", staged.size))
	return nil
}

// uploadChunk sends bytes [start, end] of f.
func (c *ActionsClient) uploadChunk(ctx context.Context, uploadURL string, f io.ReaderAt, start, end int64) error {
	req, err := c.t.newRequest(ctx, http.MethodPatch, uploadURL, nil)
	if err != nil {
		return err
	}
	if err = req.SetBody(io.NewSectionReader(f, start, end-start+1)); err != nil {
		return fault.Wrap(err, fctx.With(ctx))
	}
	req.ContentLength = end - start + 1
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	c.t.authorize(req, actionsAccept)

	r, err := c.t.send(ctx, "upload", req)
	if err != nil {
		return err
	}
	if !r.ok() {
		return c.t.failed(ctx, "upload", r)
	}
	return nil
}

// Query looks up key. The service answers 204 (or 404) when nothing matches.
func (c *ActionsClient) Query(ctx context.Context, key, version string) (QueryResult, error) {
	q := url.Values{}
	q.Set("keys", key)
	q.Set("version", version)

	var out Entry
	r, err := c.t.call(ctx, "query", http.MethodGet, c.baseURL+"cache?"+q.Encode(), actionsAccept, nil, &out)
	if err != nil {
		return QueryResult{}, err
	}

	switch {
	case r.status == http.StatusNoContent || r.status == http.StatusNotFound:
		return QueryResult{Outcome: NotFound}, nil
	case !r.ok():
		return QueryResult{}, c.t.failed(ctx, "query", r)
	case out.ArchiveLocation == "":
		return QueryResult{Outcome: NotFound}, nil
	}
	if out.CacheKey == "" {
		out.CacheKey = key
	}
	return QueryResult{Outcome: OK, Entry: &out}, nil
}

// Download fetches the archive location returned by Query.
func (c *ActionsClient) Download(ctx context.Context, location string) (*Download, error) {
	return c.t.download(ctx, location)
}
