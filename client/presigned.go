package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
)

const (
	defaultPartSize = 8 * 1024 * 1024
	// maxPartSize bounds the part buffer allocated from the reservation.
	maxPartSize = 512 * 1024 * 1024
)

// PresignedClient talks to a cache service that answers a reservation with a batch of
// pre-signed upload URLs. The artifact is streamed in parts, one part per URL, and committed
// with the list of part ETags. No staging file is needed.
type PresignedClient struct {
	baseURL string
	t       *transport
	logger  *slog.Logger
}

var _ Interface = (*PresignedClient)(nil)

// NewPresignedClient instantiates a client for the cache service at baseURL.
func NewPresignedClient(logger *slog.Logger, baseURL, token string, retryMax int) *PresignedClient {
	return &PresignedClient{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/caches",
		t:       newTransport(logger, token, retryMax),
		logger:  logger,
	}
}

type presignedReserveRequest struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	Size    *int64 `json:"size,omitempty"`
}

type presignedReserveResponse struct {
	CacheID    string   `json:"cacheId"`
	UploadID   string   `json:"uploadId"`
	UploadURLs []string `json:"uploadUrls"`
	PartSize   int64    `json:"partSize"`
}

type uploadedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type presignedCommitRequest struct {
	CacheID  string         `json:"cacheId"`
	UploadID string         `json:"uploadId"`
	Size     int64          `json:"size"`
	Parts    []uploadedPart `json:"parts"`
}

// Reserve reserves key, passing the size hint so that the service can hand out enough URLs.
func (c *PresignedClient) Reserve(ctx context.Context, key, version string, size int64) (ReserveResult, error) {
	in := presignedReserveRequest{Key: key, Version: version}
	if size >= 0 {
		in.Size = &size
	}

	var out presignedReserveResponse
	r, err := c.t.call(ctx, "reserve", http.MethodPost, c.baseURL+"/reserve", "", in, &out)
	if err != nil {
		return ReserveResult{}, err
	}

	switch {
	case r.status == http.StatusConflict:
		return ReserveResult{Outcome: Conflict}, nil
	case !r.ok():
		return ReserveResult{}, c.t.failed(ctx, "reserve", r)
	}

	return ReserveResult{
		Outcome: OK,
		Reservation: &Reservation{
			CacheID:    out.CacheID,
			UploadID:   out.UploadID,
			UploadURLs: out.UploadURLs,
			PartSize:   out.PartSize,
		},
	}, nil
}

// Save cuts body into parts of the reserved part size and uploads them in order.
func (c *PresignedClient) Save(ctx context.Context, r Reservation, body io.Reader) error {
	if !r.Usable() {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, fmt.Errorf("unusable reservation %+v", r)),
			fctx.With(ctx))
	}

	partSize := r.PartSize
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	if partSize > maxPartSize || int64(len(r.UploadURLs)) > math.MaxInt64/partSize {
		return fault.Wrap(
			operationFailed(c.logger, "save", 0, nil,
				fmt.Errorf("part size %d with %d parts is out of range", partSize, len(r.UploadURLs))),
			fctx.With(ctx))
	}

	var (
		buf   = make([]byte, partSize)
		parts []uploadedPart
		total int64
	)
	for i := 0; ; i++ {
		n, err := io.ReadFull(body, buf)
		if n == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fault.Wrap(operationFailed(c.logger, "save", 0, nil, err), fctx.With(ctx))
		}
		if i >= len(r.UploadURLs) {
			return fault.Wrap(
				operationFailed(c.logger, "save", 0, nil,
					fmt.Errorf("artifact does not fit into %d parts of %d bytes", len(r.UploadURLs), partSize)),
				fctx.With(ctx))
		}

		etag, err := c.uploadPart(ctx, r.UploadURLs[i], buf[:n])
		if err != nil {
			return err
		}
		parts = append(parts, uploadedPart{PartNumber: i + 1, ETag: etag})
		total += int64(n)

		if n < len(buf) {
			break
		}
	}

	in := presignedCommitRequest{CacheID: r.CacheID, UploadID: r.UploadID, Size: total, Parts: parts}
	resp, err := c.t.call(ctx, "commit", http.MethodPost, c.baseURL+"/commit", "", in, nil)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return c.t.failed(ctx, "commit", resp)
	}

	c.logger.Debug("[turbogha] saved cache",
		slog.String("cache_id", r.CacheID), slog.Int("parts", len(parts)), slog.Int64("size", total))
	return nil
}

// uploadPart PUTs data to a pre-signed URL. The URL carries its own authorization.
func (c *PresignedClient) uploadPart(ctx context.Context, uploadURL string, data []byte) (string, error) {
	req, err := c.t.newRequest(ctx, http.MethodPut, uploadURL, nil)
	if err != nil {
		return "", err
	}
	if err = req.SetBody(data); err != nil {
		return "", fault.Wrap(err, fctx.With(ctx))
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	r, err := c.t.send(ctx, "upload", req)
	if err != nil {
		return "", err
	}
	if !r.ok() {
		return "", c.t.failed(ctx, "upload", r)
	}
	return r.header.Get("ETag"), nil
}

// Query looks up key.
func (c *PresignedClient) Query(ctx context.Context, key, version string) (QueryResult, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("version", version)

	var out Entry
	r, err := c.t.call(ctx, "query", http.MethodGet, c.baseURL+"?"+q.Encode(), "", nil, &out)
	if err != nil {
		return QueryResult{}, err
	}

	switch {
	case r.status == http.StatusNotFound || r.status == http.StatusNoContent:
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
func (c *PresignedClient) Download(ctx context.Context, location string) (*Download, error) {
	return c.t.download(ctx, location)
}
