package client

import (
	"context"
	"io"
)

// Outcome tags the result of Reserve and Query. Hard failures are reported through the error
// return instead.
type Outcome int

const (
	// OK means the call produced data.
	OK Outcome = iota
	// Conflict means another writer already holds the reservation for the key.
	Conflict
	// NotFound means the backend has no entry for the key.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// Reservation is the handle returned by a granted Reserve. It is consumed by the following Save.
type Reservation struct {
	CacheID    string
	UploadID   string
	UploadURLs []string
	// PartSize is the upload part size hinted by the backend, 0 if it did not send one.
	PartSize int64
}

// Usable reports whether the reservation carries everything Save needs.
func (r *Reservation) Usable() bool {
	return r != nil && r.CacheID != "" && r.UploadID != "" && len(r.UploadURLs) > 0
}

// ReserveResult is the tagged result of Reserve. Reservation is set only when Outcome is OK.
type ReserveResult struct {
	Outcome     Outcome
	Reservation *Reservation
}

// Entry describes a cache entry found by Query.
type Entry struct {
	// CacheKey is the key the backend matched, possibly more specific than the requested one
	// (baseKey#tag).
	CacheKey        string `json:"cacheKey"`
	ArchiveLocation string `json:"archiveLocation"`
}

// QueryResult is the tagged result of Query. Entry is set only when Outcome is OK.
type QueryResult struct {
	Outcome Outcome
	Entry   *Entry
}

// Download is an artifact body resolved from an archive location. Size is 0 when the backend
// didn't announce it. The caller must close Body.
type Download struct {
	Size int64
	Body io.ReadCloser
}

// Interface is the remote cache client interface.
type Interface interface {
	// Reserve asks the backend for the exclusive right to upload the artifact for key. size is
	// the artifact size in bytes, or a negative value if unknown.
	Reserve(ctx context.Context, key, version string, size int64) (ReserveResult, error)
	// Save streams body to the backend using a reservation obtained from Reserve.
	Save(ctx context.Context, r Reservation, body io.Reader) error
	// Query looks up the most specific entry matching key.
	Query(ctx context.Context, key, version string) (QueryResult, error)
	// Download resolves an archive location returned by Query.
	Download(ctx context.Context, location string) (*Download, error)
}
