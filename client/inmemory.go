package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const memoryScheme = "mem:"

type artifact struct {
	key      string
	version  string
	uploadID string
	data     []byte
	saved    bool
}

// InMemoryClient keeps artifacts in memory. A key can be reserved once per version; Query
// matches keys the way the GitHub Actions cache does, exact key first, then the latest entry
// whose key starts with the requested one.
type InMemoryClient struct {
	mu        sync.Mutex
	nextID    int
	artifacts map[int]*artifact
	reserved  map[string]int
}

var _ Interface = (*InMemoryClient)(nil)

func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{
		artifacts: make(map[int]*artifact),
		reserved:  make(map[string]int),
	}
}

func reservationKey(key, version string) string {
	return version + "\x00" + key
}

func (c *InMemoryClient) Reserve(_ context.Context, key, version string, _ int64) (ReserveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := reservationKey(key, version)
	if _, ok := c.reserved[rk]; ok {
		return ReserveResult{Outcome: Conflict}, nil
	}

	c.nextID++
	id := c.nextID
	af := &artifact{key: key, version: version, uploadID: uuid.NewString()}
	c.artifacts[id] = af
	c.reserved[rk] = id

	cacheID := strconv.Itoa(id)
	return ReserveResult{
		Outcome: OK,
		Reservation: &Reservation{
			CacheID:    cacheID,
			UploadID:   af.uploadID,
			UploadURLs: []string{memoryScheme + cacheID},
		},
	}, nil
}

func (c *InMemoryClient) Save(_ context.Context, r Reservation, body io.Reader) error {
	id, err := strconv.Atoi(r.CacheID)
	if err != nil {
		return &OperationError{Op: "save", Status: 400, Body: "bad cache id " + r.CacheID}
	}

	c.mu.Lock()
	af, ok := c.artifacts[id]
	c.mu.Unlock()
	if !ok || af.uploadID != r.UploadID {
		return &OperationError{Op: "save", Status: 404, Body: "reservation not found"}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return &OperationError{Op: "save", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if af.saved {
		return &OperationError{Op: "save", Status: 409, Body: "cache already committed"}
	}
	af.data = data
	af.saved = true
	return nil
}

func (c *InMemoryClient) Query(_ context.Context, key, version string) (QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.reserved[reservationKey(key, version)]; ok && c.artifacts[id].saved {
		return c.found(id), nil
	}

	best := 0
	for id, af := range c.artifacts {
		if af.saved && af.version == version && strings.HasPrefix(af.key, key) && id > best {
			best = id
		}
	}
	if best == 0 {
		return QueryResult{Outcome: NotFound}, nil
	}
	return c.found(best), nil
}

func (c *InMemoryClient) found(id int) QueryResult {
	return QueryResult{
		Outcome: OK,
		Entry: &Entry{
			CacheKey:        c.artifacts[id].key,
			ArchiveLocation: fmt.Sprintf("%s%d", memoryScheme, id),
		},
	}
}

func (c *InMemoryClient) Download(_ context.Context, location string) (*Download, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(location, memoryScheme))
	if err != nil {
		return nil, &OperationError{Op: "download", Status: 400, Body: "bad location " + location}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	af, ok := c.artifacts[id]
	if !ok || !af.saved {
		return nil, &OperationError{Op: "download", Status: 404, Body: "artifact not found"}
	}
	return &Download{
		Size: int64(len(af.data)),
		Body: io.NopCloser(bytes.NewReader(af.data)),
	}, nil
}
