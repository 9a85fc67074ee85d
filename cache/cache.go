// Package cache mediates between a build tool asking for artifacts by content hash and the
// backing stores: the remote cache service, reached through the reservation protocol of a
// client.Interface, or a plain file per hash in the runner temp directory when the remote cache
// isn't configured. The mode is chosen on every call from the configuration; the two modes never
// mix within one call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/be9/turbogha/client"
)

const (
	// CacheVersion identifies the artifact encoding. It is sent with every remote call, so
	// changing it invalidates all prior entries.
	CacheVersion = "turbogha_v2"
	// DefaultPrefix is prepended to every cache key unless configured otherwise.
	DefaultPrefix = "turbogha_"
)

// Config is the resolved mediator configuration.
type Config struct {
	Remote client.Config
	// TempDir holds filesystem-mode artifacts; defaults to client.DefaultTempDir.
	TempDir string
	// Prefix is the cache key prefix; defaults to DefaultPrefix.
	Prefix string
	// Timeout bounds every remote call, 0 means no timeout.
	Timeout time.Duration
}

// Key returns the cache key for hash, qualified with tag if it's not empty.
func Key(prefix, hash, tag string) string {
	if tag == "" {
		return prefix + hash
	}
	return prefix + hash + "#" + tag
}

// FsCachePath returns the filesystem-mode location of the artifact for hash.
func FsCachePath(tempDir, hash string) string {
	if tempDir == "" {
		tempDir = client.DefaultTempDir
	}
	return filepath.Join(tempDir, hash+".tg.bin")
}

// Artifact is a cache hit. The caller must close Body.
type Artifact struct {
	// Size is the artifact size in bytes, 0 if the backend didn't announce it.
	Size int64
	Body io.ReadCloser
	// Tag is the tag recovered from the matched key, empty if there was none.
	Tag string
}

// Mediator implements SaveCache, GetCache and HasCache. It holds no mutable state and is safe for
// concurrent use.
type Mediator struct {
	cfg     Config
	backend client.Interface
	logger  *slog.Logger
}

// NewMediator creates a mediator. backend may be nil when cfg.Remote is not valid.
func NewMediator(logger *slog.Logger, cfg Config, backend client.Interface) *Mediator {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TempDir == "" {
		cfg.TempDir = client.DefaultTempDir
	}
	return &Mediator{cfg: cfg, backend: backend, logger: logger}
}

// remote reports whether this call goes to the remote backend.
func (m *Mediator) remote(ctx context.Context) (bool, error) {
	if !m.cfg.Remote.Valid() {
		m.logger.Info("[turbogha] using filesystem cache because cache API env vars are not set")
		return false, nil
	}
	if m.backend == nil {
		return true, fault.Wrap(&client.ConfigurationError{Reason: "no backend client"}, fctx.With(ctx))
	}
	return true, nil
}

func (m *Mediator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, m.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// SaveCache stores the artifact read from body under hash and tag. size is the body length, or
// a negative value if unknown. An already reserved key is not an error: somebody else is
// writing the same artifact, so SaveCache returns nil without consuming body.
func (m *Mediator) SaveCache(ctx context.Context, hash, tag string, body io.Reader, size int64) error {
	ctx = fctx.WithMeta(ctx, "hash", hash)

	remote, err := m.remote(ctx)
	if err != nil {
		return err
	}
	if !remote {
		return m.saveToFilesystem(ctx, hash, body)
	}

	key := Key(m.cfg.Prefix, hash, tag)

	reserveCtx, cancel := m.withTimeout(ctx)
	res, err := m.backend.Reserve(reserveCtx, key, CacheVersion, size)
	cancel()
	if err != nil {
		return fault.Wrap(err, fmsg.With("unable to reserve cache"), fctx.With(ctx))
	}

	switch res.Outcome {
	case client.Conflict:
		m.logger.Debug("[turbogha] cache is already reserved", slog.String("key", key))
		return nil
	case client.OK:
	default:
		return fault.Wrap(
			&client.OperationError{Op: "reserve", Body: "unexpected outcome " + res.Outcome.String()},
			fctx.With(ctx))
	}

	if !res.Reservation.Usable() {
		return fault.Wrap(
			&client.OperationError{Op: "reserve", Body: fmt.Sprintf("unable to reserve cache (received: %+v)", res.Reservation)},
			fctx.With(ctx))
	}

	id := res.Reservation.CacheID
	m.logger.Info("[turbogha] reserved cache", slog.String("cache_id", id))

	saveCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err = m.backend.Save(saveCtx, *res.Reservation, body); err != nil {
		return fault.Wrap(err, fmsg.With("unable to upload cache"), fctx.With(ctx))
	}

	m.logger.Info("[turbogha] saved cache", slog.String("cache_id", id), slog.String("hash", hash))
	return nil
}

// saveToFilesystem writes the artifact in place. There is no locking: concurrent writers of
// the same hash race, the last one wins. A failed write removes the file, so a truncated
// artifact is never served.
func (m *Mediator) saveToFilesystem(ctx context.Context, hash string, body io.Reader) error {
	if err := os.MkdirAll(m.cfg.TempDir, 0o755); err != nil {
		return fault.Wrap(err, fmsg.With("error creating cache directory"), fctx.With(ctx))
	}

	path := FsCachePath(m.cfg.TempDir, hash)
	f, err := os.Create(path)
	if err != nil {
		return fault.Wrap(err, fmsg.With("error creating cache file"), fctx.With(ctx))
	}

	_, err = io.Copy(f, client.ContextReader(ctx, body))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fault.Wrap(err, fmsg.With("error writing cache file"), fctx.With(ctx))
	}
	return nil
}

// GetCache looks up the artifact for hash. It returns nil, nil on a miss. Lookups ignore tags;
// the tag of the matched entry, if any, is returned with the artifact.
func (m *Mediator) GetCache(ctx context.Context, hash string) (*Artifact, error) {
	ctx = fctx.WithMeta(ctx, "hash", hash)

	remote, err := m.remote(ctx)
	if err != nil {
		return nil, err
	}
	if !remote {
		return m.getFromFilesystem(ctx, hash)
	}

	entry, tag, err := m.lookup(ctx, hash)
	if err != nil || entry == nil {
		return nil, err
	}

	downloadCtx, cancel := m.withTimeout(ctx)
	dl, err := m.backend.Download(downloadCtx, entry.ArchiveLocation)
	if err != nil {
		cancel()
		return nil, fault.Wrap(err, fmsg.With("unable to download cache"), fctx.With(ctx))
	}
	if dl == nil || dl.Body == nil {
		cancel()
		return nil, fault.Wrap(
			&client.OperationError{Op: "download", Body: "failed to retrieve cache stream"},
			fctx.With(ctx))
	}

	size := dl.Size
	if size < 0 {
		size = 0
	}
	return &Artifact{
		Size: size,
		Body: &cancelOnClose{ReadCloser: dl.Body, cancel: cancel},
		Tag:  tag,
	}, nil
}

// HasCache reports whether an artifact for hash exists, and its tag. Unlike GetCache it
// doesn't open the artifact: in remote mode only the query is made.
func (m *Mediator) HasCache(ctx context.Context, hash string) (found bool, tag string, err error) {
	ctx = fctx.WithMeta(ctx, "hash", hash)

	remote, err := m.remote(ctx)
	if err != nil {
		return false, "", err
	}
	if !remote {
		info, err := os.Stat(FsCachePath(m.cfg.TempDir, hash))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return false, "", nil
		case err != nil:
			return false, "", fault.Wrap(err, fmsg.With("error reading cache file"), fctx.With(ctx))
		}
		return !info.IsDir(), "", nil
	}

	entry, tag, err := m.lookup(ctx, hash)
	return entry != nil, tag, err
}

// lookup queries the backend for the base key of hash. A miss or a key mismatch is
// nil, "", nil.
func (m *Mediator) lookup(ctx context.Context, hash string) (*client.Entry, string, error) {
	key := Key(m.cfg.Prefix, hash, "")

	queryCtx, cancel := m.withTimeout(ctx)
	res, err := m.backend.Query(queryCtx, key, CacheVersion)
	cancel()
	m.logger.Info("[turbogha] cache lookup", slog.String("key", key))
	if err != nil {
		return nil, "", fault.Wrap(err, fmsg.With("unable to query cache"), fctx.With(ctx))
	}

	if res.Outcome != client.OK || res.Entry == nil {
		m.logger.Info("[turbogha] cache lookup did not return data", slog.String("key", key))
		return nil, "", nil
	}

	foundKey, tag, _ := strings.Cut(res.Entry.CacheKey, "#")
	if foundKey != key {
		m.logger.Info("[turbogha] cache key mismatch",
			slog.String("found", foundKey), slog.String("key", key))
		return nil, "", nil
	}
	return res.Entry, tag, nil
}

func (m *Mediator) getFromFilesystem(ctx context.Context, hash string) (*Artifact, error) {
	path := FsCachePath(m.cfg.TempDir, hash)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrap(err, fmsg.With("error reading cache file"), fctx.With(ctx))
	}
	if info.IsDir() {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrap(err, fmsg.With("error opening cache file"), fctx.With(ctx))
	}
	return &Artifact{Size: info.Size(), Body: f}, nil
}

// cancelOnClose releases the download context once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
