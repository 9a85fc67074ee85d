package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
)

// DefaultTempDir is used when no runner temp directory is configured.
const DefaultTempDir = "/tmp"

// TempCachePath returns the staging file used while uploading the artifact for cache id.
func TempCachePath(tempDir, id string) string {
	if tempDir == "" {
		tempDir = DefaultTempDir
	}
	return filepath.Join(tempDir, fmt.Sprintf("cache-%s.tg.bin", id))
}

// stagedFile is a local copy of an artifact stream, needed by protocols that must know the
// size or digest before uploading.
type stagedFile struct {
	*os.File
	size int64
}

// remove closes and deletes the staging file. It is always deferred right after stage
// succeeds, so the file never outlives the upload.
func (s *stagedFile) remove() {
	_ = s.Close()
	_ = os.Remove(s.Name())
}

// stage copies body into the staging file for id and rewinds it.
func stage(ctx context.Context, tempDir, id string, body io.Reader) (*stagedFile, error) {
	f, err := os.Create(TempCachePath(tempDir, id))
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("error creating staging file"), fctx.With(ctx))
	}
	staged := &stagedFile{File: f}

	staged.size, err = io.Copy(f, ContextReader(ctx, body))
	if err != nil {
		staged.remove()
		return nil, fault.Wrap(err, fmsg.With("error staging artifact"), fctx.With(ctx))
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		staged.remove()
		return nil, fault.Wrap(err, fmsg.With("error seeking staging file"), fctx.With(ctx))
	}
	return staged, nil
}

// ContextReader returns a reader that stops reading from r once ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
