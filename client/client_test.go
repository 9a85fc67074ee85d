package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/be9/turbogha/metrics"
	"gotest.tools/v3/assert"
)

var (
	remoteCacheHost = flag.String("remote-cache-host", "", "Remote cache server host")
	tlsCert         = flag.String("remote-tls-cert", "", "Remote cache server TLS certificate")
	tlsKey          = flag.String("remote-tls-key", "", "Remote cache server TLS key")
)

const testVersion = "turbogha_v2"

func TestREAPIClientIntegration(t *testing.T) {
	if *remoteCacheHost == "" {
		t.Skip("remote-cache-host is not set, skipping the integration test")
	}

	cc, err := DialGrpc(*remoteCacheHost, *tlsCert, *tlsKey)
	assert.NilError(t, err)

	cl := NewREAPIClient(cc, t.TempDir(), discardLogger())
	t.Cleanup(func() { _ = cl.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = cl.CheckCapabilities(ctx)
	assert.NilError(t, err)

	// the action cache has no reservations, a second Reserve is granted until Save
	reserveSaveQuery(ctx, t, cl, false)
}

func TestInMemoryClient(t *testing.T) {
	reserveSaveQuery(context.Background(), t, NewInMemoryClient(), true)
}

func TestActionsClient(t *testing.T) {
	fake := newFakeService(t)
	tempDir := t.TempDir()

	cl := NewActionsClient(discardLogger(), fake.srv.URL, testToken, tempDir, 0)
	cl.chunkSize = 1000

	reserveSaveQuery(context.Background(), t, cl, true)

	assert.Equal(t, fake.uploads, 5) // 4096 bytes in 1000-byte chunks
	assertNoStagingFiles(t, tempDir)
}

func TestPresignedClient(t *testing.T) {
	fake := newFakeService(t)

	cl := NewPresignedClient(discardLogger(), fake.srv.URL, testToken, 0)

	reserveSaveQuery(context.Background(), t, cl, true)

	assert.Equal(t, fake.uploads, 4) // 4096 bytes in 1024-byte parts
}

// reserveSaveQuery walks one artifact through the whole protocol. exclusive means a second
// Reserve of the same key must be refused.
func reserveSaveQuery(ctx context.Context, t *testing.T, cl Interface, exclusive bool) {
	randomBytes := make([]byte, 16)
	_, err := rand.Read(randomBytes)
	assert.NilError(t, err)

	var (
		key       = fmt.Sprintf("turbogha_test_%x", randomBytes)
		taggedKey = key + "#linux-x64"
	)
	t.Logf("random key = %s", key)

	// The key must not be present
	qr, err := cl.Query(ctx, key, testVersion)
	assert.NilError(t, err)
	assert.Equal(t, qr.Outcome, NotFound)

	randomContent := make([]byte, 4096)
	_, err = rand.Read(randomContent)
	assert.NilError(t, err)

	rr, err := cl.Reserve(ctx, taggedKey, testVersion, int64(len(randomContent)))
	assert.NilError(t, err)
	assert.Equal(t, rr.Outcome, OK)
	assert.Assert(t, rr.Reservation.Usable(), "reservation %+v", rr.Reservation)

	if exclusive {
		again, err := cl.Reserve(ctx, taggedKey, testVersion, int64(len(randomContent)))
		assert.NilError(t, err)
		assert.Equal(t, again.Outcome, Conflict)
		assert.Assert(t, again.Reservation == nil)
	}

	err = cl.Save(ctx, *rr.Reservation, bytes.NewReader(randomContent))
	assert.NilError(t, err)

	// Once saved, nobody can reserve the key again
	again, err := cl.Reserve(ctx, taggedKey, testVersion, int64(len(randomContent)))
	assert.NilError(t, err)
	assert.Equal(t, again.Outcome, Conflict)

	// Now the base key finds the tagged entry
	qr, err = cl.Query(ctx, key, testVersion)
	assert.NilError(t, err)
	assert.Equal(t, qr.Outcome, OK)
	assert.Equal(t, qr.Entry.CacheKey, taggedKey)

	// ...but not under another version
	other, err := cl.Query(ctx, key, "other_version")
	assert.NilError(t, err)
	assert.Equal(t, other.Outcome, NotFound)

	dl, err := cl.Download(ctx, qr.Entry.ArchiveLocation)
	assert.NilError(t, err)
	defer func() { _ = dl.Body.Close() }()

	downloaded, err := io.ReadAll(dl.Body)
	assert.NilError(t, err)
	assert.DeepEqual(t, downloaded, randomContent)
	assert.Equal(t, dl.Size, int64(len(randomContent)))
}

func TestActionsClientErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve failure carries status and body", func(t *testing.T) {
		fake := newFakeService(t)
		fake.fail(http.StatusInternalServerError, "/_apis/artifactcache/caches")
		cl := NewActionsClient(discardLogger(), fake.srv.URL, testToken, t.TempDir(), 0)

		_, err := cl.Reserve(ctx, "key", testVersion, -1)

		var opErr *OperationError
		assert.Assert(t, errors.As(err, &opErr), "%v", err)
		assert.Equal(t, opErr.Op, "reserve")
		assert.Equal(t, opErr.Status, http.StatusInternalServerError)
		assert.Equal(t, opErr.Body, "injected failure\n")
	})

	t.Run("bad token", func(t *testing.T) {
		fake := newFakeService(t)
		cl := NewActionsClient(discardLogger(), fake.srv.URL, "wrong", t.TempDir(), 0)

		_, err := cl.Query(ctx, "key", testVersion)

		var opErr *OperationError
		assert.Assert(t, errors.As(err, &opErr), "%v", err)
		assert.Equal(t, opErr.Status, http.StatusUnauthorized)
	})

	t.Run("upload failure removes the staging file", func(t *testing.T) {
		fake := newFakeService(t)
		tempDir := t.TempDir()
		cl := NewActionsClient(discardLogger(), fake.srv.URL, testToken, tempDir, 0)

		rr, err := cl.Reserve(ctx, "key", testVersion, -1)
		assert.NilError(t, err)
		assert.Equal(t, rr.Outcome, OK)

		fake.fail(http.StatusBadGateway, "/_apis/artifactcache/caches/")
		err = cl.Save(ctx, *rr.Reservation, bytes.NewReader([]byte("data")))

		var opErr *OperationError
		assert.Assert(t, errors.As(err, &opErr), "%v", err)
		assert.Equal(t, opErr.Op, "upload")
		assert.Equal(t, opErr.Status, http.StatusBadGateway)
		assertNoStagingFiles(t, tempDir)
	})

	t.Run("transport failure", func(t *testing.T) {
		fake := newFakeService(t)
		fake.srv.Close()
		cl := NewActionsClient(discardLogger(), fake.srv.URL, testToken, t.TempDir(), 0)

		_, err := cl.Reserve(ctx, "key", testVersion, -1)

		var opErr *OperationError
		assert.Assert(t, errors.As(err, &opErr), "%v", err)
		assert.Equal(t, opErr.Status, 0)
	})

	t.Run("download of a missing archive", func(t *testing.T) {
		fake := newFakeService(t)
		cl := NewActionsClient(discardLogger(), fake.srv.URL, testToken, t.TempDir(), 0)

		_, err := cl.Download(ctx, fake.srv.URL+"/download/42")

		var opErr *OperationError
		assert.Assert(t, errors.As(err, &opErr), "%v", err)
		assert.Equal(t, opErr.Op, "download")
		assert.Equal(t, opErr.Status, http.StatusNotFound)
	})
}

func TestPresignedClientTooManyParts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeService(t)
	cl := NewPresignedClient(discardLogger(), fake.srv.URL, testToken, 0)

	// one URL is handed out for a 1000-byte hint
	rr, err := cl.Reserve(ctx, "key", testVersion, 1000)
	assert.NilError(t, err)
	assert.Equal(t, len(rr.Reservation.UploadURLs), 1)

	err = cl.Save(ctx, *rr.Reservation, bytes.NewReader(make([]byte, 2000)))
	assert.ErrorContains(t, err, "does not fit into 1 parts")
}

func TestPresignedClientPartSizeOutOfRange(t *testing.T) {
	fake := newFakeService(t)
	cl := NewPresignedClient(discardLogger(), fake.srv.URL, testToken, 0)

	for _, partSize := range []int64{1 << 62, maxPartSize + 1} {
		r := Reservation{
			CacheID:    "1",
			UploadID:   "upload-1",
			UploadURLs: []string{fake.srv.URL + "/upload/1/1", fake.srv.URL + "/upload/1/2"},
			PartSize:   partSize,
		}
		err := cl.Save(context.Background(), r, bytes.NewReader([]byte("data")))

		var opErr *OperationError
		assert.Assert(t, errors.As(err, &opErr), "%v", err)
		assert.Equal(t, opErr.Op, "save")
		assert.ErrorContains(t, err, "out of range")
	}
	assert.Equal(t, fake.uploads, 0)
}

func TestPresignedClientEmptyArtifact(t *testing.T) {
	ctx := context.Background()
	fake := newFakeService(t)
	cl := NewPresignedClient(discardLogger(), fake.srv.URL, testToken, 0)

	rr, err := cl.Reserve(ctx, "empty", testVersion, -1)
	assert.NilError(t, err)

	err = cl.Save(ctx, *rr.Reservation, bytes.NewReader(nil))
	assert.NilError(t, err)
	assert.Equal(t, fake.uploads, 0)

	qr, err := cl.Query(ctx, "empty", testVersion)
	assert.NilError(t, err)
	assert.Equal(t, qr.Outcome, OK)
}

func TestUnusableReservation(t *testing.T) {
	cl := NewActionsClient(discardLogger(), "http://127.0.0.1:1", testToken, t.TempDir(), 0)

	err := cl.Save(context.Background(), Reservation{CacheID: "1"}, bytes.NewReader(nil))

	var opErr *OperationError
	assert.Assert(t, errors.As(err, &opErr), "%v", err)
	assert.Equal(t, opErr.Op, "save")
}

func TestConfig(t *testing.T) {
	var cfgErr *ConfigurationError

	_, err := New(discardLogger(), Config{})
	assert.Assert(t, errors.As(err, &cfgErr))

	assert.Equal(t, Config{Protocol: ProtocolActions, URL: "http://cache"}.Valid(), false)
	assert.Equal(t, Config{Protocol: ProtocolActions, URL: "http://cache", Token: "t"}.Valid(), true)
	assert.Equal(t, Config{Protocol: ProtocolREAPI, URL: "localhost:9092"}.Valid(), true)
	assert.Equal(t, Config{Protocol: ProtocolMemory}.Valid(), true)
	assert.Equal(t, Config{Protocol: "s3", URL: "x", Token: "y"}.Valid(), false)

	cl, err := New(discardLogger(), Config{Protocol: ProtocolPresigned, URL: "http://cache", Token: "t"})
	assert.NilError(t, err)
	_, ok := cl.(*PresignedClient)
	assert.Assert(t, ok)

	_, err = DialGrpc("localhost:9092", "cert.pem", "")
	assert.Assert(t, errors.As(err, &cfgErr))
}

func TestInstrumented(t *testing.T) {
	tracker := metrics.NewLatencyTracker(0.01)
	cl := Instrumented(NewInMemoryClient(), tracker, discardLogger())

	reserveSaveQuery(context.Background(), t, cl, true)

	for op, n := range map[string]int64{"reserve": 3, "save": 1, "query": 3, "download": 1} {
		st, err := tracker.GetStats(op)
		assert.NilError(t, err)
		assert.Equal(t, st.Count, n, op)
	}
}

func TestTempCachePath(t *testing.T) {
	assert.Equal(t, TempCachePath("", "42"), "/tmp/cache-42.tg.bin")
	assert.Equal(t, TempCachePath("/runner/tmp", "42"), "/runner/tmp/cache-42.tg.bin")
}

func assertNoStagingFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "cache-*.tg.bin"))
	assert.NilError(t, err)
	assert.Equal(t, len(matches), 0, "leftover staging files: %v", matches)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
