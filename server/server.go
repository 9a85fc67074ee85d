package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/Southclaws/fault/fctx"
	"github.com/be9/turbogha/cache"
	"github.com/gorilla/mux"
)

// Cache is the artifact cache served by the HTTP API; *cache.Mediator implements it.
type Cache interface {
	SaveCache(ctx context.Context, hash, tag string, body io.Reader, size int64) error
	GetCache(ctx context.Context, hash string) (*cache.Artifact, error)
	HasCache(ctx context.Context, hash string) (found bool, tag string, err error)
}

// Options for creating a server.
type Options struct {
	// Token, if set, must be presented as a bearer token by clients.
	Token string
}

type Server struct {
	opts   Options
	cache  Cache
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewServer(logger *slog.Logger, c Cache, opts Options) *Server {
	return &Server{
		opts:   opts,
		cache:  c,
		logger: logger,
	}
}

const artifactTagHeader = "X-Artifact-Tag"

// CreateHandler returns the Turborepo remote cache API handler.
func (s *Server) CreateHandler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/v8/artifacts").Subrouter()

	if s.opts.Token != "" {
		api.Use(func(next http.Handler) http.Handler {
			expectedHeader := fmt.Sprintf("Bearer %s", s.opts.Token)

			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != expectedHeader {
					s.logger.Error("[turbogha] authorization error")

					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	api.HandleFunc("/events", s.eventsHandler).Methods("POST")
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/{hash}", s.uploadArtifactHandler).Methods("PUT")
	api.HandleFunc("/{hash}", s.artifactExistsHandler).Methods("HEAD")
	api.HandleFunc("/{hash}", s.downloadArtifactHandler).Methods("GET")

	return r
}

func (*Server) eventsHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (*Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	jsonBody(w, struct {
		Status string `json:"status"`
	}{
		Status: "enabled",
	})
}

func (s *Server) uploadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	hash := getHash(w, r)
	if hash == "" {
		return
	}

	body := &countingReader{r: r.Body}
	err := s.cache.SaveCache(s.context(r), hash, r.Header.Get(artifactTagHeader), body, r.ContentLength)
	if err != nil {
		http.Error(w, "unable to upload", http.StatusInternalServerError)
		s.logError(err)
		return
	}

	s.count(func(st *Stats) {
		st.UploadCount++
		st.UploadedBytes += body.n
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	jsonBody(w, struct {
		Urls []string `json:"urls"`
	}{Urls: []string{}})
}

func (s *Server) artifactExistsHandler(w http.ResponseWriter, r *http.Request) {
	hash := getHash(w, r)
	if hash == "" {
		return
	}

	found, tag, err := s.cache.HasCache(s.context(r), hash)
	if err != nil {
		http.Error(w, "Error looking up file", http.StatusInternalServerError)
		s.logError(err)
		return
	}

	if !found {
		s.count(func(st *Stats) { st.ExistsNoCount++ })
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.count(func(st *Stats) { st.ExistsYesCount++ })
	if tag != "" {
		w.Header().Set(artifactTagHeader, tag)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) downloadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	hash := getHash(w, r)
	if hash == "" {
		return
	}

	art, err := s.cache.GetCache(s.context(r), hash)
	if err != nil {
		http.Error(w, "unable to download", http.StatusInternalServerError)
		s.logError(err)
		return
	}
	if art == nil {
		http.Error(w, "key not found", http.StatusNotFound)
		s.count(func(st *Stats) { st.DownloadNotFoundCount++ })
		return
	}
	defer func() { _ = art.Body.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	if art.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	if art.Tag != "" {
		w.Header().Set(artifactTagHeader, art.Tag)
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, art.Body)
	if err != nil {
		// the status is already sent, the client will see a truncated body
		s.logError(err)
		return
	}

	s.count(func(st *Stats) {
		st.DownloadCount++
		st.DownloadedBytes += n
	})
}

func (s *Server) context(r *http.Request) context.Context {
	ctx := fctx.WithMeta(r.Context(),
		"method", r.Method,
		"url", r.URL.String(),
	)
	return ctx
}

func (s *Server) logError(err error) {
	s.count(func(st *Stats) { st.ErrorsCount++ })

	var attrs []slog.Attr
	for k, v := range fctx.Unwrap(err) {
		attrs = append(attrs, slog.String(k, v))
	}

	s.logger.LogAttrs(context.Background(), slog.LevelError, fmt.Sprintf("[turbogha] %+v", err), attrs...)
}

func (s *Server) count(update func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.stats)
}

func (s *Server) GetStatistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) ResetStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

func jsonBody(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// getHash returns the artifact hash from the URL. Hashes name files in filesystem mode, so
// anything that could escape the cache directory is rejected.
func getHash(w http.ResponseWriter, r *http.Request) string {
	hash := mux.Vars(r)["hash"]

	if hash == "" || hash == "." || hash == ".." || strings.ContainsAny(hash, `/\`) {
		http.Error(w, "bad hash", http.StatusBadRequest)
		return ""
	}
	return hash
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
