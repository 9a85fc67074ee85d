package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

const testToken = "runtime-token"

type fakeEntry struct {
	key, version string
	data         []byte
	parts        map[int][]byte
	committed    bool
}

// fakeService is a cache service speaking both HTTP protocols. Entries are matched like the
// real service does: the latest committed entry whose key starts with the requested key.
type fakeService struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*fakeEntry

	// failStatus, when set, is returned by every call to failPath.
	failStatus int
	failPath   string
	partSize   int64

	uploads int
	srv     *httptest.Server
}

func newFakeService(t *testing.T) *fakeService {
	f := &fakeService{entries: make(map[int64]*fakeEntry), partSize: 1024}

	r := mux.NewRouter()
	r.Use(f.failures)

	api := r.PathPrefix("/_apis/artifactcache").Subrouter()
	api.Use(f.authorize)
	api.HandleFunc("/caches", f.actionsReserve).Methods("POST")
	api.HandleFunc("/caches/{id}", f.actionsUpload).Methods("PATCH")
	api.HandleFunc("/caches/{id}", f.actionsCommit).Methods("POST")
	api.HandleFunc("/cache", f.query("keys", http.StatusNoContent)).Methods("GET")

	presigned := r.PathPrefix("/caches").Subrouter()
	presigned.Use(f.authorize)
	presigned.HandleFunc("/reserve", f.presignedReserve).Methods("POST")
	presigned.HandleFunc("/commit", f.presignedCommit).Methods("POST")
	presigned.HandleFunc("", f.query("key", http.StatusNotFound)).Methods("GET")

	r.HandleFunc("/upload/{id}/{part}", f.presignedUpload).Methods("PUT")
	r.HandleFunc("/download/{id}", f.download).Methods("GET")

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) failures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, path := f.failStatus, f.failPath
		f.mu.Unlock()

		if status != 0 && strings.HasPrefix(r.URL.Path, path) {
			http.Error(w, "injected failure", status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeService) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeService) fail(status int, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus, f.failPath = status, path
}

// reserve registers a new entry, or returns 0 if key and version are taken.
func (f *fakeService) reserve(key, version string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		if e.key == key && e.version == version {
			return 0
		}
	}
	f.nextID++
	f.entries[f.nextID] = &fakeEntry{key: key, version: version, parts: make(map[int][]byte)}
	return f.nextID
}

func (f *fakeService) entry(r *http.Request) (int64, *fakeEntry) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	return id, f.entries[id]
}

func (f *fakeService) actionsReserve(w http.ResponseWriter, r *http.Request) {
	var in reserveCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := f.reserve(in.Key, in.Version)
	if id == 0 {
		http.Error(w, `{"message":"Cache already exists"}`, http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(reserveCacheResponse{CacheID: id})
}

func (f *fakeService) actionsUpload(w http.ResponseWriter, r *http.Request) {
	_, e := f.entry(r)
	if e == nil {
		http.NotFound(w, r)
		return
	}

	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/*", &start, &end); err != nil {
		http.Error(w, "bad Content-Range", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil || int64(len(data)) != end-start+1 {
		http.Error(w, "short chunk", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if grow := end + 1 - int64(len(e.data)); grow > 0 {
		e.data = append(e.data, make([]byte, grow)...)
	}
	copy(e.data[start:], data)
	f.uploads++
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeService) actionsCommit(w http.ResponseWriter, r *http.Request) {
	_, e := f.entry(r)
	if e == nil {
		http.NotFound(w, r)
		return
	}

	var in commitCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Size != int64(len(e.data)) {
		http.Error(w, "size mismatch", http.StatusBadRequest)
		return
	}
	e.committed = true
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeService) presignedReserve(w http.ResponseWriter, r *http.Request) {
	var in presignedReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := f.reserve(in.Key, in.Version)
	if id == 0 {
		http.Error(w, "already reserved", http.StatusConflict)
		return
	}

	n := int64(4)
	if in.Size != nil {
		n = (*in.Size + f.partSize - 1) / f.partSize
	}
	out := presignedReserveResponse{
		CacheID:  strconv.FormatInt(id, 10),
		UploadID: fmt.Sprintf("upload-%d", id),
		PartSize: f.partSize,
	}
	for i := int64(1); i <= n; i++ {
		out.UploadURLs = append(out.UploadURLs, fmt.Sprintf("%s/upload/%d/%d", f.srv.URL, id, i))
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeService) presignedUpload(w http.ResponseWriter, r *http.Request) {
	_, e := f.entry(r)
	if e == nil {
		http.NotFound(w, r)
		return
	}
	part, _ := strconv.Atoi(mux.Vars(r)["part"])

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e.parts[part] = data
	f.uploads++
	w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, part))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeService) presignedCommit(w http.ResponseWriter, r *http.Request) {
	var in presignedCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, _ := strconv.ParseInt(in.CacheID, 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	if e == nil || in.UploadID != fmt.Sprintf("upload-%d", id) {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}

	var data []byte
	for i, p := range in.Parts {
		if p.PartNumber != i+1 || p.ETag != fmt.Sprintf(`"etag-%d"`, i+1) {
			http.Error(w, "bad part list", http.StatusBadRequest)
			return
		}
		data = append(data, e.parts[p.PartNumber]...)
	}
	if int64(len(data)) != in.Size {
		http.Error(w, "size mismatch", http.StatusBadRequest)
		return
	}
	e.data = data
	e.committed = true
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeService) query(keyParam string, missStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get(keyParam)
		version := r.URL.Query().Get("version")

		f.mu.Lock()
		var best int64
		for id, e := range f.entries {
			if e.committed && e.version == version && strings.HasPrefix(e.key, key) && id > best {
				best = id
			}
		}
		var found *fakeEntry
		if best != 0 {
			found = f.entries[best]
		}
		f.mu.Unlock()

		if found == nil {
			w.WriteHeader(missStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(Entry{
			CacheKey:        found.key,
			ArchiveLocation: fmt.Sprintf("%s/download/%d", f.srv.URL, best),
		})
	}
}

func (f *fakeService) download(w http.ResponseWriter, r *http.Request) {
	_, e := f.entry(r)
	if e == nil || !e.committed {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	data := e.data
	f.mu.Unlock()

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
