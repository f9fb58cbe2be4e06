// Package testsupport provides shared fixtures: a throwaway store, a quiet
// logger and a fake ingestion server.
package testsupport

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"tracely/internal/store"
)

// GetLogger returns a test logger that only surfaces errors.
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// SetupTestStore opens a store in a per-test temporary directory.
func SetupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// CapturedRequest is one POST recorded by the fake server.
type CapturedRequest struct {
	Path string
	Body []byte
}

// Batch decodes the request body as a capture envelope.
func (r CapturedRequest) Batch(t *testing.T) (apiKey string, batch []map[string]any) {
	t.Helper()
	var envelope struct {
		APIKey string           `json:"api_key"`
		Batch  []map[string]any `json:"batch"`
	}
	require.NoError(t, json.Unmarshal(r.Body, &envelope))
	return envelope.APIKey, envelope.Batch
}

// FakeServer imitates the ingestion service: it records every POST to
// /capture/ and /decide/ and answers with a configurable status sequence.
type FakeServer struct {
	mu        sync.Mutex
	requests  []CapturedRequest
	statuses  []int
	decideRes string
	server    *httptest.Server
}

// NewFakeServer starts the server; it answers 200 until QueueStatus installs
// a status sequence.
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()
	fs := &FakeServer{decideRes: `{"featureFlags":{}}`}

	router := mux.NewRouter()
	router.HandleFunc("/capture/", fs.handle).Methods(http.MethodPost)
	router.HandleFunc("/decide/", fs.handle).Methods(http.MethodPost)

	fs.server = httptest.NewServer(router)
	t.Cleanup(fs.server.Close)
	return fs
}

// URL returns the base URL to configure the agent with.
func (fs *FakeServer) URL() string { return fs.server.URL }

// QueueStatus installs the statuses returned to the next POSTs, in order.
// When the sequence is exhausted the server answers 200 again.
func (fs *FakeServer) QueueStatus(codes ...int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.statuses = append(fs.statuses, codes...)
}

// SetDecideResponse sets the body returned for /decide/ POSTs.
func (fs *FakeServer) SetDecideResponse(body string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.decideRes = body
}

// Requests returns a copy of everything recorded so far.
func (fs *FakeServer) Requests() []CapturedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]CapturedRequest, len(fs.requests))
	copy(out, fs.requests)
	return out
}

// RequestsTo filters recorded requests by path.
func (fs *FakeServer) RequestsTo(path string) []CapturedRequest {
	var out []CapturedRequest
	for _, r := range fs.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (fs *FakeServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fs.mu.Lock()
	fs.requests = append(fs.requests, CapturedRequest{Path: r.URL.Path, Body: body})
	status := http.StatusOK
	if len(fs.statuses) > 0 {
		status = fs.statuses[0]
		fs.statuses = fs.statuses[1:]
	}
	decideRes := fs.decideRes
	fs.mu.Unlock()

	w.WriteHeader(status)
	if status == http.StatusOK {
		if r.URL.Path == "/decide/" {
			w.Write([]byte(decideRes))
		} else {
			w.Write([]byte(`{"status":"Ok"}`))
		}
	}
}

// TinyPNG encodes a solid-colored PNG of the given size for replay tests.
func TinyPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
