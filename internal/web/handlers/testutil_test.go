package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/tagger"
)

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

type ingestCall struct {
	chatID int64
	path   string
	names  []string
}

// fakeTagger records ingests into a real metadata store.
type fakeTagger struct {
	store *metastore.Store
	err   error

	mu    sync.Mutex
	calls []ingestCall
}

func newFakeTagger() *fakeTagger {
	return &fakeTagger{store: metastore.New()}
}

func (f *fakeTagger) Ingest(_ context.Context, chatID int64, path string, names []string) (int64, error) {
	if f.err != nil {
		return -1, f.err
	}
	f.mu.Lock()
	f.calls = append(f.calls, ingestCall{chatID, path, names})
	f.mu.Unlock()

	userID := f.store.GetOrCreateUser(chatID, names)
	photoID, _ := f.store.CreatePhoto(userID, path)
	return photoID, nil
}

func (f *fakeTagger) Caption(photoID int64) (string, bool) {
	sender, ok := f.store.GetSender(photoID)
	if !ok {
		return "", false
	}
	name, _ := f.store.GetDisplayName(sender)
	return "Sent by @" + name + "\nTagged:", true
}

func (f *fakeTagger) Store() *metastore.Store { return f.store }

func (f *fakeTagger) Stats() tagger.Stats {
	return tagger.Stats{Metadata: f.store.Stats()}
}

func (f *fakeTagger) lastCall(t *testing.T) ingestCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no ingest calls")
	}
	return f.calls[len(f.calls)-1]
}

// pngBytes encodes a tiny valid PNG.
func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// uploadRequest builds a multipart photo submission. Empty chatID omits the field.
func uploadRequest(t *testing.T, chatID string, names []string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if chatID != "" {
		mw.WriteField("chat_id", chatID)
	}
	for _, n := range names {
		mw.WriteField("name", n)
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "upload.bin")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(file)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/photos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
