package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/docsession"
	"notecollab/internal/registry"
	"notecollab/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]*store.Document
	pingErr  error
	nextTime time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*store.Document), nextTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeStore) now() time.Time {
	f.nextTime = f.nextTime.Add(time.Second)
	return f.nextTime
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Create(_ context.Context, id, title, textProjection string, htmlProjection *string, renderMode string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; ok {
		return nil, apperr.New(apperr.KindAlreadyExists, "exists")
	}
	doc := &store.Document{
		ID: id, Title: title, TextProjection: textProjection, RenderMode: renderMode,
		CreatedAt: f.now(), UpdatedAt: f.now(),
	}
	if htmlProjection != nil {
		doc.HTMLProjection = *htmlProjection
	}
	f.docs[id] = doc
	return doc, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "missing")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) List(_ context.Context, limit, offset int64) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Document
	for _, d := range f.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) Patch(_ context.Context, id string, fields store.PatchFields) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "missing")
	}
	if fields.Title != nil {
		d.Title = *fields.Title
	}
	if fields.TextProjection != nil {
		d.TextProjection = *fields.TextProjection
	}
	if fields.HTMLProjection != nil {
		d.HTMLProjection = *fields.HTMLProjection
	}
	d.UpdatedAt = f.now()
	return d, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return apperr.New(apperr.KindNotFound, "missing")
	}
	delete(f.docs, id)
	return nil
}

// docsessionStore adapts fakeStore to docsession.Store for tests that need
// a live registry (the same two-method slice docsession itself depends on).
type docsessionStore struct{ *fakeStore }

func (d docsessionStore) UpsertSnapshot(_ context.Context, id string, snapshot []byte, textProjection string, htmlProjection, title, renderMode *string) (*store.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[id]
	if !ok {
		doc = &store.Document{ID: id, RenderMode: store.RenderModeMarkdown, Title: "Untitled Document"}
		d.docs[id] = doc
	}
	doc.CRDTSnapshot = snapshot
	doc.TextProjection = textProjection
	doc.UpdatedAt = d.now()
	return doc, nil
}

func newTestHandler(fs *fakeStore) (*Handler, *registry.DocRegistry) {
	reg := registry.New(docsessionStore{fs}, zap.NewNop(), docsession.Config{
		PersistDebounce:     50 * time.Millisecond,
		PersistRetryMax:     1,
		PersistRetryBackoff: 5 * time.Millisecond,
		HandshakeTimeout:    time.Second,
		AwarenessTTL:        time.Minute,
	})
	return NewHandler(fs, reg, zap.NewNop(), Config{PublicBaseURL: "https://notes.example"}), reg
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestShareThenGetRoundTrip(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	mux := http.NewServeMux()
	h.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{
		Title:   strPtr("T"),
		Content: "# T\n\nbody",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var shared shareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shared))
	assert.NotEmpty(t, shared.ShareID)

	rec = doJSON(t, mux, http.MethodGet, "/api/notes/"+shared.ShareID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var note noteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &note))
	assert.Equal(t, "T", note.Title)
	assert.Equal(t, "# T\n\nbody", note.Content)
	assert.Equal(t, store.RenderModeMarkdown, note.RenderMode)
	assert.Nil(t, note.HTMLContent)
}

func TestShareSanitizesHTMLContent(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	mux := http.NewServeMux()
	h.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{
		Title:       strPtr("X"),
		Content:     "# X",
		HTMLContent: strPtr(`<h1>X</h1><script>alert(1)</script><p>ok</p>`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var shared shareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shared))

	rec = doJSON(t, mux, http.MethodGet, "/api/notes/"+shared.ShareID, nil)
	var note noteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &note))
	require.NotNil(t, note.HTMLContent)
	assert.Contains(t, *note.HTMLContent, "<h1>X</h1>")
	assert.Contains(t, *note.HTMLContent, "<p>ok</p>")
	assert.NotContains(t, *note.HTMLContent, "<script>")
	assert.Equal(t, store.RenderModeHTML, note.RenderMode)
}

func TestShareMissingContentRejected(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	mux := http.NewServeMux()
	h.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{Title: strPtr("T")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShareDuplicateIDConflicts(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	mux := http.NewServeMux()
	h.Register(mux)

	req := shareRequest{Content: "body", ShareID: strPtr("fixed-id")}
	rec := doJSON(t, mux, http.MethodPost, "/api/notes/share", req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/notes/share", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownNoteNotFound(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	mux := http.NewServeMux()
	h.Register(mux)

	rec := doJSON(t, mux, http.MethodGet, "/api/notes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteNotifiesLiveSessionAndRemovesFromStore(t *testing.T) {
	fs := newFakeStore()
	h, reg := newTestHandler(fs)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{Content: "foo", ShareID: strPtr("W")})
	require.Equal(t, http.StatusCreated, rec.Code)

	client := &fakeWSClient{id: "conn-1"}
	require.NoError(t, reg.Attach("W", client, "user-a"))

	rec = doJSON(t, mux, http.MethodDelete, "/api/notes/W", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, client.isClosed, time.Second, time.Millisecond)

	rec = doJSON(t, mux, http.MethodGet, "/api/notes/W", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListReturnsSummaryView(t *testing.T) {
	h, _ := newTestHandler(newFakeStore())
	mux := http.NewServeMux()
	h.Register(mux)

	doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{Content: "a", ShareID: strPtr("n1")})
	doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{Content: "b", ShareID: strPtr("n2")})

	rec := doJSON(t, mux, http.MethodGet, "/api/notes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []listEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
}

func TestHealthReportsUnhealthyWhenStoreDown(t *testing.T) {
	fs := newFakeStore()
	fs.pingErr = apperr.New(apperr.KindTransient, "down")
	h, _ := newTestHandler(fs)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := doJSON(t, mux, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPutWithoutLiveSessionWritesStoreDirectly(t *testing.T) {
	fs := newFakeStore()
	h, _ := newTestHandler(fs)
	mux := http.NewServeMux()
	h.Register(mux)

	doJSON(t, mux, http.MethodPost, "/api/notes/share", shareRequest{Content: "v1", ShareID: strPtr("p1")})
	rec := doJSON(t, mux, http.MethodPut, "/api/notes/p1", putRequest{Content: "v2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/notes/p1", nil)
	var note noteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &note))
	assert.Equal(t, "v2", note.Content)
}

func strPtr(s string) *string { return &s }

type fakeWSClient struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (c *fakeWSClient) ClientID() string { return c.id }
func (c *fakeWSClient) Send([]byte) bool { return true }
func (c *fakeWSClient) Close(apperr.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
func (c *fakeWSClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
