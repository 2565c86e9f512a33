package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/docsession"
	"notecollab/internal/proto"
	"notecollab/internal/registry"
	"notecollab/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	docs map[string]*store.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*store.Document)}
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

func (f *fakeStore) UpsertSnapshot(_ context.Context, id string, snapshot []byte, textProjection string, _, _, _ *string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		d = &store.Document{ID: id}
		f.docs[id] = d
	}
	d.CRDTSnapshot = snapshot
	d.TextProjection = textProjection
	return d, nil
}

func testConfig() Config {
	return Config{
		OutboundBufferFrames: 32,
		PingInterval:         time.Hour,
		PongTimeout:          time.Minute,
	}
}

func TestCheckOriginAllowsConfiguredOrigin(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), Config{AllowedOrigins: []string{"https://plugin.example"}})
	req := httptest.NewRequest(http.MethodGet, "/ws/doc", nil)
	req.Header.Set("Origin", "https://plugin.example")
	assert.True(t, h.checkOrigin(req))
}

func TestCheckOriginRejectsUnknownOrigin(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), Config{AllowedOrigins: []string{"https://plugin.example"}})
	req := httptest.NewRequest(http.MethodGet, "/ws/doc", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))
}

func TestServeHTTPUpgradesAndSendsInitialSyncStep1(t *testing.T) {
	reg := registry.New(newFakeStore(), zap.NewNop(), docsession.Config{
		PersistDebounce:     50 * time.Millisecond,
		PersistRetryMax:     1,
		PersistRetryBackoff: 5 * time.Millisecond,
		HandshakeTimeout:    time.Second,
		AwarenessTTL:        time.Minute,
	})
	h := NewHandler(reg, zap.NewNop(), testConfig())

	mux := http.NewServeMux()
	mux.Handle("/ws/{documentId}", h)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/doc-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	kind, _, err := proto.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, proto.KindSyncStep1, kind)
}

func TestServeHTTPMissingDocumentIDRejected(t *testing.T) {
	h := NewHandler(nil, zap.NewNop(), testConfig())
	mux := http.NewServeMux()
	mux.Handle("/ws/{documentId}", h)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
