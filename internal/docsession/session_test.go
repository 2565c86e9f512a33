package docsession

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/crdtdoc"
	"notecollab/internal/proto"
	"notecollab/internal/store"
	"notecollab/luvjson/common"
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

func (f *fakeStore) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	return ok
}

type fakeClient struct {
	id string

	mu        sync.Mutex
	frames    [][]byte
	sendOK    bool
	closed    bool
	closeKind apperr.Kind
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, sendOK: true}
}

func (c *fakeClient) ClientID() string { return c.id }

func (c *fakeClient) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendOK {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeClient) Close(kind apperr.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeKind = kind
}

func (c *fakeClient) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeClient) lastFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testConfig() Config {
	return Config{
		PersistDebounce:     50 * time.Millisecond,
		PersistRetryMax:     2,
		PersistRetryBackoff: 5 * time.Millisecond,
		HandshakeTimeout:    2 * time.Second,
		AwarenessTTL:        time.Minute,
	}
}

func promote(t *testing.T, s *Session, client Client) {
	t.Helper()
	payload, err := json.Marshal(proto.SyncStep2Payload{})
	require.NoError(t, err)
	s.HandleFrame(client, proto.KindSyncStep2, payload)
}

func TestAttachSendsInitialSyncStep1(t *testing.T) {
	fs := newFakeStore()
	s := New("doc-1", fs, zap.NewNop(), testConfig(), nil)
	client := newFakeClient("a")

	require.NoError(t, s.Attach(client, "user-a"))
	require.Eventually(t, func() bool { return client.frameCount() == 1 }, time.Second, time.Millisecond)

	kind, _, err := proto.Decode(client.lastFrame())
	require.NoError(t, err)
	assert.Equal(t, proto.KindSyncStep1, kind)
}

func TestUpdateBroadcastsToOtherReadyClientsOnly(t *testing.T) {
	fs := newFakeStore()
	s := New("doc-2", fs, zap.NewNop(), testConfig(), nil)

	a := newFakeClient("a")
	b := newFakeClient("b")
	require.NoError(t, s.Attach(a, "user-a"))
	require.NoError(t, s.Attach(b, "user-b"))
	promote(t, s, a)
	promote(t, s, b)

	remote := crdtdoc.New(common.NewSessionID())
	update, err := remote.ReplaceText("hello from a")
	require.NoError(t, err)

	payload, err := json.Marshal(proto.UpdatePayload{Update: update})
	require.NoError(t, err)
	s.HandleFrame(a, proto.KindUpdate, payload)

	require.Eventually(t, func() bool { return b.frameCount() >= 2 }, time.Second, time.Millisecond)
	kind, _, err := proto.Decode(b.lastFrame())
	require.NoError(t, err)
	assert.Equal(t, proto.KindUpdate, kind)
}

func TestCommentMutationTriggersImmediatePersist(t *testing.T) {
	fs := newFakeStore()
	s := New("doc-3", fs, zap.NewNop(), testConfig(), nil)
	a := newFakeClient("a")
	require.NoError(t, s.Attach(a, "user-a"))
	promote(t, s, a)

	remote := crdtdoc.New(common.NewSessionID())
	update, err := remote.UpsertComment(crdtdoc.CommentRecord{ID: "c1", Author: "ada", Content: "x"})
	require.NoError(t, err)

	payload, err := json.Marshal(proto.UpdatePayload{Update: update})
	require.NoError(t, err)
	s.HandleFrame(a, proto.KindUpdate, payload)

	require.Eventually(t, func() bool { return fs.has("doc-3") }, time.Second, 5*time.Millisecond)
}

func TestLastDetachTriggersQuiesce(t *testing.T) {
	fs := newFakeStore()
	var quiesced string
	done := make(chan struct{})
	s := New("doc-4", fs, zap.NewNop(), testConfig(), func(id string) {
		quiesced = id
		close(done)
	})
	a := newFakeClient("a")
	require.NoError(t, s.Attach(a, "user-a"))
	s.Detach(a)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onQuiesce was not called")
	}
	assert.Equal(t, "doc-4", quiesced)
	require.Eventually(t, func() bool { return fs.has("doc-4") }, time.Second, 5*time.Millisecond)
}

func TestHandshakeTimeoutClosesClient(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	cfg.HandshakeTimeout = 10 * time.Millisecond
	s := New("doc-5", fs, zap.NewNop(), cfg, nil)
	a := newFakeClient("a")
	require.NoError(t, s.Attach(a, "user-a"))

	require.Eventually(t, func() bool { return a.isClosed() }, time.Second, time.Millisecond)
	a.mu.Lock()
	kind := a.closeKind
	a.mu.Unlock()
	assert.Equal(t, apperr.KindHandshakeTimeout, kind)
}

func TestNotifyDeletedSendsTerminalFrameAndCloses(t *testing.T) {
	fs := newFakeStore()
	s := New("doc-6", fs, zap.NewNop(), testConfig(), nil)
	a := newFakeClient("a")
	require.NoError(t, s.Attach(a, "user-a"))

	s.NotifyDeleted()

	assert.True(t, a.isClosed())
	assert.True(t, s.Closed())
	require.GreaterOrEqual(t, a.frameCount(), 2)
	kind, _, err := proto.Decode(a.lastFrame())
	require.NoError(t, err)
	assert.Equal(t, proto.KindDeleted, kind)
}

func TestReplaceContentBroadcastsAndPersists(t *testing.T) {
	fs := newFakeStore()
	s := New("doc-7", fs, zap.NewNop(), testConfig(), nil)
	a := newFakeClient("a")
	require.NoError(t, s.Attach(a, "user-a"))
	promote(t, s, a)

	require.NoError(t, s.ReplaceContent("new content"))
	require.Eventually(t, func() bool { return fs.has("doc-7") }, time.Second, 5*time.Millisecond)
}
