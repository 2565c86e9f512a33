// Package docsession implements the per-document actor: the authoritative
// live CRDT replica, its attached clients, awareness, and the debounced
// persistence pipeline. Grounded in the teacher's serial-lane actor pattern
// (boss-raid-game's ticker-driven processBossAttacks, generalized from a
// fixed combat tick to an event-driven select over inbound work, a persist
// timer, and an awareness-eviction ticker) plus
// luvjson/crdtstorage.SyncManagerRegistry's "one coordinator object per
// document id" shape.
package docsession

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/awareness"
	"notecollab/internal/crdtdoc"
	"notecollab/internal/proto"
	"notecollab/internal/store"
	"notecollab/luvjson/common"
)

// Store is the narrow slice of *store.Store a session needs: load on
// creation, upsert on persist. Declared here (rather than importing the
// concrete type everywhere) so tests can substitute an in-memory fake
// without a MongoDB connection.
type Store interface {
	Get(ctx context.Context, id string) (*store.Document, error)
	UpsertSnapshot(ctx context.Context, id string, snapshot []byte, textProjection string, htmlProjection, title, renderMode *string) (*store.Document, error)
}

// Client is the session's view of one attached connection. Implemented by
// transport.Client; kept minimal so docsession never imports the transport
// package.
type Client interface {
	ClientID() string
	// Send delivers a frame to the client without blocking the session's
	// serial lane. It reports false if the client's outbound buffer is full
	// (backpressure), in which case the caller is responsible for closing it.
	Send(frame []byte) bool
	// Close tears down the underlying connection with the given reason.
	Close(kind apperr.Kind)
}

// Config holds the tunables a Session needs, lifted from config.Config by
// the registry so this package stays independent of env-var parsing.
type Config struct {
	PersistDebounce     time.Duration
	PersistRetryMax     int
	PersistRetryBackoff time.Duration
	HandshakeTimeout    time.Duration
	AwarenessTTL        time.Duration
}

type clientState int

const (
	clientHandshaking clientState = iota
	clientReady
)

type attachedClient struct {
	client         Client
	userID         string
	state          clientState
	handshakeTimer *time.Timer
}

// Session is the single authoritative coordinator for one document. All
// mutation of its replica happens inside the serial lane run by run(); every
// other method either submits work to that lane or reads immutable
// bookkeeping.
type Session struct {
	id     string
	store  Store
	logger *zap.Logger
	cfg    Config

	onQuiesce func(documentID string)

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}
	closed atomic.Bool

	replica   *crdtdoc.Replica
	awareTbl  *awareness.Table
	clients   map[Client]*attachedClient

	dirty      bool
	hasDigest  bool
	lastDigest [sha256.Size]byte
}

// New creates a Session and starts its serial lane. The lane is blocked from
// processing any submitted work until the initial Store load completes,
// which is how the load-before-apply invariant (§4.3.2) is enforced: run()
// performs the load synchronously before it ever reads from inbox.
func New(id string, st Store, logger *zap.Logger, cfg Config, onQuiesce func(string)) *Session {
	s := &Session{
		id:        id,
		store:     st,
		logger:    logger,
		cfg:       cfg,
		onQuiesce: onQuiesce,
		inbox:     make(chan func(), 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		clients:   make(map[Client]*attachedClient),
		awareTbl:  awareness.NewTable(cfg.AwarenessTTL),
	}
	go s.run()
	return s
}

// DocumentID returns the id this session coordinates.
func (s *Session) DocumentID() string { return s.id }

// Closed reports whether the session has finished tearing down. The
// registry uses this to decide whether a cached entry must be replaced
// rather than reused.
func (s *Session) Closed() bool { return s.closed.Load() }

// run is the serial lane: the only goroutine that ever touches s.replica,
// s.clients, or s.awareTbl directly.
func (s *Session) run() {
	defer close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s.load(ctx)
	cancel()

	persistTimer := time.NewTimer(time.Hour)
	persistTimer.Stop()
	awareTicker := time.NewTicker(maxDuration(s.cfg.AwarenessTTL/2, time.Second))
	defer awareTicker.Stop()

	for {
		select {
		case job, ok := <-s.inbox:
			if !ok {
				return
			}
			job()
			if s.dirty {
				persistTimer.Reset(s.cfg.PersistDebounce)
			}
		case <-persistTimer.C:
			s.persistAsync(false)
		case <-awareTicker.C:
			s.evictStaleAwareness()
		case <-s.quit:
			s.teardown()
			return
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// load performs the three-way lifecycle branch from §4.3 step 1. Store
// errors other than NotFound are logged and treated as "start empty, stay
// dirty" rather than aborting the session — a live document must still be
// usable even if a transient Store blip occurs at creation time.
func (s *Session) load(ctx context.Context) {
	sid := common.NewSessionID()
	row, err := s.store.Get(ctx, s.id)
	switch {
	case err == nil && len(row.CRDTSnapshot) > 0:
		replica, lerr := crdtdoc.LoadState(sid, row.CRDTSnapshot)
		if lerr != nil {
			s.logger.Error("decode stored snapshot, starting fresh", zap.String("documentId", s.id), zap.Error(lerr))
			s.replica = crdtdoc.New(sid)
			s.dirty = true
			return
		}
		s.replica = replica
	case err == nil && row.TextProjection != "":
		s.replica = crdtdoc.New(sid)
		if serr := s.replica.SeedText(row.TextProjection); serr != nil {
			s.logger.Error("seed text into fresh replica", zap.String("documentId", s.id), zap.Error(serr))
		}
		s.dirty = true
	case err == nil:
		s.replica = crdtdoc.New(sid)
		s.dirty = true
	case apperr.Is(err, apperr.KindNotFound):
		s.replica = crdtdoc.New(sid)
		s.dirty = true
	default:
		s.logger.Error("load document, starting empty replica", zap.String("documentId", s.id), zap.Error(err))
		s.replica = crdtdoc.New(sid)
		s.dirty = true
	}
}

// submit runs fn on the serial lane and waits for it to finish. It reports
// false (without running fn) if the session is already torn down.
func (s *Session) submit(fn func()) bool {
	if s.closed.Load() {
		return false
	}
	doneCh := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(doneCh) }:
	case <-s.quit:
		return false
	}
	select {
	case <-doneCh:
		return true
	case <-s.quit:
		return false
	}
}

// Attach adds a client to the session, sending the initial SyncStep1 frame
// that starts the per-client handshake (§4.3.1 entry transition).
func (s *Session) Attach(client Client, userID string) error {
	ok := s.submit(func() {
		ac := &attachedClient{client: client, userID: userID, state: clientHandshaking}
		ac.handshakeTimer = time.AfterFunc(s.cfg.HandshakeTimeout, func() {
			s.submit(func() { s.closeClientLocked(client, apperr.KindHandshakeTimeout) })
		})
		s.clients[client] = ac

		frame, err := proto.Encode(proto.KindSyncStep1, proto.SyncStep1Payload{Vector: s.replica.StateVectorForWire()})
		if err != nil {
			s.logger.Error("encode initial SyncStep1", zap.String("documentId", s.id), zap.Error(err))
			return
		}
		client.Send(frame)
	})
	if !ok {
		return apperr.New(apperr.KindNotFound, "session closed")
	}
	return nil
}

// Detach removes a client. If it was the last one, the session arms a
// flush-then-quiesce sequence: an immediate persist (the single-user /
// last-detach trigger from §4.3.2) followed by notifying the registry so it
// can be removed from the index.
func (s *Session) Detach(client Client) {
	s.submit(func() {
		s.detachLocked(client)
	})
}

func (s *Session) detachLocked(client Client) {
	ac, ok := s.clients[client]
	if !ok {
		return
	}
	if ac.handshakeTimer != nil {
		ac.handshakeTimer.Stop()
	}
	delete(s.clients, client)
	s.awareTbl.Remove(ac.userID)
	s.broadcastAwarenessRemoval(ac.userID, client)

	if len(s.clients) == 0 {
		s.persistAsync(true)
		if s.onQuiesce != nil {
			go s.onQuiesce(s.id)
		}
	}
}

// HandleFrame dispatches one inbound frame from client through the protocol
// state machine (§4.3.1).
func (s *Session) HandleFrame(client Client, kind proto.Kind, payload []byte) {
	s.submit(func() {
		s.handleFrameLocked(client, kind, payload)
	})
}

func (s *Session) handleFrameLocked(client Client, kind proto.Kind, payload []byte) {
	ac, ok := s.clients[client]
	if !ok {
		return
	}

	switch kind {
	case proto.KindSyncStep1:
		var in proto.SyncStep1Payload
		if err := decodeJSON(payload, &in); err != nil {
			s.closeClientLocked(client, apperr.KindProtocolError)
			return
		}
		update, err := s.replica.ComputeDiffAgainstVector(in.Vector)
		if err != nil {
			s.closeClientLocked(client, apperr.KindProtocolError)
			return
		}
		frame, err := proto.Encode(proto.KindSyncStep2, proto.SyncStep2Payload{Update: update})
		if err != nil {
			s.logger.Error("encode SyncStep2", zap.Error(err))
			return
		}
		client.Send(frame)

	case proto.KindSyncStep2:
		var in proto.SyncStep2Payload
		if err := decodeJSON(payload, &in); err != nil {
			s.closeClientLocked(client, apperr.KindProtocolError)
			return
		}
		if len(in.Update) > 0 {
			if err := s.replica.ApplyUpdate(in.Update); err != nil {
				s.closeClientLocked(client, apperr.KindProtocolError)
				return
			}
			s.dirty = true
		}
		s.promoteToReady(ac)

	case proto.KindUpdate:
		var in proto.UpdatePayload
		if err := decodeJSON(payload, &in); err != nil {
			s.closeClientLocked(client, apperr.KindProtocolError)
			return
		}
		if err := s.replica.ApplyUpdate(in.Update); err != nil {
			s.closeClientLocked(client, apperr.KindProtocolError)
			return
		}
		s.dirty = true
		s.promoteToReady(ac)
		s.broadcastExcept(client, proto.KindUpdate, in)
		if isCommentMutation(in.Update) {
			s.persistAsync(true)
		}
		if len(s.clients) == 1 {
			s.persistAsync(true)
		}

	case proto.KindAwarenessUpdate:
		var in proto.AwarenessPayload
		if err := decodeJSON(payload, &in); err != nil {
			s.closeClientLocked(client, apperr.KindProtocolError)
			return
		}
		in.UserID = ac.userID
		changed := s.awareTbl.Upsert(ac.userID, in.DisplayName, in.Color, in.Cursor, in.Selection, time.Now())
		if changed {
			s.broadcastExcept(client, proto.KindAwarenessUpdate, in)
		}
		s.promoteToReady(ac)

	case proto.KindAuth:
		// Reserved hook: authentication is a pluggable predicate evaluated
		// on HANDSHAKING entry; the core has no default policy to enforce.
		s.promoteToReady(ac)

	default:
		s.closeClientLocked(client, apperr.KindProtocolError)
	}
}

func (s *Session) promoteToReady(ac *attachedClient) {
	if ac.state == clientReady {
		return
	}
	ac.state = clientReady
	if ac.handshakeTimer != nil {
		ac.handshakeTimer.Stop()
	}
}

func (s *Session) closeClientLocked(client Client, kind apperr.Kind) {
	client.Close(kind)
	s.detachLocked(client)
}

func (s *Session) broadcastExcept(origin Client, kind proto.Kind, payload interface{}) {
	frame, err := proto.Encode(kind, payload)
	if err != nil {
		s.logger.Error("encode broadcast frame", zap.Error(err))
		return
	}
	for c, ac := range s.clients {
		if c == origin || ac.state != clientReady {
			continue
		}
		if !c.Send(frame) {
			s.closeClientLocked(c, apperr.KindBackpressure)
		}
	}
}

func (s *Session) broadcastAwarenessRemoval(userID string, origin Client) {
	s.broadcastExcept(origin, proto.KindAwarenessUpdate, proto.AwarenessPayload{UserID: userID, Removed: true})
}

func (s *Session) evictStaleAwareness() {
	s.submit(func() {
		stale := s.awareTbl.EvictStale(time.Now())
		for _, userID := range stale {
			s.broadcastExcept(nil, proto.KindAwarenessUpdate, proto.AwarenessPayload{UserID: userID, Removed: true})
		}
	})
}

// ReplaceContent routes an HttpApi-driven full-content write through the
// live session so the in-memory replica, its text projection, and attached
// clients all stay coherent (§4.5, design note on coupling HttpApi writes to
// live sessions).
func (s *Session) ReplaceContent(text string) error {
	var applyErr error
	ok := s.submit(func() {
		update, err := s.replica.ReplaceText(text)
		if err != nil {
			applyErr = err
			return
		}
		s.dirty = true
		s.broadcastExcept(nil, proto.KindUpdate, proto.UpdatePayload{Update: update})
		if len(s.clients) <= 1 {
			s.persistAsync(true)
		}
	})
	if !ok {
		return apperr.New(apperr.KindNotFound, "session closed")
	}
	return applyErr
}

// NotifyDeleted informs every attached client that the document was deleted
// out of band, then tears the session down (§4.2 Notify, §4.3.1 transition
// on Deleted notification).
func (s *Session) NotifyDeleted() {
	s.submit(func() {
		frame, err := proto.Encode(proto.KindDeleted, proto.DeletedPayload{DocumentID: s.id})
		if err == nil {
			for c := range s.clients {
				c.Send(frame)
				c.Close(apperr.KindNotFound)
			}
		}
		s.clients = map[Client]*attachedClient{}
	})
	close(s.quit)
	<-s.done
	s.closed.Store(true)
	if s.onQuiesce != nil {
		s.onQuiesce(s.id)
	}
}

// Drain warns every attached client with a ServerGoingAway frame, flushes a
// pending persist (if dirty), and force-closes every client, used at
// shutdown (§4.6) within an upper-bounded deadline.
func (s *Session) Drain(timeout time.Duration) {
	s.submit(func() {
		frame, err := proto.Encode(proto.KindServerGoingAway, struct{}{})
		if err == nil {
			for c := range s.clients {
				c.Send(frame)
			}
		}
		for c := range s.clients {
			c.Close(apperr.KindFatal)
		}
		s.clients = map[Client]*attachedClient{}
		if s.dirty {
			s.flushSync(timeout)
		}
	})
	close(s.quit)
	<-s.done
	s.closed.Store(true)
}

func (s *Session) teardown() {
	for c := range s.clients {
		c.Close(apperr.KindFatal)
	}
	s.clients = map[Client]*attachedClient{}
}

// persistAsync computes the snapshot+projection on the lane (cheap, no I/O)
// and, if it differs from the last persisted digest, hands the actual Store
// call to a goroutine off the lane; the goroutine re-enters the lane only to
// update bookkeeping, per the concurrency model's suspension-point rule.
func (s *Session) persistAsync(immediate bool) {
	snapshot, err := s.replica.EncodeState()
	if err != nil {
		s.logger.Error("encode snapshot for persist", zap.String("documentId", s.id), zap.Error(err))
		return
	}
	digest := sha256.Sum256(snapshot)
	if s.hasDigest && digest == s.lastDigest {
		s.dirty = false
		return
	}
	text, err := s.replica.TextProjection()
	if err != nil {
		s.logger.Error("compute text projection", zap.String("documentId", s.id), zap.Error(err))
		return
	}

	go s.persistWithRetry(snapshot, text, digest, immediate)
}

func (s *Session) persistWithRetry(snapshot []byte, text string, digest [sha256.Size]byte, immediate bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.PersistRetryMax; attempt++ {
		if _, err := s.store.UpsertSnapshot(ctx, s.id, snapshot, text, nil, nil, nil); err != nil {
			lastErr = err
			if attempt < s.cfg.PersistRetryMax {
				// An immediate-persist trigger (comment mutation, last
				// detach, closing) retries back-to-back instead of backing
				// off, since the caller is waiting on durability, not
				// trying to avoid hammering Store during steady-state edits.
				if !immediate {
					time.Sleep(s.cfg.PersistRetryBackoff * time.Duration(attempt+1))
				}
				continue
			}
			break
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		s.logger.Warn("persist failed, leaving dirty", zap.String("documentId", s.id), zap.Error(lastErr))
		return
	}
	s.submit(func() {
		s.lastDigest = digest
		s.hasDigest = true
		s.dirty = false
	})
}

// flushSync performs one best-effort synchronous persist, used only during
// Drain where the caller already holds an upper-bounded deadline.
func (s *Session) flushSync(timeout time.Duration) {
	snapshot, err := s.replica.EncodeState()
	if err != nil {
		return
	}
	text, err := s.replica.TextProjection()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := s.store.UpsertSnapshot(ctx, s.id, snapshot, text, nil, nil, nil); err != nil {
		s.logger.Warn("best-effort shutdown flush failed", zap.String("documentId", s.id), zap.Error(err))
		return
	}
	s.dirty = false
}

// isCommentMutation reports whether an update frame touched the comments
// container, used to trigger the immediate-persist rule in §4.3.2. It peeks
// the patch's target ids rather than fully reapplying it.
func isCommentMutation(update []byte) bool {
	targets, err := crdtdoc.PatchTargets(update)
	if err != nil {
		return false
	}
	for _, t := range targets {
		if t == crdtdoc.CommentsContainerID() {
			return true
		}
	}
	return false
}

func decodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
