// Package registry is the process-wide index mapping a document id to its
// live DocSession. Grounded in
// luvjson/crdtstorage.SyncManagerRegistry: a map guarded by a coarse lock
// held only for lookup/insert/remove, with all per-document work (load,
// mutate, persist) happening outside the lock inside the session itself.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/docsession"
	"notecollab/internal/proto"
)

// DocRegistry is the single process-wide index of live DocSessions.
type DocRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*docsession.Session

	store  docsession.Store
	logger *zap.Logger
	cfg    docsession.Config
}

// New builds an empty registry.
func New(st docsession.Store, logger *zap.Logger, cfg docsession.Config) *DocRegistry {
	return &DocRegistry{
		sessions: make(map[string]*docsession.Session),
		store:    st,
		logger:   logger,
		cfg:      cfg,
	}
}

// Attach idempotently creates-or-fetches the DocSession for documentId and
// adds client to it. Creation loads the snapshot from Store before the
// client sees any frames (enforced inside docsession.Session.load, which
// runs before the session's serial lane starts consuming work).
func (r *DocRegistry) Attach(documentID string, client docsession.Client, userID string) error {
	session := r.getOrCreate(documentID)
	if err := session.Attach(client, userID); err != nil {
		// The cached session quiesced between lookup and Attach; retry once
		// against a freshly created one.
		session = r.getOrCreate(documentID)
		return session.Attach(client, userID)
	}
	return nil
}

func (r *DocRegistry) getOrCreate(documentID string) *docsession.Session {
	r.mu.RLock()
	if s, ok := r.sessions[documentID]; ok && !s.Closed() {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[documentID]; ok && !s.Closed() {
		return s
	}
	s := docsession.New(documentID, r.store, r.logger, r.cfg, r.onQuiesce)
	r.sessions[documentID] = s
	return s
}

// onQuiesce removes a session from the index once it has no attached
// clients left. The session's lane starts it on a new goroutine when the
// last client detaches, so it can run while the lane is still running;
// NotifyDeleted calls it on the caller's goroutine after the lane stopped.
func (r *DocRegistry) onQuiesce(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, documentID)
}

// Detach removes client from the live session for documentID, if any.
func (r *DocRegistry) Detach(documentID string, client docsession.Client) {
	r.mu.RLock()
	s, ok := r.sessions[documentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.Detach(client)
}

// Dispatch forwards one decoded inbound frame to the live session for
// documentID, if any. A frame arriving for a session that no longer exists
// (torn down between the client's last frame and this one) is silently
// dropped; the client will observe the transport close shortly after.
func (r *DocRegistry) Dispatch(documentID string, client docsession.Client, kind proto.Kind, payload []byte) {
	r.mu.RLock()
	s, ok := r.sessions[documentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.HandleFrame(client, kind, payload)
}

// Lookup returns the live session for documentID, if any — used by HttpApi
// to route coherent writes (§4.5).
func (r *DocRegistry) Lookup(documentID string) (*docsession.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[documentID]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// NotifyDeleted delivers a Deleted event to a live session, if present; a
// no-op otherwise (§4.2 Notify).
func (r *DocRegistry) NotifyDeleted(documentID string) {
	r.mu.RLock()
	s, ok := r.sessions[documentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.NotifyDeleted()
}

// Len reports how many sessions are currently live, used by the readiness
// probe to confirm the registry lock is obtainable.
func (r *DocRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Drain flushes and closes every live session within an upper-bounded
// deadline, called at shutdown (§4.6).
func (r *DocRegistry) Drain(timeout time.Duration) error {
	r.mu.RLock()
	sessions := make([]*docsession.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *docsession.Session) {
			defer wg.Done()
			s.Drain(timeout)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return apperr.New(apperr.KindTransient, "registry drain deadline exceeded")
	}
}
