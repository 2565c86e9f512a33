// Package crdtdoc wraps the kept luvjson crdt/crdtpatch packages behind the
// three contractual operations design note 9 names — encodeState,
// applyUpdate, computeDiffAgainstVector — plus a comment-map accessor. The
// rest of the server only ever talks to a *Replica; the CRDT library stays
// a black box behind it.
package crdtdoc

import (
	"encoding/json"
	"sort"

	"notecollab/internal/apperr"
	"notecollab/luvjson/common"
	"notecollab/luvjson/crdt"
	"notecollab/luvjson/crdtpatch"
)

// Field names of the fixed document shape: a root object with a text
// content string and a comments map, both present even when empty.
const (
	FieldContent  = "content"
	FieldComments = "comments"
)

// Well-known IDs for the document's container nodes. These use the zero
// SessionID (reserved the same way common.RootID reserves it) with fixed
// counters so every replica — server and client alike — materializes the
// shared containers under identical IDs; only genuine per-edit operations
// mint session-scoped timestamps.
var (
	rootObjID   = common.LogicalTimestamp{SID: common.SessionID{}, Counter: 1}
	contentID   = common.LogicalTimestamp{SID: common.SessionID{}, Counter: 2}
	commentsID  = common.LogicalTimestamp{SID: common.SessionID{}, Counter: 3}
)

// CommentRecord is the fixed schema for an entry in the comments map.
// UpsertComment writes only these fields. ApplyUpdate does not check comment
// entries in client updates against this schema, so unknown keys arriving
// that way are stored as sent; Comments ignores them when decoding.
type CommentRecord struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId,omitempty"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Position  *int   `json:"position,omitempty"`
	Resolved  bool   `json:"resolved"`
	CreatedAt int64  `json:"createdAt"`
}

// Replica is the authoritative CRDT state for one document.
type Replica struct {
	sessionID common.SessionID
	doc       *crdt.Document
	builder   *crdtpatch.PatchBuilder
}

// New creates a fresh, empty replica with its shape already materialized:
// an empty content string and an empty comments map, so a brand-new
// document and one loaded from storage agree on shape (§4.3.3).
func New(sessionID common.SessionID) *Replica {
	r := &Replica{
		sessionID: sessionID,
		doc:       crdt.NewDocument(sessionID),
		builder:   crdtpatch.NewPatchBuilder(sessionID, 1),
	}
	r.materializeShape()
	return r
}

// LoadState decodes a previously encoded snapshot (produced by EncodeState)
// into a live replica.
func LoadState(sessionID common.SessionID, data []byte) (*Replica, error) {
	doc := crdt.NewDocument(sessionID)
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode crdt snapshot", err)
	}

	// NextTimestamp reserves and returns the next unused counter for this
	// session against the loaded clock; handing it straight to the builder
	// keeps the builder's clock consistent with the document's.
	nextCounter := doc.NextTimestamp().Counter
	r := &Replica{
		sessionID: sessionID,
		doc:       doc,
		builder:   crdtpatch.NewPatchBuilder(sessionID, nextCounter),
	}

	if _, err := doc.GetNode(contentID); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "snapshot missing content container", err)
	}
	if _, err := doc.GetNode(commentsID); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "snapshot missing comments container", err)
	}

	return r, nil
}

func (r *Replica) materializeShape() {
	root := crdt.NewLWWObjectNode(rootObjID)
	content := crdt.NewRGAStringNode(contentID)
	comments := crdt.NewLWWObjectNode(commentsID)

	r.doc.AddNode(root)
	r.doc.AddNode(content)
	r.doc.AddNode(comments)

	root.Set(FieldContent, r.builder.NextTimestamp(), content)
	root.Set(FieldComments, r.builder.NextTimestamp(), comments)

	_ = r.doc.SetRoot(rootObjID)
}

func (r *Replica) contentNode() (*crdt.RGAStringNode, error) {
	node, err := r.doc.GetNode(contentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "content container missing", err)
	}
	str, ok := node.(*crdt.RGAStringNode)
	if !ok {
		return nil, apperr.New(apperr.KindFatal, "content container has unexpected type")
	}
	return str, nil
}

func (r *Replica) commentsNode() (*crdt.LWWObjectNode, error) {
	node, err := r.doc.GetNode(commentsID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "comments container missing", err)
	}
	obj, ok := node.(*crdt.LWWObjectNode)
	if !ok {
		return nil, apperr.New(apperr.KindFatal, "comments container has unexpected type")
	}
	return obj, nil
}

// EncodeState returns the full, self-describing snapshot of the replica —
// the durable form written to Store and the payload of a full-state sync.
func (r *Replica) EncodeState() ([]byte, error) {
	data, err := r.doc.MarshalJSON()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "encode crdt state", err)
	}
	return data, nil
}

// ApplyUpdate decodes an incremental update frame (a crdtpatch.Patch in its
// verbose wire JSON) and merges it into the replica.
func (r *Replica) ApplyUpdate(update []byte) error {
	patch := &crdtpatch.Patch{}
	if err := json.Unmarshal(update, patch); err != nil {
		return apperr.Wrap(apperr.KindProtocolError, "decode update frame", err)
	}
	if err := patch.Apply(r.doc); err != nil {
		return apperr.Wrap(apperr.KindProtocolError, "apply update frame", err)
	}
	return nil
}

// ComputeDiffAgainstVector computes the update a peer needs to reach the
// replica's current state, given the peer's state vector. This replica
// treats the comparison conservatively: documents are small enough that a
// full resync is cheap, so the "diff" is simply the full encoded state
// whenever the peer reports anything less than the replica's own vector,
// and nil when the peer is already caught up. See DESIGN.md for why this
// satisfies the black-box contract without a true incremental diff.
func (r *Replica) ComputeDiffAgainstVector(peerVector map[string]uint64) ([]byte, error) {
	localVector := r.stateVector()
	if vectorCovers(peerVector, localVector) {
		return nil, nil
	}
	return r.EncodeState()
}

// StateVectorForWire exposes the replica's state vector for the SyncStep1
// handshake frame.
func (r *Replica) StateVectorForWire() map[string]uint64 {
	return r.stateVector()
}

// CommentsContainerID exposes the well-known comments map id so callers
// outside the package (docsession's immediate-persist trigger) can
// recognize a comment-map mutation without reaching into CRDT internals.
func CommentsContainerID() common.LogicalTimestamp {
	return commentsID
}

// PatchTargets returns the TargetID of every operation in an encoded update
// frame, letting a caller classify a patch (e.g. "did this touch the
// comments map?") without applying it.
func PatchTargets(update []byte) ([]common.LogicalTimestamp, error) {
	patch := &crdtpatch.Patch{}
	if err := json.Unmarshal(update, patch); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocolError, "decode update frame", err)
	}

	var targets []common.LogicalTimestamp
	for _, op := range patch.Operations() {
		switch o := op.(type) {
		case *crdtpatch.InsOperation:
			targets = append(targets, o.TargetID)
		case *crdtpatch.DelOperation:
			targets = append(targets, o.TargetID)
		}
	}
	return targets, nil
}

// stateVector returns the replica's own state vector (session id string ->
// highest counter observed), grounded in the teacher's
// luvjson/crdtsync.StateVector shape.
func (r *Replica) stateVector() map[string]uint64 {
	vector := make(map[string]uint64)
	r.walkCounters(r.doc.Root(), vector)
	return vector
}

func (r *Replica) walkCounters(node crdt.Node, vector map[string]uint64) {
	if node == nil {
		return
	}
	id := node.ID()
	sidStr := id.SID.String()
	if id.Counter > vector[sidStr] {
		vector[sidStr] = id.Counter
	}

	switch n := node.(type) {
	case *crdt.LWWValueNode:
		r.walkCounters(n.NodeValue, vector)
	case *crdt.LWWObjectNode:
		for _, key := range n.Keys() {
			r.walkCounters(n.Get(key), vector)
		}
	case *crdt.RGAStringNode:
		// Element IDs may run ahead of the node's own id; account for them.
		for _, elem := range n.NodeElements {
			elemSID := elem.NodeId.SID.String()
			if elem.NodeId.Counter > vector[elemSID] {
				vector[elemSID] = elem.NodeId.Counter
			}
		}
	}
}

func vectorCovers(peer, local map[string]uint64) bool {
	for sid, count := range local {
		if peer[sid] < count {
			return false
		}
	}
	return true
}

// TextProjection returns the canonical plain/markdown text the replica
// currently holds.
func (r *Replica) TextProjection() (string, error) {
	content, err := r.contentNode()
	if err != nil {
		return "", err
	}
	return content.String(), nil
}

// SeedText materializes initial content from a non-realtime text field,
// used when a stored row has a textProjection but no crdtSnapshot yet
// (§4.3 lifecycle step 1). Must only be called on a freshly materialized,
// still-empty replica.
func (r *Replica) SeedText(text string) error {
	if text == "" {
		return nil
	}
	content, err := r.contentNode()
	if err != nil {
		return err
	}
	if content.Length() != 0 {
		return apperr.New(apperr.KindFatal, "SeedText called on non-empty content")
	}
	if ok := content.Insert(common.RootID, r.builder.NextTimestamp(), text); !ok {
		return apperr.New(apperr.KindFatal, "seed insert rejected")
	}
	return nil
}

// ReplaceText clears the current content and inserts newText, returning the
// update frame bytes to broadcast to attached clients. Used for HTTP-driven
// full-content writes that must stay coherent with a live session.
func (r *Replica) ReplaceText(newText string) ([]byte, error) {
	content, err := r.contentNode()
	if err != nil {
		return nil, err
	}

	patch := crdtpatch.NewPatch(r.builder.CurrentTimestamp())

	if startID, endID, ok := elementSpan(content); ok {
		del := &crdtpatch.DelOperation{
			ID:       r.builder.NextTimestamp(),
			TargetID: contentID,
			StartID:  startID,
			EndID:    endID,
		}
		if err := del.Apply(r.doc); err != nil {
			return nil, apperr.Wrap(apperr.KindFatal, "clear content", err)
		}
		patch.AddOperation(del)
	}

	if newText != "" {
		ins := &crdtpatch.InsOperation{
			ID:       r.builder.NextTimestamp(),
			TargetID: contentID,
			RefID:    common.RootID,
			Value:    newText,
		}
		if err := ins.Apply(r.doc); err != nil {
			return nil, apperr.Wrap(apperr.KindFatal, "insert content", err)
		}
		patch.AddOperation(ins)
	}

	return json.Marshal(patch)
}

// Comments returns every comment currently in the comment map, sorted by id
// for deterministic output.
func (r *Replica) Comments() ([]CommentRecord, error) {
	comments, err := r.commentsNode()
	if err != nil {
		return nil, err
	}

	out := make([]CommentRecord, 0, len(comments.Keys()))
	for _, key := range comments.Keys() {
		node := comments.Get(key)
		rec, err := decodeCommentRecord(node)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertComment adds or replaces a comment entry as a single keyed-map
// mutation (§4.3.3) and returns the update frame to broadcast.
func (r *Replica) UpsertComment(rec CommentRecord) ([]byte, error) {
	if rec.ID == "" {
		return nil, apperr.New(apperr.KindValidation, "comment id required")
	}

	valueMap, err := commentToValueMap(rec)
	if err != nil {
		return nil, err
	}

	patch := crdtpatch.NewPatch(r.builder.CurrentTimestamp())
	ins := &crdtpatch.InsOperation{
		ID:       r.builder.NextTimestamp(),
		TargetID: commentsID,
		// InsOperation on an object target sets one field per map entry;
		// a single-entry map keeps this a single keyed-field mutation.
		Value: map[string]interface{}{rec.ID: valueMap},
	}
	if err := ins.Apply(r.doc); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "upsert comment", err)
	}
	patch.AddOperation(ins)

	return json.Marshal(patch)
}

// DeleteComment removes a comment entry and returns the update frame to
// broadcast.
func (r *Replica) DeleteComment(id string) ([]byte, error) {
	comments, err := r.commentsNode()
	if err != nil {
		return nil, err
	}
	if comments.Get(id) == nil {
		return nil, apperr.New(apperr.KindNotFound, "comment not found")
	}

	patch := crdtpatch.NewPatch(r.builder.CurrentTimestamp())
	del := &crdtpatch.DelOperation{
		ID:       r.builder.NextTimestamp(),
		TargetID: commentsID,
		Key:      id,
	}
	if err := del.Apply(r.doc); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "delete comment", err)
	}
	patch.AddOperation(del)

	return json.Marshal(patch)
}

func decodeCommentRecord(node crdt.Node) (CommentRecord, error) {
	var rec CommentRecord
	if node == nil {
		return rec, apperr.New(apperr.KindFatal, "nil comment node")
	}
	raw, err := json.Marshal(node.Value())
	if err != nil {
		return rec, apperr.Wrap(apperr.KindFatal, "marshal comment value", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, apperr.Wrap(apperr.KindFatal, "decode comment record", err)
	}
	return rec, nil
}

func commentToValueMap(rec CommentRecord) (map[string]interface{}, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "marshal comment", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode comment", err)
	}
	return m, nil
}

// elementSpan returns the id of the first and last element currently held
// by an RGA string node (deleted or not), the span DelOperation needs to
// clear the whole node.
func elementSpan(n *crdt.RGAStringNode) (first, last common.LogicalTimestamp, ok bool) {
	if len(n.NodeElements) == 0 {
		return common.LogicalTimestamp{}, common.LogicalTimestamp{}, false
	}
	return n.NodeElements[0].NodeId, n.NodeElements[len(n.NodeElements)-1].NodeId, true
}
