// Package proto defines the wire envelope for the realtime transport: a
// leading kind byte followed by a JSON payload, one frame per websocket
// message. Grounded in the teacher's encoder/decoder strategy family
// (luvjson/crdtpubsub.EncoderDecoder), adapted from a family of
// patch-specific codecs to a single tagged envelope carrying the protocol's
// several frame kinds (§4.3.1).
package proto

import (
	"encoding/json"
	"fmt"
)

// Kind tags a frame's payload shape.
type Kind byte

const (
	KindSyncStep1       Kind = 1
	KindSyncStep2       Kind = 2
	KindUpdate          Kind = 3
	KindAwarenessUpdate Kind = 4
	KindAuth            Kind = 5
	KindDeleted         Kind = 6
	KindServerGoingAway Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "SyncStep1"
	case KindSyncStep2:
		return "SyncStep2"
	case KindUpdate:
		return "Update"
	case KindAwarenessUpdate:
		return "AwarenessUpdate"
	case KindAuth:
		return "Auth"
	case KindDeleted:
		return "Deleted"
	case KindServerGoingAway:
		return "ServerGoingAway"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// SyncStep1Payload carries a replica's state vector.
type SyncStep1Payload struct {
	Vector map[string]uint64 `json:"vector"`
}

// SyncStep2Payload carries the update a peer needs to catch up, or nil if
// the peer already has everything.
type SyncStep2Payload struct {
	Update []byte `json:"update,omitempty"`
}

// UpdatePayload carries an incremental crdtpatch.Patch, already serialized.
type UpdatePayload struct {
	Update []byte `json:"update"`
}

// AwarenessPayload carries one user's presence record, or a removal.
type AwarenessPayload struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	Color       string          `json:"color,omitempty"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	Selection   json.RawMessage `json:"selection,omitempty"`
	Removed     bool            `json:"removed,omitempty"`
}

// AuthPayload carries the reserved authentication challenge/response hook.
type AuthPayload struct {
	Token string `json:"token,omitempty"`
}

// DeletedPayload is the terminal frame sent when a document is deleted out
// of band while clients are attached.
type DeletedPayload struct {
	DocumentID string `json:"documentId"`
}

// Encode builds the wire bytes for a frame: one kind byte followed by the
// JSON encoding of payload.
func Encode(kind Kind, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}

// Decode splits a raw frame into its kind and payload bytes. The caller
// unmarshals payload into the struct matching kind.
func Decode(frame []byte) (Kind, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return Kind(frame[0]), frame[1:], nil
}
