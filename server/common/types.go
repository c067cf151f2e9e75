// Package common defines the update model and the wire messages exchanged
// between participants and the authority.
package common

import (
	"bytes"
	"encoding/json"

	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/errors"
)

// Update is one participant's edit plus attribution. Updates are immutable
// once created.
type Update struct {
	ClientID string              `json:"clientID"`
	Changes  changeset.ChangeSet `json:"changes"`
	Effects  []json.RawMessage   `json:"effects,omitempty"`
}

// UnmarshalJSON requires clientID and changes and rejects unknown keys.
func (u *Update) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	for _, k := range []string{"clientID", "changes"} {
		if _, ok := keys[k]; !ok {
			return errors.Errorf("update: missing %s", k)
		}
	}
	type plain Update
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode((*plain)(u))
}

// User is the presentation metadata broadcast with a selection.
type User struct {
	Name    string `json:"name"`
	Color   string `json:"color"`
	BgColor string `json:"bgColor"`
}

// Range is a cursor (Anchor == Head) or a selected span.
type Range struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Empty reports whether r is a cursor.
func (r Range) Empty() bool { return r.Anchor == r.Head }

// From returns the lower end of r.
func (r Range) From() int { return min(r.Anchor, r.Head) }

// To returns the upper end of r.
func (r Range) To() int { return max(r.Anchor, r.Head) }

// Selection is an ordered set of ranges; Main indexes the primary one.
type Selection struct {
	Main   int     `json:"main"`
	Ranges []Range `json:"ranges"`
}

// SelectionPayload is one participant's selection as of a document version.
type SelectionPayload struct {
	Version   int       `json:"version"`
	User      User      `json:"user"`
	Selection Selection `json:"selection"`
}

// Message types.
const (
	TypeGetDocument     = "getDocument"
	TypeDocument        = "document"
	TypePullUpdates     = "pullUpdates"
	TypeUpdates         = "updates"
	TypePushUpdates     = "pushUpdates"
	TypePushAck         = "pushAck"
	TypeUpdatesReceived = "updatesReceived"
	TypePushSelection   = "pushSelection"
	TypePeerSelection   = "peerSelection"
	TypeError           = "error"
)

// Header carries the message type tag. Each message embeds it.
type Header struct {
	Type string `json:"type"`
}

func (h *Header) header() *Header { return h }

// Message is implemented by every wire message.
type Message interface {
	MessageType() string
	header() *Header
}

// Sent from client to server.
type GetDocument struct {
	Header
	ReqID uint64 `json:"reqID"`
}

// Sent from server to client.
type Document struct {
	Header
	ReqID   uint64 `json:"reqID"`
	Version int    `json:"version"`
	Doc     string `json:"doc"`
}

// Sent from client to server.
type PullUpdates struct {
	Header
	ReqID   uint64 `json:"reqID"`
	Version int    `json:"version"`
}

// Sent from server to client in reply to PullUpdates.
type Updates struct {
	Header
	ReqID       uint64   `json:"reqID"`
	FromVersion int      `json:"fromVersion"` // version of Updates[0]
	Updates     []Update `json:"updates"`
}

// Sent from client to server.
type PushUpdates struct {
	Header
	ReqID   uint64   `json:"reqID"`
	Version int      `json:"version"` // version the updates were made against
	Updates []Update `json:"updates"`
}

// Sent from server to the pushing client.
type PushAck struct {
	Header
	ReqID       uint64   `json:"reqID"`
	FromVersion int      `json:"fromVersion"`
	Updates     []Update `json:"updates"` // as appended to the log
	Rebased     bool     `json:"rebased"`
}

// Sent from server to every client of the document, the pusher included.
type UpdatesReceived struct {
	Header
	FromVersion int      `json:"fromVersion"`
	Updates     []Update `json:"updates"`
	Rebased     bool     `json:"rebased"`
}

// Sent from client to server. A nil Selection clears the sender's selection.
type PushSelection struct {
	Header
	ClientID  string            `json:"clientID"`
	Selection *SelectionPayload `json:"selection"`
}

// Sent from server to every other client of the document.
type PeerSelection struct {
	Header
	ClientID  string            `json:"clientID"`
	Selection *SelectionPayload `json:"selection"`
}

// Sent from server to client when a request fails.
type Error struct {
	Header
	ReqID   uint64 `json:"reqID"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*GetDocument) MessageType() string     { return TypeGetDocument }
func (*Document) MessageType() string        { return TypeDocument }
func (*PullUpdates) MessageType() string     { return TypePullUpdates }
func (*Updates) MessageType() string         { return TypeUpdates }
func (*PushUpdates) MessageType() string     { return TypePushUpdates }
func (*PushAck) MessageType() string         { return TypePushAck }
func (*UpdatesReceived) MessageType() string { return TypeUpdatesReceived }
func (*PushSelection) MessageType() string   { return TypePushSelection }
func (*PeerSelection) MessageType() string   { return TypePeerSelection }
func (*Error) MessageType() string           { return TypeError }
