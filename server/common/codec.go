package common

import (
	"bytes"
	"encoding/json"

	"github.com/peercollab/peercollab/server/errors"
)

// required lists, per message type, the keys that must be present.
var required = map[string][]string{
	TypeGetDocument:     {"reqID"},
	TypeDocument:        {"reqID", "version", "doc"},
	TypePullUpdates:     {"reqID", "version"},
	TypeUpdates:         {"reqID", "fromVersion", "updates"},
	TypePushUpdates:     {"reqID", "version", "updates"},
	TypePushAck:         {"reqID", "fromVersion", "updates"},
	TypeUpdatesReceived: {"fromVersion", "updates"},
	TypePushSelection:   {"clientID", "selection"},
	TypePeerSelection:   {"clientID", "selection"},
	TypeError:           {"code", "message"},
}

func newMessage(typ string) Message {
	switch typ {
	case TypeGetDocument:
		return &GetDocument{}
	case TypeDocument:
		return &Document{}
	case TypePullUpdates:
		return &PullUpdates{}
	case TypeUpdates:
		return &Updates{}
	case TypePushUpdates:
		return &PushUpdates{}
	case TypePushAck:
		return &PushAck{}
	case TypeUpdatesReceived:
		return &UpdatesReceived{}
	case TypePushSelection:
		return &PushSelection{}
	case TypePeerSelection:
		return &PeerSelection{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// Encode sets the message's type tag and marshals it.
func Encode(m Message) ([]byte, error) {
	m.header().Type = m.MessageType()
	return json.Marshal(m)
}

// Decode parses and validates one wire message. Every failure wraps
// errors.ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedMessage, err.Error())
	}
	if fields == nil {
		return nil, errors.Wrap(errors.ErrMalformedMessage, "not an object")
	}
	var typ string
	if raw, ok := fields["type"]; !ok || json.Unmarshal(raw, &typ) != nil {
		return nil, errors.Wrap(errors.ErrMalformedMessage, "missing type")
	}
	m := newMessage(typ)
	if m == nil {
		return nil, errors.Wrapf(errors.ErrMalformedMessage, "unknown type %q", typ)
	}
	for _, k := range required[typ] {
		if _, ok := fields[k]; !ok {
			return nil, errors.Wrapf(errors.ErrMalformedMessage, "%s: missing %s", typ, k)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedMessage, "%s: %v", typ, err)
	}
	if err := validate(m); err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedMessage, "%s: %v", typ, err)
	}
	return m, nil
}

func validate(m Message) error {
	switch m := m.(type) {
	case *Document:
		if m.Version < 0 {
			return errors.New("negative version")
		}
	case *PullUpdates:
		if m.Version < 0 {
			return errors.New("negative version")
		}
	case *Updates:
		return validateUpdates(m.FromVersion, m.Updates)
	case *PushUpdates:
		return validateUpdates(m.Version, m.Updates)
	case *PushAck:
		return validateUpdates(m.FromVersion, m.Updates)
	case *UpdatesReceived:
		return validateUpdates(m.FromVersion, m.Updates)
	case *PushSelection:
		return validateSelection(m.ClientID, m.Selection)
	case *PeerSelection:
		return validateSelection(m.ClientID, m.Selection)
	}
	return nil
}

func validateUpdates(version int, updates []Update) error {
	if version < 0 {
		return errors.New("negative version")
	}
	if updates == nil {
		return errors.New("null updates")
	}
	for i, u := range updates {
		if u.ClientID == "" {
			return errors.Errorf("update %d: empty clientID", i)
		}
		if i > 0 && updates[i-1].Changes.NewLen() != u.Changes.Len() {
			return errors.Errorf("update %d: does not chain onto update %d", i, i-1)
		}
	}
	return nil
}

func validateSelection(clientID string, p *SelectionPayload) error {
	if clientID == "" {
		return errors.New("empty clientID")
	}
	if p == nil {
		return nil
	}
	if p.Version < 0 {
		return errors.New("negative version")
	}
	s := p.Selection
	if len(s.Ranges) == 0 {
		return errors.New("selection has no ranges")
	}
	if s.Main < 0 || s.Main >= len(s.Ranges) {
		return errors.Errorf("main index %d out of range", s.Main)
	}
	for i, r := range s.Ranges {
		if r.Anchor < 0 || r.Head < 0 {
			return errors.Errorf("range %d: negative position", i)
		}
	}
	return nil
}
