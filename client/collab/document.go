// Package collab keeps a local replica of a shared document in sync with
// the authority: local edits are applied at once and pushed in batches, and
// updates accepted by the authority are folded in without losing unsent
// local work.
package collab

import (
	"encoding/json"

	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
)

// DocChange is one change applied to the local document.
type DocChange struct {
	Changes changeset.ChangeSet
	Origin  string // client that made the change
	Own     bool   // made locally
}

// Document is a local replica: the authority's text at Version with the
// unconfirmed local updates applied on top. It is not safe for concurrent
// use; Engine serializes access to it.
type Document struct {
	clientID    string
	text        string
	version     int
	unconfirmed []common.Update
}

// NewDocument returns a replica of text at version, editing as clientID.
func NewDocument(clientID string, version int, text string) *Document {
	return &Document{clientID: clientID, text: text, version: version}
}

func (d *Document) ClientID() string { return d.clientID }

// Text returns the local text, unconfirmed updates included.
func (d *Document) Text() string { return d.text }

// Version returns the number of authority updates folded in.
func (d *Document) Version() int { return d.version }

// HasUnconfirmed reports whether local updates await confirmation.
func (d *Document) HasUnconfirmed() bool { return len(d.unconfirmed) > 0 }

// Sendable returns the updates to push, oldest first.
func (d *Document) Sendable() []common.Update {
	return append([]common.Update(nil), d.unconfirmed...)
}

// Edit applies a local change and queues it for the authority.
func (d *Document) Edit(cs changeset.ChangeSet, effects ...json.RawMessage) error {
	text, err := cs.Apply(d.text)
	if err != nil {
		return err
	}
	d.text = text
	d.unconfirmed = append(d.unconfirmed, common.Update{ClientID: d.clientID, Changes: cs, Effects: effects})
	return nil
}

// Receive folds authority updates starting at fromVersion into the replica
// and returns the changes applied to the local text. Updates already folded
// in are skipped. gap is set, and nothing applied, if fromVersion is past the
// local version.
//
// Each update from this client confirms the oldest unconfirmed update, which
// has already been transformed over every update preceding it in the log.
// Other updates are transformed over the unconfirmed ones before being
// applied, and the unconfirmed ones over them.
func (d *Document) Receive(fromVersion int, updates []common.Update) (changes []DocChange, gap bool, err error) {
	if fromVersion > d.version {
		return nil, true, nil
	}
	skip := d.version - fromVersion
	if skip >= len(updates) {
		return nil, false, nil
	}
	for _, u := range updates[skip:] {
		if u.ClientID == d.clientID && len(d.unconfirmed) > 0 {
			if u.Changes.Len() != d.unconfirmed[0].Changes.Len() {
				return changes, false, errors.Wrapf(errors.ErrMalformedMessage,
					"version %d: own update has length %d, expected %d", d.version, u.Changes.Len(), d.unconfirmed[0].Changes.Len())
			}
			d.unconfirmed = d.unconfirmed[1:]
			d.version++
			continue
		}
		c := u.Changes
		for i := range d.unconfirmed {
			mine, theirs, err := changeset.Transform(d.unconfirmed[i].Changes, c)
			if err != nil {
				return changes, false, errors.Wrapf(err, "version %d", d.version)
			}
			d.unconfirmed[i].Changes = mine
			c = theirs
		}
		text, err := c.Apply(d.text)
		if err != nil {
			return changes, false, errors.Wrapf(err, "version %d", d.version)
		}
		d.text = text
		d.version++
		changes = append(changes, DocChange{Changes: c, Origin: u.ClientID})
	}
	return changes, false, nil
}
