package authority

import (
	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
)

// Rebase transforms updates, made against the document before over, so that
// they apply after over. Insertions in over win ties with insertions in
// updates.
//
// A leading run of over entries from the same clients as the head of updates
// is taken to be an earlier delivery of those updates: they are dropped from
// the result instead of being applied twice.
func Rebase(updates, over []common.Update) ([]common.Update, error) {
	if len(updates) == 0 || len(over) == 0 {
		return updates, nil
	}
	// changes maps the document after updates[:skip] to the document after the
	// over entries processed so far. nil means identity.
	var changes *changeset.ChangeSet
	skip := 0
	for _, o := range over {
		if skip < len(updates) && updates[skip].ClientID == o.ClientID {
			if changes != nil {
				_, c, err := changeset.Transform(updates[skip].Changes, *changes)
				if err != nil {
					return nil, err
				}
				changes = &c
			}
			skip++
			continue
		}
		if changes == nil {
			c := o.Changes
			changes = &c
			continue
		}
		c, err := changeset.Compose(*changes, o.Changes)
		if err != nil {
			return nil, err
		}
		changes = &c
	}
	updates = updates[skip:]
	if changes == nil {
		return updates, nil
	}
	out := make([]common.Update, 0, len(updates))
	for _, u := range updates {
		mapped, next, err := changeset.Transform(u.Changes, *changes)
		if err != nil {
			return nil, err
		}
		changes = &next
		out = append(out, common.Update{ClientID: u.ClientID, Changes: mapped, Effects: u.Effects})
	}
	return out, nil
}
