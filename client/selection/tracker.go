// Package selection tracks the cursors and selections of remote
// participants and keeps them valid while the local document changes.
package selection

import (
	"sort"
	"sync"
	"time"

	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
)

// ParticipantSelection is the last accepted selection of one participant.
type ParticipantSelection struct {
	ParticipantID string
	Version       int
	User          common.User
	Selection     common.Selection
	// Moved is when the selection was last accepted or followed an edit
	// typed by the participant.
	Moved time.Time
}

// Outcome is the result of a selection broadcast.
type Outcome int

const (
	Accepted Outcome = iota
	Removed
	// DiscardedOutOfOrder: a newer selection from the same participant was
	// already accepted.
	DiscardedOutOfOrder
	// DiscardedStale: the selection refers to a version other than the local
	// one and cannot be placed.
	DiscardedStale
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Removed:
		return "removed"
	case DiscardedOutOfOrder:
		return "discarded-out-of-order"
	case DiscardedStale:
		return "discarded-stale"
	}
	return "unknown"
}

// PeerRange is one range to draw.
type PeerRange struct {
	ParticipantID string
	User          common.User
	Range         common.Range
	Main          bool
	// ShowTooltip is set on the main range while the participant's name
	// should be displayed next to the cursor.
	ShowTooltip bool
}

// Tracker holds peer selections. It is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	peers       map[string]*ParticipantSelection
	tooltipHide time.Duration
	now         func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTooltipHideDelay shows a participant's name tooltip for d after its
// cursor moves. With no delay tooltips are never shown.
func WithTooltipHideDelay(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.tooltipHide = d }
}

// NewTracker returns an empty Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{peers: make(map[string]*ParticipantSelection), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnSelectionBroadcastReceived records a selection broadcast by id. A nil
// payload removes id. localVersion is the synced version of the local
// document.
func (t *Tracker) OnSelectionBroadcastReceived(id string, p *common.SelectionPayload, localVersion int) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p == nil {
		delete(t.peers, id)
		return Removed
	}
	if cur, ok := t.peers[id]; ok && cur.Version > p.Version {
		return DiscardedOutOfOrder
	}
	if p.Version != localVersion {
		return DiscardedStale
	}
	t.peers[id] = &ParticipantSelection{
		ParticipantID: id,
		Version:       p.Version,
		User:          p.User,
		Selection:     cloneSelection(p.Selection),
		Moved:         t.now(),
	}
	return Accepted
}

// OnDocumentChange maps every tracked selection through cs, which was made by
// origin. If the change is remote, the origin's own cursor is moved to the end
// of the edit it typed.
func (t *Tracker) OnDocumentChange(cs changeset.ChangeSet, origin string, own bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var changes []changeset.Change
	for id, ps := range t.peers {
		if !own && id == origin {
			if changes == nil {
				changes = cs.Changes()
			}
			mapOptimistic(&ps.Selection, cs, changes)
			ps.Moved = t.now()
			continue
		}
		mapPlain(&ps.Selection, cs)
	}
}

// Remove forgets id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Get returns a copy of the selection of id.
func (t *Tracker) Get(id string) (ParticipantSelection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[id]
	if !ok {
		return ParticipantSelection{}, false
	}
	out := *ps
	out.Selection = cloneSelection(ps.Selection)
	return out, true
}

// Len returns the number of tracked participants.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// SelectionsForRendering returns every tracked range, ordered by participant
// ID and then by range order.
func (t *Tracker) SelectionsForRendering() []PeerRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := t.now()
	var out []PeerRange
	for _, id := range ids {
		ps := t.peers[id]
		tooltip := t.tooltipHide > 0 && now.Sub(ps.Moved) < t.tooltipHide
		for i, r := range ps.Selection.Ranges {
			main := i == ps.Selection.Main
			out = append(out, PeerRange{
				ParticipantID: id,
				User:          ps.User,
				Range:         r,
				Main:          main,
				ShowTooltip:   main && tooltip,
			})
		}
	}
	return out
}

// mapPlain maps cursors so they stay before text inserted at them, and
// ranges so they do not grow over text inserted at their edges.
func mapPlain(s *common.Selection, cs changeset.ChangeSet) {
	for i, r := range s.Ranges {
		s.Ranges[i] = MapRange(r, cs)
	}
}

// MapRange maps r through cs: a cursor with assoc -1, a range with its lower
// end associating right and its upper end associating left.
func MapRange(r common.Range, cs changeset.ChangeSet) common.Range {
	if r.Empty() {
		p := cs.MapPos(r.Head, -1)
		return common.Range{Anchor: p, Head: p}
	}
	from, to := cs.MapPos(r.From(), 1), cs.MapPos(r.To(), -1)
	if to < from {
		to = from
	}
	if r.Anchor <= r.Head {
		return common.Range{Anchor: from, Head: to}
	}
	return common.Range{Anchor: to, Head: from}
}

// mapOptimistic moves a cursor sitting at the end of exactly one replaced
// range to the end of the text that replaced it. Anything else is mapped
// plainly.
func mapOptimistic(s *common.Selection, cs changeset.ChangeSet, changes []changeset.Change) {
	for i, r := range s.Ranges {
		if !r.Empty() {
			s.Ranges[i] = MapRange(r, cs)
			continue
		}
		match := -1
		for j, c := range changes {
			if c.ToA == r.Head {
				if match >= 0 {
					match = -2
					break
				}
				match = j
			}
		}
		if match < 0 {
			s.Ranges[i] = MapRange(r, cs)
			continue
		}
		p := changes[match].ToB
		s.Ranges[i] = common.Range{Anchor: p, Head: p}
	}
}

func cloneSelection(s common.Selection) common.Selection {
	return common.Selection{Main: s.Main, Ranges: append([]common.Range(nil), s.Ranges...)}
}
