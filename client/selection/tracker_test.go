package selection

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
)

var ann = common.User{Name: "ann", Color: "#f00", BgColor: "#fdd"}

func cursor(version, pos int) *common.SelectionPayload {
	return &common.SelectionPayload{
		Version:   version,
		User:      ann,
		Selection: common.Selection{Ranges: []common.Range{{Anchor: pos, Head: pos}}},
	}
}

func span(version, anchor, head int) *common.SelectionPayload {
	return &common.SelectionPayload{
		Version:   version,
		User:      ann,
		Selection: common.Selection{Ranges: []common.Range{{Anchor: anchor, Head: head}}},
	}
}

func ranges(t *testing.T, tr *Tracker, id string) []common.Range {
	ps, ok := tr.Get(id)
	require.True(t, ok, id)
	return ps.Selection.Ranges
}

func ins(t *testing.T, docLen, pos int, s string) changeset.ChangeSet {
	cs, err := changeset.Insertion(docLen, pos, s)
	require.NoError(t, err)
	return cs
}

func TestAcceptAndStale(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, DiscardedStale, tr.OnSelectionBroadcastReceived("p", cursor(3, 0), 5))
	assert.Equal(t, 0, tr.Len())

	assert.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(5, 2), 5))
	ps, ok := tr.Get("p")
	require.True(t, ok)
	assert.Equal(t, 5, ps.Version)
	assert.Equal(t, ann, ps.User)

	// Same version again replaces.
	assert.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(5, 1), 5))
	assert.Equal(t, []common.Range{{Anchor: 1, Head: 1}}, ranges(t, tr, "p"))
}

func TestOutOfOrder(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(7, 1), 7))
	assert.Equal(t, DiscardedOutOfOrder, tr.OnSelectionBroadcastReceived("p", cursor(6, 4), 6))
	assert.Equal(t, []common.Range{{Anchor: 1, Head: 1}}, ranges(t, tr, "p"))
	// A newer but stale selection leaves the entry alone too.
	assert.Equal(t, DiscardedStale, tr.OnSelectionBroadcastReceived("p", cursor(9, 4), 7))
	assert.Equal(t, []common.Range{{Anchor: 1, Head: 1}}, ranges(t, tr, "p"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(0, 0), 0))
	assert.Equal(t, Removed, tr.OnSelectionBroadcastReceived("p", nil, 0))
	assert.Equal(t, Removed, tr.OnSelectionBroadcastReceived("p", nil, 0))
	assert.Equal(t, 0, tr.Len())
	tr.Remove("p")
	tr.Remove("nobody")
	assert.Empty(t, tr.SelectionsForRendering())
}

func TestPlainMapping(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("cur", cursor(0, 2), 0))
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("fwd", span(0, 2, 4), 0))
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("bwd", span(0, 4, 2), 0))

	// Someone else inserts at 2 and at 4 of "abcdef".
	cs, err := changeset.Compose(ins(t, 6, 2, "X"), ins(t, 7, 5, "Y"))
	require.NoError(t, err)
	tr.OnDocumentChange(cs, "other", false)

	assert.Equal(t, []common.Range{{Anchor: 2, Head: 2}}, ranges(t, tr, "cur"))
	assert.Equal(t, []common.Range{{Anchor: 3, Head: 5}}, ranges(t, tr, "fwd"))
	assert.Equal(t, []common.Range{{Anchor: 5, Head: 3}}, ranges(t, tr, "bwd"))
}

func TestDeletionCollapsesRange(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", span(0, 2, 4), 0))
	cs, err := changeset.Deletion(6, 1, 5)
	require.NoError(t, err)
	tr.OnDocumentChange(cs, "other", false)
	assert.Equal(t, []common.Range{{Anchor: 1, Head: 1}}, ranges(t, tr, "p"))
}

func TestOptimisticCursor(t *testing.T) {
	tr := NewTracker()
	// "ab|c": p's cursor at 2; p types X at 2.
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(0, 2), 0))
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("q", cursor(0, 2), 0))
	cs := ins(t, 3, 2, "X")
	tr.OnDocumentChange(cs, "p", false)

	assert.Equal(t, []common.Range{{Anchor: 3, Head: 3}}, ranges(t, tr, "p"))
	// Other participants map plainly and stay before the insertion.
	assert.Equal(t, []common.Range{{Anchor: 2, Head: 2}}, ranges(t, tr, "q"))
}

func TestOptimisticCursorReplacement(t *testing.T) {
	tr := NewTracker()
	// p selected "bc" of "abcd", then typed over it: the cursor sits at the
	// end of the replaced range when the edit arrives.
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(0, 3), 0))
	cs, err := changeset.Replacement(4, 1, 3, "XYZ")
	require.NoError(t, err)
	tr.OnDocumentChange(cs, "p", false)
	assert.Equal(t, []common.Range{{Anchor: 4, Head: 4}}, ranges(t, tr, "p"))
}

func TestOptimisticFallsBack(t *testing.T) {
	tr := NewTracker()
	// Cursor not at the end of any edit.
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", cursor(0, 0), 0))
	// Non-empty range of the origin.
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("r", span(0, 0, 2), 0))
	cs := ins(t, 3, 2, "X")
	tr.OnDocumentChange(cs, "p", false)
	tr.OnDocumentChange(ins(t, 4, 2, "Y"), "r", false)
	assert.Equal(t, []common.Range{{Anchor: 0, Head: 0}}, ranges(t, tr, "p"))
	assert.Equal(t, []common.Range{{Anchor: 0, Head: 2}}, ranges(t, tr, "r"))
}

func TestOwnChangeMapsPlainly(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("me", cursor(0, 2), 0))
	// A local change with origin "me" does not get the correction.
	tr.OnDocumentChange(ins(t, 3, 2, "X"), "me", true)
	assert.Equal(t, []common.Range{{Anchor: 2, Head: 2}}, ranges(t, tr, "me"))
}

func TestSelectionsForRendering(t *testing.T) {
	tr := NewTracker()
	two := &common.SelectionPayload{
		Version: 0,
		User:    ann,
		Selection: common.Selection{Main: 1, Ranges: []common.Range{
			{Anchor: 0, Head: 1}, {Anchor: 3, Head: 3},
		}},
	}
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("zed", cursor(0, 5), 0))
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("amy", two, 0))

	want := []PeerRange{
		{ParticipantID: "amy", User: ann, Range: common.Range{Anchor: 0, Head: 1}},
		{ParticipantID: "amy", User: ann, Range: common.Range{Anchor: 3, Head: 3}, Main: true},
		{ParticipantID: "zed", User: ann, Range: common.Range{Anchor: 5, Head: 5}, Main: true},
	}
	if diff := cmp.Diff(want, tr.SelectionsForRendering()); diff != "" {
		t.Errorf("SelectionsForRendering mismatch (-want +got):\n%s", diff)
	}
}

func TestTooltipHides(t *testing.T) {
	now := time.Unix(100, 0)
	tr := NewTracker(WithTooltipHideDelay(time.Second))
	tr.now = func() time.Time { return now }
	tooltips := func() []bool {
		var out []bool
		for _, r := range tr.SelectionsForRendering() {
			out = append(out, r.ShowTooltip)
		}
		return out
	}

	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", span(0, 0, 1), 0))
	assert.Equal(t, []bool{true}, tooltips())
	now = now.Add(time.Second)
	assert.Equal(t, []bool{false}, tooltips())

	// Typing moves the cursor and shows the name again.
	tr.OnDocumentChange(ins(t, 3, 1, "X"), "p", false)
	assert.Equal(t, []bool{true}, tooltips())
	// Edits by others do not.
	now = now.Add(2 * time.Second)
	tr.OnDocumentChange(ins(t, 4, 0, "Y"), "q", false)
	assert.Equal(t, []bool{false}, tooltips())

	// Without a delay there is never a tooltip.
	plain := NewTracker()
	require.Equal(t, Accepted, plain.OnSelectionBroadcastReceived("p", cursor(0, 0), 0))
	assert.False(t, plain.SelectionsForRendering()[0].ShowTooltip)
}

func TestBroadcastPayloadIsCopied(t *testing.T) {
	tr := NewTracker()
	p := cursor(0, 1)
	require.Equal(t, Accepted, tr.OnSelectionBroadcastReceived("p", p, 0))
	p.Selection.Ranges[0].Head = 9
	assert.Equal(t, []common.Range{{Anchor: 1, Head: 1}}, ranges(t, tr, "p"))
}

func TestConcurrentUse(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.OnSelectionBroadcastReceived("p", cursor(0, 0), 0)
				tr.OnDocumentChange(changeset.Identity(0), "q", false)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.SelectionsForRendering()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, tr.Len())
}
