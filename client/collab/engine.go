package collab

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/peercollab/peercollab/client/selection"
	"github.com/peercollab/peercollab/server/changeset"
	"github.com/peercollab/peercollab/server/common"
	"github.com/peercollab/peercollab/server/errors"
)

// State is the connection state of an Engine.
type State int

const (
	Idle State = iota
	Pushing
	Pulling
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case Pulling:
		return "pulling"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// PushResult is the authority's answer to a push.
type PushResult struct {
	FromVersion int
	Updates     []common.Update // the pushed updates as appended
	Rebased     bool
}

// Events receives notifications from a Connection. Nil fields are ignored.
type Events struct {
	OnUpdates       func(fromVersion int, updates []common.Update)
	OnPeerSelection func(clientID string, p *common.SelectionPayload)
	OnConnected     func()
	OnDisconnected  func()
}

// Subscription is returned by Connection.Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Connection is the request/response and notification channel to the
// authority for one document.
type Connection interface {
	GetDocument(ctx context.Context) (version int, doc string, err error)
	PullUpdates(ctx context.Context, version int) (fromVersion int, updates []common.Update, err error)
	PushUpdates(ctx context.Context, version int, updates []common.Update) (PushResult, error)
	PushSelection(ctx context.Context, clientID string, p *common.SelectionPayload) error
	Subscribe(Events) Subscription
}

// Options configures an Engine.
type Options struct {
	ClientID    string
	User        common.User
	PushDelay   time.Duration // debounce before pushing local edits
	PullTimeout time.Duration // deadline of every round trip
	Logger      *slog.Logger
	Tracker     *selection.Tracker // created if nil
	// TooltipHideDelay is how long a peer's name stays next to its cursor
	// after it moves. Only used when Tracker is nil.
	TooltipHideDelay time.Duration
	// OnChange is called on the engine goroutine for every change applied to
	// the local document, local edits included.
	OnChange func(DocChange)
}

const (
	DefaultPushDelay   = 100 * time.Millisecond
	DefaultPullTimeout = 3 * time.Second
)

type batch struct {
	fromVersion int
	updates     []common.Update
}

// Snapshot is a point-in-time view of an Engine.
type Snapshot struct {
	ClientID    string
	State       State
	Version     int
	Text        string
	Unconfirmed int
	Buffered    int
}

// Engine runs the sync protocol for one local replica. All state is owned by
// a single goroutine; methods post work to it.
type Engine struct {
	conn    Connection
	opts    Options
	logger  *slog.Logger
	tracker *selection.Tracker

	inbox     chan func()
	quit      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// Events that arrive before the document is loaded wait in early.
	earlyMu sync.Mutex
	early   []func()
	running bool

	// Owned by the run goroutine.
	doc            *Document
	state          State
	connected      bool
	buffered       []batch
	pushTimer      *time.Timer
	retryTimer     *time.Timer
	selection      *common.Selection
	selectionDirty bool
	sub            Subscription
}

// NewEngine returns an engine that syncs over conn once started.
func NewEngine(conn Connection, opts Options) *Engine {
	if opts.PushDelay <= 0 {
		opts.PushDelay = DefaultPushDelay
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = DefaultPullTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = selection.NewTracker(selection.WithTooltipHideDelay(opts.TooltipHideDelay))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conn:      conn,
		opts:      opts,
		logger:    opts.Logger.With("client", opts.ClientID),
		tracker:   opts.Tracker,
		inbox:     make(chan func(), 256),
		quit:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		connected: true,
	}
}

// Start loads the document and starts syncing. It fails with
// errors.ErrDocumentLoad if the document cannot be fetched; Start may then be
// called again.
//
// The engine subscribes before fetching the snapshot so that updates
// committed while the snapshot is in flight are not lost. Those already in
// the snapshot are skipped by version.
func (e *Engine) Start(ctx context.Context) error {
	e.earlyMu.Lock()
	running := e.running
	e.earlyMu.Unlock()
	if running {
		return errors.New("collab: engine already started")
	}
	if e.sub == nil {
		e.sub = e.conn.Subscribe(Events{
			OnUpdates: func(from int, updates []common.Update) {
				e.event(func() { e.onUpdates(batch{fromVersion: from, updates: updates}) })
			},
			OnPeerSelection: func(id string, p *common.SelectionPayload) {
				e.event(func() { e.onPeerSelection(id, p) })
			},
			OnConnected:    func() { e.event(e.onConnected) },
			OnDisconnected: func() { e.event(e.onDisconnected) },
		})
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.PullTimeout)
	defer cancel()
	version, text, err := e.conn.GetDocument(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrDocumentLoad, "%v", err)
	}
	e.doc = NewDocument(e.opts.ClientID, version, text)
	e.state = Idle
	e.logger.Info("document loaded", "version", version)

	e.earlyMu.Lock()
	early := e.early
	e.early = nil
	e.running = true
	e.earlyMu.Unlock()
	// The run goroutine is not started yet, so the queued events run here in
	// arrival order, ahead of anything posted from now on.
	for _, f := range early {
		f()
	}
	go e.run()
	return nil
}

// event hands a subscription callback to the engine goroutine, or queues it
// until the document is loaded.
func (e *Engine) event(f func()) {
	e.earlyMu.Lock()
	if !e.running {
		e.early = append(e.early, f)
		e.earlyMu.Unlock()
		return
	}
	e.earlyMu.Unlock()
	e.post(f)
}

func (e *Engine) run() {
	for {
		select {
		case f := <-e.inbox:
			f()
		case <-e.quit:
			return
		}
	}
}

// post queues f for the engine goroutine.
func (e *Engine) post(f func()) {
	select {
	case e.inbox <- f:
	case <-e.quit:
	}
}

// do runs f on the engine goroutine and waits for it.
func (e *Engine) do(f func()) error {
	done := make(chan struct{})
	select {
	case e.inbox <- func() { f(); close(done) }:
	case <-e.quit:
		return errors.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return errors.ErrClosed
	}
}

// Close stops the engine. Unconfirmed updates are dropped.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
		e.cancel()
		if e.sub != nil {
			e.sub.Unsubscribe()
		}
	})
	return nil
}

// Tracker returns the peer selection tracker fed by the engine.
func (e *Engine) Tracker() *selection.Tracker { return e.tracker }

// Edit applies a local change to the document and schedules a push.
func (e *Engine) Edit(cs changeset.ChangeSet) error {
	var err error
	if derr := e.do(func() { err = e.edit(cs) }); derr != nil {
		return derr
	}
	return err
}

// Replace replaces runes [from, to) of the current text with text.
func (e *Engine) Replace(from, to int, text string) error {
	var err error
	derr := e.do(func() {
		var cs changeset.ChangeSet
		cs, err = changeset.Replacement(len([]rune(e.doc.Text())), from, to, text)
		if err == nil {
			err = e.edit(cs)
		}
	})
	if derr != nil {
		return derr
	}
	return err
}

func (e *Engine) edit(cs changeset.ChangeSet) error {
	if err := e.doc.Edit(cs); err != nil {
		return err
	}
	e.tracker.OnDocumentChange(cs, e.opts.ClientID, true)
	if e.selection != nil {
		e.mapSelection(cs)
	}
	e.notify(DocChange{Changes: cs, Origin: e.opts.ClientID, Own: true})
	e.schedulePush()
	return nil
}

// SetSelection records the local selection and broadcasts it once the
// replica has no unconfirmed updates.
func (e *Engine) SetSelection(s common.Selection) error {
	return e.do(func() {
		sel := common.Selection{Main: s.Main, Ranges: append([]common.Range(nil), s.Ranges...)}
		e.selection = &sel
		e.selectionDirty = true
		e.emitSelection()
	})
}

// Selection returns the local selection, mapped through every change applied
// since it was set.
func (e *Engine) Selection() (common.Selection, bool, error) {
	var s common.Selection
	var ok bool
	err := e.do(func() {
		if e.selection != nil {
			s = common.Selection{Main: e.selection.Main, Ranges: append([]common.Range(nil), e.selection.Ranges...)}
			ok = true
		}
	})
	return s, ok, err
}

// Text returns the local text and synced version.
func (e *Engine) Text() (string, int, error) {
	var text string
	var version int
	err := e.do(func() { text, version = e.doc.Text(), e.doc.Version() })
	return text, version, err
}

// State returns the connection state. It fails with errors.ErrClosed once the
// engine is closed.
func (e *Engine) State() (State, error) {
	s := Disconnected
	err := e.do(func() { s = e.state })
	return s, err
}

// Snapshot returns a view of the engine state.
func (e *Engine) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := e.do(func() {
		s = Snapshot{
			ClientID:    e.opts.ClientID,
			State:       e.state,
			Version:     e.doc.Version(),
			Text:        e.doc.Text(),
			Unconfirmed: len(e.doc.unconfirmed),
			Buffered:    len(e.buffered),
		}
	})
	return s, err
}

// Synced reports whether every local update has been confirmed.
func (e *Engine) Synced() (bool, error) {
	synced := false
	err := e.do(func() { synced = e.state == Idle && !e.doc.HasUnconfirmed() && e.pushTimer == nil })
	return synced, err
}

func (e *Engine) notify(c DocChange) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(c)
	}
}

func (e *Engine) schedulePush() {
	if e.pushTimer != nil {
		return
	}
	e.pushTimer = time.AfterFunc(e.opts.PushDelay, func() {
		e.post(func() {
			e.pushTimer = nil
			e.push()
		})
	})
}

func (e *Engine) push() {
	if e.state != Idle {
		return
	}
	updates := e.doc.Sendable()
	if len(updates) == 0 {
		return
	}
	e.state = Pushing
	version := e.doc.Version()
	e.logger.Debug("push", "version", version, "count", len(updates))
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.PullTimeout)
		defer cancel()
		res, err := e.conn.PushUpdates(ctx, version, updates)
		e.post(func() { e.onPushDone(res, err) })
	}()
}

func (e *Engine) onPushDone(res PushResult, err error) {
	if err != nil {
		e.logger.Warn("push failed", "err", err)
		if e.state == Pushing {
			e.state = Idle
			e.flush(nil)
		}
		e.schedulePush()
		return
	}
	b := batch{fromVersion: res.FromVersion, updates: res.Updates}
	switch e.state {
	case Pushing:
		e.state = Idle
		e.flush(&b)
	case Idle:
		e.apply([]batch{b})
	default:
		e.buffered = append(e.buffered, b)
	}
	if e.doc.HasUnconfirmed() {
		e.schedulePush()
	}
}

func (e *Engine) pull() {
	e.state = Pulling
	version := e.doc.Version()
	e.logger.Debug("pull", "version", version)
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.PullTimeout)
		defer cancel()
		from, updates, err := e.conn.PullUpdates(ctx, version)
		e.post(func() { e.onPullDone(from, updates, err) })
	}()
}

func (e *Engine) onPullDone(from int, updates []common.Update, err error) {
	if e.state != Pulling {
		if err == nil {
			e.onUpdates(batch{fromVersion: from, updates: updates})
		}
		return
	}
	if err != nil {
		e.logger.Warn("pull failed", "err", err)
		e.state = Disconnected
		if e.connected {
			e.scheduleRetry()
		}
		return
	}
	e.state = Idle
	e.flush(&batch{fromVersion: from, updates: updates})
	e.push()
}

// scheduleRetry repeats the reconnect pull while the transport reports a live
// connection.
func (e *Engine) scheduleRetry() {
	if e.retryTimer != nil {
		return
	}
	e.retryTimer = time.AfterFunc(e.opts.PullTimeout, func() {
		e.post(func() {
			e.retryTimer = nil
			if e.state == Disconnected && e.connected {
				e.pull()
			}
		})
	})
}

func (e *Engine) onUpdates(b batch) {
	if e.state != Idle {
		e.buffered = append(e.buffered, b)
		return
	}
	e.apply([]batch{b})
}

// flush applies the buffered batches plus extra in one pass.
func (e *Engine) flush(extra *batch) {
	batches := e.buffered
	e.buffered = nil
	if extra != nil {
		batches = append(batches, *extra)
	}
	e.apply(batches)
}

// apply folds batches into the replica in version order and reports the
// resulting changes.
func (e *Engine) apply(batches []batch) {
	if len(batches) == 0 {
		return
	}
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].fromVersion < batches[j].fromVersion })
	needPull := false
	version := e.doc.Version()
	for _, b := range batches {
		changes, gap, err := e.doc.Receive(b.fromVersion, b.updates)
		for _, c := range changes {
			e.tracker.OnDocumentChange(c.Changes, c.Origin, false)
			if e.selection != nil {
				e.mapSelection(c.Changes)
			}
			e.notify(c)
		}
		if err != nil {
			e.logger.Error("apply updates", "from", b.fromVersion, "err", err)
			needPull = true
			break
		}
		if gap {
			e.logger.Debug("gap in updates", "from", b.fromVersion, "version", e.doc.Version())
			needPull = true
		}
	}
	if !e.doc.HasUnconfirmed() && (e.doc.Version() != version || e.selectionDirty) {
		e.emitSelection()
	}
	if needPull && e.state == Idle {
		e.pull()
	}
}

func (e *Engine) onPeerSelection(id string, p *common.SelectionPayload) {
	if id == e.opts.ClientID {
		return
	}
	outcome := e.tracker.OnSelectionBroadcastReceived(id, p, e.doc.Version())
	e.logger.Debug("peer selection", "peer", id, "outcome", outcome.String())
}

func (e *Engine) onConnected() {
	e.connected = true
	if e.state == Disconnected {
		e.logger.Info("reconnected, pulling", "version", e.doc.Version())
		e.pull()
	}
}

func (e *Engine) onDisconnected() {
	e.connected = false
	e.state = Disconnected
	e.logger.Info("disconnected")
}

func (e *Engine) mapSelection(cs changeset.ChangeSet) {
	for i, r := range e.selection.Ranges {
		e.selection.Ranges[i] = selection.MapRange(r, cs)
	}
}

func (e *Engine) emitSelection() {
	if e.selection == nil {
		return
	}
	if e.doc.HasUnconfirmed() || e.state == Disconnected {
		e.selectionDirty = true
		return
	}
	p := &common.SelectionPayload{
		Version:   e.doc.Version(),
		User:      e.opts.User,
		Selection: common.Selection{Main: e.selection.Main, Ranges: append([]common.Range(nil), e.selection.Ranges...)},
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.PullTimeout)
	defer cancel()
	if err := e.conn.PushSelection(ctx, e.opts.ClientID, p); err != nil {
		e.logger.Warn("push selection", "err", err)
		e.selectionDirty = true
		return
	}
	e.selectionDirty = false
}
