package commentsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	syncv1 "campus/contracts/commentsync/v1"
)

// Phase is the per-topic synchronization state visible to the presentation layer.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseSyncing
	PhaseLive
	PhaseDegraded
)

// String returns the lowercase phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseSyncing:
		return "syncing"
	case PhaseLive:
		return "live"
	case PhaseDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	defaultPendingTimeout  = 12 * time.Second
	defaultOrphanTTL       = 30 * time.Second
	defaultOrphanCap       = 64
	defaultMutationTimeout = 15 * time.Second

	reconcilerMailboxSize = 256
	reconcilerSweepEvery  = 1 * time.Second

	// Window for matching an uncorrelated echo to a pending create by
	// content+author, covering brokers that do not echo correlation ids.
	echoFallbackWindow = 30 * time.Second
)

type writeOp string

const (
	opCreate writeOp = "create"
	opUpdate writeOp = "update"
	opDelete writeOp = "delete"
)

// pendingWrite tracks one locally submitted mutation awaiting its echo.
type pendingWrite struct {
	corr        string
	op          writeOp
	commentID   string
	content     string
	authorID    string
	submittedAt time.Time
}

type orphanReply struct {
	c      Comment
	heldAt time.Time
}

// ---- mailbox messages ----

type recMsg interface{ isRecMsg() }

type seedMsg struct{ comments []Comment }
type remoteCreatedMsg struct{ p syncv1.CommentEventPayload }
type remoteUpdatedMsg struct{ p syncv1.CommentEventPayload }
type remoteDeletedMsg struct{ p syncv1.CommentDeletedPayload }
type degradedMsg struct{}
type restoredMsg struct{}
type snapshotMsg struct {
	seq      uint64
	comments []Comment
	err      error
}
type mutationFailedMsg struct {
	corr string
	err  error
}
type submitMsg struct {
	op       writeOp
	identity Identity
	content  string
	parentID string
	targetID string
	resp     chan submitResult
}
type submitResult struct {
	corr string
	err  error
}
type watchMsg struct {
	id int64
	ch chan []Comment
}
type unwatchMsg struct{ id int64 }

func (seedMsg) isRecMsg()           {}
func (remoteCreatedMsg) isRecMsg()  {}
func (remoteUpdatedMsg) isRecMsg()  {}
func (remoteDeletedMsg) isRecMsg()  {}
func (degradedMsg) isRecMsg()       {}
func (restoredMsg) isRecMsg()       {}
func (snapshotMsg) isRecMsg()       {}
func (mutationFailedMsg) isRecMsg() {}
func (submitMsg) isRecMsg()         {}
func (watchMsg) isRecMsg()          {}
func (unwatchMsg) isRecMsg()        {}

// reconciler is the per-topic state machine. All tree and pending-write state
// is owned by a single goroutine fed through one ordered mailbox, so
// interleavings are deterministic and no two reconciliation steps for the same
// topic ever run concurrently.
type reconciler struct {
	log       *slog.Logger
	kind      ContentKind
	contentID string
	topic     string

	fetcher SnapshotFetcher
	mutator Mutator
	metrics *Metrics

	pendingTimeout  time.Duration
	orphanTTL       time.Duration
	orphanCap       int
	mutationTimeout time.Duration

	phase atomic.Int32

	mailbox  chan recMsg
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	nextWatcherID atomic.Int64

	// Loop-owned state. Never touched outside run().
	seeded       bool
	tree         *TreeStore
	pending      map[string]*pendingWrite
	orphans      []orphanReply
	watchers     map[int64]chan []Comment
	resyncSeq    uint64
	resyncCancel context.CancelFunc
}

type reconcilerConfig struct {
	log       *slog.Logger
	kind      ContentKind
	contentID string
	topic     string
	fetcher   SnapshotFetcher
	mutator   Mutator
	metrics   *Metrics

	pendingTimeout  time.Duration
	orphanTTL       time.Duration
	orphanCap       int
	mutationTimeout time.Duration
}

func newReconciler(cfg reconcilerConfig) *reconciler {
	if cfg.pendingTimeout <= 0 {
		cfg.pendingTimeout = defaultPendingTimeout
	}
	if cfg.orphanTTL <= 0 {
		cfg.orphanTTL = defaultOrphanTTL
	}
	if cfg.orphanCap <= 0 {
		cfg.orphanCap = defaultOrphanCap
	}
	if cfg.mutationTimeout <= 0 {
		cfg.mutationTimeout = defaultMutationTimeout
	}

	r := &reconciler{
		log:             cfg.log.With("topic", cfg.topic),
		kind:            cfg.kind,
		contentID:       cfg.contentID,
		topic:           cfg.topic,
		fetcher:         cfg.fetcher,
		mutator:         cfg.mutator,
		metrics:         cfg.metrics,
		pendingTimeout:  cfg.pendingTimeout,
		orphanTTL:       cfg.orphanTTL,
		orphanCap:       cfg.orphanCap,
		mutationTimeout: cfg.mutationTimeout,
		mailbox:         make(chan recMsg, reconcilerMailboxSize),
		stop:            make(chan struct{}),
		loopDone:        make(chan struct{}),
		tree:            NewTreeStore(),
		pending:         make(map[string]*pendingWrite),
		watchers:        make(map[int64]chan []Comment),
	}
	go r.run()
	return r
}

// Phase returns the current synchronization phase.
func (r *reconciler) Phase() Phase { return Phase(r.phase.Load()) }

// Stop terminates the mailbox loop and cancels any in-flight resync fetch.
// Pending mutation calls already sent are deliberately left to complete.
func (r *reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Seed populates the tree from the initial snapshot. Ignored once seeded:
// a second widget attaching to the same topic reuses the live tree.
func (r *reconciler) Seed(comments []Comment) {
	r.enqueue(seedMsg{comments: comments})
}

// MarkDegraded signals a connectivity loss for this topic.
func (r *reconciler) MarkDegraded() { r.enqueue(degradedMsg{}) }

// MarkResubscribed signals a successful resubscribe; the reconciler fetches a
// fresh snapshot and merges it to bridge any events missed while disconnected.
func (r *reconciler) MarkResubscribed() { r.enqueue(restoredMsg{}) }

// HandleRaw is the transport dispatch target for this topic.
func (r *reconciler) HandleRaw(topic string, data []byte) {
	var env syncv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn("sync.event.malformed", "err", err)
		return
	}
	if err := env.Validate(); err != nil {
		r.log.Warn("sync.event.invalid", "err", err)
		return
	}

	switch env.Type {
	case syncv1.TypeCommentCreated:
		var p syncv1.CommentEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.log.Warn("sync.event.malformed", "type", env.Type, "err", err)
			return
		}
		r.enqueue(remoteCreatedMsg{p: p})

	case syncv1.TypeCommentUpdated:
		var p syncv1.CommentEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.log.Warn("sync.event.malformed", "type", env.Type, "err", err)
			return
		}
		r.enqueue(remoteUpdatedMsg{p: p})

	case syncv1.TypeCommentDeleted:
		var p syncv1.CommentDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.log.Warn("sync.event.malformed", "type", env.Type, "err", err)
			return
		}
		r.enqueue(remoteDeletedMsg{p: p})

	default:
		// Control-plane envelopes (subscribe acks) are not reconciliation input.
	}
}

// Submit applies an optimistic local write and fires the external mutation.
// It waits only for the in-memory reconciliation step, never for the network.
func (r *reconciler) Submit(ctx context.Context, op writeOp, identity Identity, content, parentID, targetID string) (string, error) {
	m := submitMsg{
		op:       op,
		identity: identity,
		content:  content,
		parentID: parentID,
		targetID: targetID,
		resp:     make(chan submitResult, 1),
	}

	select {
	case r.mailbox <- m:
	case <-r.stop:
		return "", ErrDetached
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-m.resp:
		return res.corr, res.err
	case <-r.stop:
		return "", ErrDetached
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Watch registers a coalescing snapshot stream. The current ordered list is
// delivered immediately, then after every reconciliation step that changed it.
func (r *reconciler) Watch() (int64, <-chan []Comment) {
	id := r.nextWatcherID.Add(1)
	ch := make(chan []Comment, 1)
	r.enqueue(watchMsg{id: id, ch: ch})
	return id, ch
}

// Unwatch removes a watcher registered with Watch.
func (r *reconciler) Unwatch(id int64) { r.enqueue(unwatchMsg{id: id}) }

func (r *reconciler) enqueue(m recMsg) {
	select {
	case r.mailbox <- m:
	case <-r.stop:
	}
}

// ---- mailbox loop ----

func (r *reconciler) run() {
	defer close(r.loopDone)

	ticker := time.NewTicker(reconcilerSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			if r.resyncCancel != nil {
				r.resyncCancel()
			}
			return
		case m := <-r.mailbox:
			if r.handle(m) {
				r.notifyWatchers()
			}
		case now := <-ticker.C:
			if r.sweep(now.UTC()) {
				r.notifyWatchers()
			}
		}
	}
}

func (r *reconciler) handle(m recMsg) (changed bool) {
	switch m := m.(type) {
	case seedMsg:
		return r.onSeed(m.comments)
	case remoteCreatedMsg:
		return r.onRemoteCreated(m.p)
	case remoteUpdatedMsg:
		return r.onRemoteUpdated(m.p)
	case remoteDeletedMsg:
		return r.onRemoteDeleted(m.p)
	case degradedMsg:
		return r.onDegraded()
	case restoredMsg:
		r.onResubscribed()
		return false
	case snapshotMsg:
		return r.onSnapshot(m)
	case mutationFailedMsg:
		return r.onMutationFailed(m.corr, m.err)
	case submitMsg:
		return r.onSubmit(m)
	case watchMsg:
		r.watchers[m.id] = m.ch
		deliver(m.ch, r.tree.OrderedList())
		return false
	case unwatchMsg:
		delete(r.watchers, m.id)
		return false
	default:
		return false
	}
}

func (r *reconciler) onSeed(comments []Comment) bool {
	if r.seeded {
		return false
	}
	r.seeded = true

	// A seed while degraded (subscription refused) still populates the tree:
	// the engine shows the snapshot read-only until realtime comes back.
	degraded := r.Phase() == PhaseDegraded
	if !degraded {
		r.phase.Store(int32(PhaseSyncing))
	}

	r.insertSnapshot(comments)

	if !degraded {
		r.phase.Store(int32(PhaseLive))
	}
	r.log.Debug("sync.seeded", "comments", r.tree.Len())
	return true
}

// insertSnapshot inserts a server-ordered flat snapshot, top-level before
// replies, dropping replies whose parent is absent from the same snapshot.
func (r *reconciler) insertSnapshot(comments []Comment) {
	for _, c := range comments {
		if c.IsReply() {
			continue
		}
		c.State = StateConfirmed
		if err := r.tree.Insert(c); err != nil {
			r.log.Warn("sync.seed.skip", "comment_id", c.ID, "err", err)
		}
	}
	for _, c := range comments {
		if !c.IsReply() {
			continue
		}
		c.State = StateConfirmed
		if err := r.tree.Insert(c); err != nil {
			r.log.Warn("sync.seed.skip", "comment_id", c.ID, "err", err)
		}
	}
}

func (r *reconciler) onRemoteCreated(p syncv1.CommentEventPayload) bool {
	r.metrics.eventApplied(syncv1.TypeCommentCreated)

	// Echo path: the broker confirmed one of our optimistic entries.
	if corr := r.matchPendingCreate(p); corr != "" {
		delete(r.pending, corr)
		r.metrics.echoMatched()
		return r.confirmLocal(corr, p)
	}

	// Late echo: the pending write already timed out but the entry is still
	// in the tree marked failed. Upgrading keeps the dedup invariant.
	if p.ClientCorrelationID != "" {
		if _, ok := r.tree.GetByCorrelation(p.ClientCorrelationID); ok {
			return r.confirmLocal(p.ClientCorrelationID, p)
		}
	}

	// New comment from another actor.
	c := commentFromEvent(p)
	c.ClientCorrelationID = ""

	err := r.tree.Insert(c)
	switch err {
	case nil:
		r.flushOrphans(c.ID)
		return true
	case errDuplicateID:
		// At-least-once delivery: a redelivered event is dropped.
		return false
	case errParentMissing:
		r.bufferOrphan(c)
		return false
	default:
		return false
	}
}

// matchPendingCreate finds the pending create confirmed by this event: by
// correlation id first, then by content+author within the fallback window.
func (r *reconciler) matchPendingCreate(p syncv1.CommentEventPayload) string {
	if p.ClientCorrelationID != "" {
		if pw, ok := r.pending[p.ClientCorrelationID]; ok && pw.op == opCreate {
			return pw.corr
		}
		return ""
	}

	now := time.Now().UTC()
	for corr, pw := range r.pending {
		if pw.op != opCreate {
			continue
		}
		if pw.content == p.Content && pw.authorID == p.AuthorID &&
			now.Sub(pw.submittedAt) <= echoFallbackWindow {
			return corr
		}
	}
	return ""
}

// confirmLocal replaces the optimistic entry for corr with the confirmed
// comment, or drops it when the confirmed id already arrived another way.
func (r *reconciler) confirmLocal(corr string, p syncv1.CommentEventPayload) bool {
	if r.tree.HasID(p.CommentID) {
		// The correlation index may still point at the entry this event
		// already confirmed: a redelivered echo must not remove it.
		if cur, ok := r.tree.GetByCorrelation(corr); ok && cur.ID == p.CommentID {
			return false
		}
		return r.tree.RemoveByCorrelation(corr)
	}

	c := commentFromEvent(p)
	c.ClientCorrelationID = corr
	if r.tree.ReplaceByCorrelation(corr, c) {
		r.flushOrphans(c.ID)
		return true
	}

	// Pending entry vanished (e.g. parent thread deleted). Insert fresh.
	if err := r.tree.Insert(c); err == nil {
		r.flushOrphans(c.ID)
		return true
	}
	return false
}

func (r *reconciler) onRemoteUpdated(p syncv1.CommentEventPayload) bool {
	r.metrics.eventApplied(syncv1.TypeCommentUpdated)

	// Resolve a matching local pending edit; server content wins on conflict.
	for corr, pw := range r.pending {
		if pw.op == opUpdate && pw.commentID == p.CommentID {
			delete(r.pending, corr)
			r.metrics.echoMatched()
			break
		}
	}

	if !r.tree.Update(p.CommentID, p.Content, p.EditedAt) {
		r.metrics.staleEventIgnored()
		r.log.Debug("sync.update.stale", "comment_id", p.CommentID)
		return false
	}
	return true
}

func (r *reconciler) onRemoteDeleted(p syncv1.CommentDeletedPayload) bool {
	r.metrics.eventApplied(syncv1.TypeCommentDeleted)

	for corr, pw := range r.pending {
		if pw.op == opDelete && pw.commentID == p.CommentID {
			delete(r.pending, corr)
			r.metrics.echoMatched()
			break
		}
	}

	removed := r.tree.Remove(p.CommentID)
	orphansDropped := r.dropOrphansFor(p.CommentID)

	if len(removed) == 0 && !orphansDropped {
		r.metrics.staleEventIgnored()
		r.log.Debug("sync.delete.stale", "comment_id", p.CommentID)
		return false
	}
	return len(removed) > 0
}

func (r *reconciler) onSubmit(m submitMsg) bool {
	now := time.Now().UTC()

	switch m.op {
	case opCreate:
		if m.content == "" {
			m.resp <- submitResult{err: ErrEmptyContent}
			return false
		}
		if m.parentID != "" {
			parent, ok := r.tree.Get(m.parentID)
			if !ok || parent.IsReply() {
				m.resp <- submitResult{err: ErrUnknownComment}
				return false
			}
		}

		corr := newCorrelationID(now)
		c := Comment{
			ClientCorrelationID: corr,
			ParentID:            m.parentID,
			AuthorID:            m.identity.AuthorID,
			AuthorDisplay:       m.identity.AuthorDisplay,
			Content:             m.content,
			CreatedAt:           now, // placeholder, overwritten on confirmation
			State:               StatePending,
		}
		if err := r.tree.Insert(c); err != nil {
			m.resp <- submitResult{err: err}
			return false
		}

		r.pending[corr] = &pendingWrite{
			corr: corr, op: opCreate,
			content: m.content, authorID: m.identity.AuthorID,
			submittedAt: now,
		}
		r.fireMutation(opCreate, corr, m)
		m.resp <- submitResult{corr: corr}
		return true

	case opUpdate:
		if m.content == "" {
			m.resp <- submitResult{err: ErrEmptyContent}
			return false
		}
		if !r.tree.ApplyLocalEdit(m.targetID, m.content) {
			m.resp <- submitResult{err: ErrUnknownComment}
			return false
		}

		corr := newCorrelationID(now)
		r.pending[corr] = &pendingWrite{
			corr: corr, op: opUpdate,
			commentID: m.targetID, content: m.content,
			authorID: m.identity.AuthorID, submittedAt: now,
		}
		r.fireMutation(opUpdate, corr, m)
		m.resp <- submitResult{corr: corr}
		return true

	case opDelete:
		if len(r.tree.Remove(m.targetID)) == 0 {
			m.resp <- submitResult{err: ErrUnknownComment}
			return false
		}

		corr := newCorrelationID(now)
		r.pending[corr] = &pendingWrite{
			corr: corr, op: opDelete,
			commentID: m.targetID, submittedAt: now,
		}
		r.fireMutation(opDelete, corr, m)
		m.resp <- submitResult{corr: corr}
		return true

	default:
		m.resp <- submitResult{err: ErrUnknownComment}
		return false
	}
}

// fireMutation triggers the external mutation call without blocking the loop.
// The context is detached deliberately: Detach must not cancel publish calls
// already sent, their eventual broadcast is simply ignored once unsubscribed.
func (r *reconciler) fireMutation(op writeOp, corr string, m submitMsg) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.mutationTimeout)
		defer cancel()

		var err error
		switch op {
		case opCreate:
			err = r.mutator.CreateComment(ctx, CreateCommentInput{
				Kind: r.kind, ContentID: r.contentID,
				ClientCorrelationID: corr,
				AuthorID:            m.identity.AuthorID,
				AuthorDisplay:       m.identity.AuthorDisplay,
				ParentID:            m.parentID,
				Content:             m.content,
			})
		case opUpdate:
			err = r.mutator.UpdateComment(ctx, UpdateCommentInput{
				Kind: r.kind, ContentID: r.contentID,
				ClientCorrelationID: corr,
				CommentID:           m.targetID,
				Content:             m.content,
			})
		case opDelete:
			err = r.mutator.DeleteComment(ctx, DeleteCommentInput{
				Kind: r.kind, ContentID: r.contentID,
				ClientCorrelationID: corr,
				CommentID:           m.targetID,
			})
		}

		if err != nil {
			r.enqueue(mutationFailedMsg{corr: corr, err: err})
		}
	}()
}

func (r *reconciler) onMutationFailed(corr string, err error) bool {
	pw, ok := r.pending[corr]
	if !ok {
		return false
	}
	delete(r.pending, corr)

	r.log.Warn("sync.mutation.fail", "op", string(pw.op), "correlation_id", corr, "err", err)

	switch pw.op {
	case opCreate:
		return r.tree.MarkFailed(corr)
	case opUpdate:
		return r.tree.MarkFailedByID(pw.commentID)
	default:
		// The optimistic removal already happened; nothing to roll back.
		return false
	}
}

func (r *reconciler) onDegraded() bool {
	if r.resyncCancel != nil {
		r.resyncCancel()
		r.resyncCancel = nil
	}
	if r.Phase() == PhaseDegraded {
		return false
	}
	r.phase.Store(int32(PhaseDegraded))
	r.log.Info("sync.degraded")
	return true
}

// onResubscribed starts the post-reconnect resync fetch. The phase stays
// degraded until the snapshot merge succeeds.
func (r *reconciler) onResubscribed() {
	if r.Phase() != PhaseDegraded {
		return
	}
	if r.resyncCancel != nil {
		r.resyncCancel()
	}

	r.resyncSeq++
	seq := r.resyncSeq

	ctx, cancel := context.WithCancel(context.Background())
	r.resyncCancel = cancel

	go func() {
		comments, err := r.fetcher.FetchComments(ctx, r.kind, r.contentID)
		r.enqueue(snapshotMsg{seq: seq, comments: comments, err: err})
	}()
}

func (r *reconciler) onSnapshot(m snapshotMsg) bool {
	if m.seq != r.resyncSeq {
		return false // superseded by a newer resync
	}
	r.resyncCancel = nil

	if m.err != nil {
		r.log.Warn("sync.resync.fail", "err", m.err)
		return false
	}

	changed := r.mergeSnapshot(m.comments)
	r.phase.Store(int32(PhaseLive))
	r.metrics.resyncDone()
	r.log.Info("sync.resync.done", "comments", r.tree.Len())
	return changed
}

// mergeSnapshot reconciles a fresh authoritative snapshot into the live tree:
// confirmed-equal entries are untouched, locally pending entries keep their
// fate with the pending-write timeout, snapshot-only entries are inserted and
// confirmed entries missing from the snapshot were deleted while disconnected.
func (r *reconciler) mergeSnapshot(snapshot []Comment) bool {
	changed := false

	inSnap := make(map[string]struct{}, len(snapshot))
	for _, c := range snapshot {
		inSnap[c.ID] = struct{}{}
	}

	// Deletions first so reply slots free up before inserts.
	for _, id := range r.tree.ConfirmedIDs() {
		if _, ok := inSnap[id]; !ok {
			if len(r.tree.Remove(id)) > 0 {
				changed = true
			}
		}
	}

	apply := func(c Comment) {
		// A snapshot row carrying our correlation id confirms a pending write
		// whose echo was lost in the gap.
		if c.ClientCorrelationID != "" {
			if pw, ok := r.pending[c.ClientCorrelationID]; ok && pw.op == opCreate {
				delete(r.pending, c.ClientCorrelationID)
				r.metrics.echoMatched()
				c.State = StateConfirmed
				if r.tree.ReplaceByCorrelation(pw.corr, c) {
					changed = true
					return
				}
			}
		}

		if cur, ok := r.tree.Get(c.ID); ok {
			if cur.Content != c.Content || !cur.EditedAt.Equal(c.EditedAt) {
				r.tree.Update(c.ID, c.Content, c.EditedAt)
				changed = true
			}
			return
		}

		c.State = StateConfirmed
		c.ClientCorrelationID = ""
		if err := r.tree.Insert(c); err == nil {
			changed = true
		}
	}

	for _, c := range snapshot {
		if !c.IsReply() {
			apply(c)
		}
	}
	for _, c := range snapshot {
		if c.IsReply() {
			apply(c)
		}
	}

	return changed
}

// ---- orphan buffer ----

func (r *reconciler) bufferOrphan(c Comment) {
	if len(r.orphans) >= r.orphanCap {
		dropped := r.orphans[0]
		r.orphans = r.orphans[1:]
		r.metrics.orphanDropped()
		r.log.Warn("sync.orphan.evicted", "comment_id", dropped.c.ID, "parent_id", dropped.c.ParentID)
	}
	r.orphans = append(r.orphans, orphanReply{c: c, heldAt: time.Now().UTC()})
	r.log.Debug("sync.orphan.held", "comment_id", c.ID, "parent_id", c.ParentID)
}

// flushOrphans inserts buffered replies whose parent just arrived.
func (r *reconciler) flushOrphans(parentID string) {
	if parentID == "" || len(r.orphans) == 0 {
		return
	}

	kept := r.orphans[:0]
	for _, o := range r.orphans {
		if o.c.ParentID != parentID {
			kept = append(kept, o)
			continue
		}
		if err := r.tree.Insert(o.c); err != nil {
			r.log.Warn("sync.orphan.insert.fail", "comment_id", o.c.ID, "err", err)
		}
	}
	r.orphans = kept
}

// dropOrphansFor discards buffered replies for a deleted parent, and the
// buffered copy of the deleted comment itself if present.
func (r *reconciler) dropOrphansFor(id string) bool {
	if len(r.orphans) == 0 {
		return false
	}

	dropped := false
	kept := r.orphans[:0]
	for _, o := range r.orphans {
		if o.c.ParentID == id || o.c.ID == id {
			dropped = true
			continue
		}
		kept = append(kept, o)
	}
	r.orphans = kept
	return dropped
}

// ---- periodic sweep ----

func (r *reconciler) sweep(now time.Time) bool {
	changed := false

	for corr, pw := range r.pending {
		if now.Sub(pw.submittedAt) <= r.pendingTimeout {
			continue
		}
		delete(r.pending, corr)
		r.metrics.pendingTimedOut()
		r.log.Warn("sync.pending.timeout", "op", string(pw.op), "correlation_id", corr)

		switch pw.op {
		case opCreate:
			if r.tree.MarkFailed(corr) {
				changed = true
			}
		case opUpdate:
			if r.tree.MarkFailedByID(pw.commentID) {
				changed = true
			}
		}
	}

	if len(r.orphans) > 0 {
		kept := r.orphans[:0]
		for _, o := range r.orphans {
			if now.Sub(o.heldAt) > r.orphanTTL {
				r.metrics.orphanDropped()
				r.log.Warn("sync.orphan.expired", "comment_id", o.c.ID, "parent_id", o.c.ParentID)
				continue
			}
			kept = append(kept, o)
		}
		r.orphans = kept
	}

	return changed
}

// ---- watcher fanout ----

func (r *reconciler) notifyWatchers() {
	if len(r.watchers) == 0 {
		return
	}
	list := r.tree.OrderedList()
	for _, ch := range r.watchers {
		deliver(ch, list)
	}
}

// deliver pushes the latest snapshot with coalescing semantics: a slow
// consumer observes the newest list, never a backlog.
func deliver(ch chan []Comment, list []Comment) {
	select {
	case ch <- list:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- list:
	default:
	}
}

func commentFromEvent(p syncv1.CommentEventPayload) Comment {
	return Comment{
		ID:                  p.CommentID,
		ClientCorrelationID: p.ClientCorrelationID,
		ParentID:            p.ParentID,
		AuthorID:            p.AuthorID,
		AuthorDisplay:       p.AuthorDisplay,
		Content:             p.Content,
		CreatedAt:           p.CreatedAt,
		EditedAt:            p.EditedAt,
		State:               StateConfirmed,
	}
}
