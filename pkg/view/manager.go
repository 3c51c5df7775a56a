// Package view runs the view-change sub-protocol: per-sequence progress
// timers, view-change vote collection, new-view assembly by the incoming
// primary and new-view validation by backups.
//
// The manager never mutates consensus state from timer goroutines. Timers
// fire through a Scheduler whose callback posts an event back into the
// node's processing loop; the loop then calls HandleTimeout. Like the
// engine, the manager is single-writer and performs no transport I/O.
package view

import (
	"sort"
	"time"

	"bftlog/pkg/membership"
	"bftlog/pkg/messages"
	"bftlog/pkg/utils"
)

// Scheduler arms one-shot timers. Implementations must run fire on their
// own goroutine; the returned cancel is idempotent.
type Scheduler interface {
	Schedule(d time.Duration, fire func()) (cancel func())
}

// TimerKind discriminates timeout events.
type TimerKind int

const (
	// TimerProgress fires when an accepted pre-prepare fails to commit in
	// time.
	TimerProgress TimerKind = iota
	// TimerRequest fires when a known client request fails to execute in
	// time, covering a primary that never proposes.
	TimerRequest
	// TimerViewChange fires when a started view change fails to complete.
	TimerViewChange
)

// TimerEvent is posted into the node loop when a timer fires.
type TimerEvent struct {
	Kind     TimerKind
	Sequence uint64          // progress timers only
	Digest   messages.Digest // request timers only
	Target   uint64          // view-change timers only
}

// LogState exposes the engine state the manager reads when building a
// view-change.
type LogState interface {
	View() uint64
	PreparedAbove(seq uint64) []*messages.PreparedEntry
}

// CheckpointState exposes the stable checkpoint proof.
type CheckpointState interface {
	StableSequence() uint64
	StableProof() []*messages.Checkpoint
}

// ViewStart instructs the node to install a new view on the engine.
type ViewStart struct {
	View     uint64
	Reissued []*messages.PrePrepare
}

// Outcome describes the actions a manager handler requires.
type Outcome struct {
	Broadcast []messages.Message
	Install   *ViewStart
}

// Manager drives view changes for one node.
type Manager struct {
	table  *membership.Table
	codec  *messages.Codec
	log    LogState
	ckpt   CheckpointState
	sched  Scheduler
	notify func(TimerEvent)
	logger *utils.Logger

	timeout time.Duration

	// progress timers by sequence, request timers by digest.
	progress map[uint64]func()
	requests map[messages.Digest]func()

	changing bool
	target   uint64
	vcCancel func()

	// votes[view][sender]
	votes map[uint64]map[string]*messages.ViewChange
}

// NewManager constructs a view manager. notify is invoked from timer
// goroutines and must hand the event to the processing loop.
func NewManager(
	table *membership.Table,
	codec *messages.Codec,
	log LogState,
	ckpt CheckpointState,
	sched Scheduler,
	notify func(TimerEvent),
	logger *utils.Logger,
	timeout time.Duration,
) *Manager {
	return &Manager{
		table:    table,
		codec:    codec,
		log:      log,
		ckpt:     ckpt,
		sched:    sched,
		notify:   notify,
		logger:   logger,
		timeout:  timeout,
		progress: make(map[uint64]func()),
		requests: make(map[messages.Digest]func()),
		votes:    make(map[uint64]map[string]*messages.ViewChange),
	}
}

// InViewChange reports whether a view change is in flight.
func (m *Manager) InViewChange() bool { return m.changing }

// StartProgressTimer arms the commit timer for a sequence. Re-arming an
// armed sequence is a no-op.
func (m *Manager) StartProgressTimer(seq uint64) {
	if _, ok := m.progress[seq]; ok {
		return
	}
	m.progress[seq] = m.sched.Schedule(m.timeout, func() {
		m.notify(TimerEvent{Kind: TimerProgress, Sequence: seq})
	})
}

// StopProgressTimer cancels the commit timer for a sequence.
func (m *Manager) StopProgressTimer(seq uint64) {
	if cancel, ok := m.progress[seq]; ok {
		cancel()
		delete(m.progress, seq)
	}
}

// StartRequestTimer arms the execution timer for a client request this node
// knows about but cannot order itself.
func (m *Manager) StartRequestTimer(d messages.Digest) {
	if _, ok := m.requests[d]; ok {
		return
	}
	m.requests[d] = m.sched.Schedule(m.timeout, func() {
		m.notify(TimerEvent{Kind: TimerRequest, Digest: d})
	})
}

// StopRequestTimer cancels the execution timer for a request.
func (m *Manager) StopRequestTimer(d messages.Digest) {
	if cancel, ok := m.requests[d]; ok {
		cancel()
		delete(m.requests, d)
	}
}

// HandleTimeout processes a timer event delivered through the loop.
func (m *Manager) HandleTimeout(ev TimerEvent) (*Outcome, error) {
	switch ev.Kind {
	case TimerProgress:
		if _, armed := m.progress[ev.Sequence]; !armed {
			return &Outcome{}, nil // committed or superseded meanwhile
		}
		if m.changing {
			return &Outcome{}, nil
		}
		m.logger.Warn("progress timeout, suspecting primary",
			utils.ZapUint64("sequence", ev.Sequence),
			utils.ZapUint64("view", m.log.View()))
		return m.startViewChange(m.log.View() + 1)

	case TimerRequest:
		if _, armed := m.requests[ev.Digest]; !armed {
			return &Outcome{}, nil
		}
		if m.changing {
			return &Outcome{}, nil
		}
		m.logger.Warn("request execution timeout, suspecting primary",
			utils.ZapString("digest", ev.Digest.String()),
			utils.ZapUint64("view", m.log.View()))
		return m.startViewChange(m.log.View() + 1)

	case TimerViewChange:
		if !m.changing || ev.Target != m.target {
			return &Outcome{}, nil
		}
		// The new primary did not deliver; move one view further.
		m.logger.Warn("view change timed out, escalating",
			utils.ZapUint64("target", m.target))
		return m.startViewChange(m.target + 1)

	default:
		return nil, utils.NewErrorf(utils.CodeInternal, "unknown timer kind %d", ev.Kind)
	}
}

// startViewChange broadcasts this node's view-change vote for target and
// arms the completion timer.
func (m *Manager) startViewChange(target uint64) (*Outcome, error) {
	if target <= m.log.View() {
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"view change target %d not above current view %d", target, m.log.View())
	}
	if m.changing && target <= m.target {
		return &Outcome{}, nil
	}

	// Pending slots and requests will be resolved by the new view; their
	// timers are dead weight now.
	for seq, cancel := range m.progress {
		cancel()
		delete(m.progress, seq)
	}
	for d, cancel := range m.requests {
		cancel()
		delete(m.requests, d)
	}
	if m.vcCancel != nil {
		m.vcCancel()
	}

	m.changing = true
	m.target = target
	m.vcCancel = m.sched.Schedule(m.timeout, func() {
		m.notify(TimerEvent{Kind: TimerViewChange, Target: target})
	})

	vc := &messages.ViewChange{
		NewView:         target,
		StableSequence:  m.ckpt.StableSequence(),
		CheckpointProof: m.ckpt.StableProof(),
		Prepared:        m.log.PreparedAbove(m.ckpt.StableSequence()),
		ReplicaID:       m.table.SelfID(),
	}
	m.codec.Sign(vc)

	m.logger.Info("starting view change",
		utils.ZapUint64("target", target),
		utils.ZapUint64("stable_sequence", vc.StableSequence),
		utils.ZapInt("prepared", len(vc.Prepared)))

	out := &Outcome{Broadcast: []messages.Message{vc}}
	more, err := m.recordViewChange(vc)
	if err != nil {
		return nil, err
	}
	out.merge(more)
	return out, nil
}

// OnViewChange processes a peer's view-change vote.
func (m *Manager) OnViewChange(vc *messages.ViewChange) (*Outcome, error) {
	if vc.NewView <= m.log.View() {
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"view-change for view %d, current %d", vc.NewView, m.log.View())
	}
	if err := m.validateViewChange(vc); err != nil {
		return nil, err
	}

	out, err := m.recordViewChange(vc)
	if err != nil {
		return nil, err
	}

	// Join rule: f+1 distinct nodes asking for views above ours means at
	// least one honest node timed out; follow to the smallest such view.
	if !m.changing {
		if join, ok := m.joinableView(); ok {
			more, err := m.startViewChange(join)
			if err != nil {
				return nil, err
			}
			out.merge(more)
		}
	}
	return out, nil
}

func (m *Manager) joinableView() (uint64, bool) {
	senders := make(map[string]uint64)
	for view, byID := range m.votes {
		if view <= m.log.View() {
			continue
		}
		for id := range byID {
			if cur, ok := senders[id]; !ok || view < cur {
				senders[id] = view
			}
		}
	}
	if len(senders) < m.table.WeakQuorum() {
		return 0, false
	}
	min := uint64(0)
	for _, view := range senders {
		if min == 0 || view < min {
			min = view
		}
	}
	return min, true
}

// recordViewChange stores a vote and, when this node is the primary-elect
// holding 2f+1 votes, assembles the new-view.
func (m *Manager) recordViewChange(vc *messages.ViewChange) (*Outcome, error) {
	byID, ok := m.votes[vc.NewView]
	if !ok {
		byID = make(map[string]*messages.ViewChange)
		m.votes[vc.NewView] = byID
	}
	if _, dup := byID[vc.ReplicaID]; dup {
		return &Outcome{}, nil
	}
	byID[vc.ReplicaID] = vc

	if m.table.PrimaryForView(vc.NewView) != m.table.SelfID() {
		return &Outcome{}, nil
	}
	if len(byID) < m.table.Quorum() {
		return &Outcome{}, nil
	}
	if _, voted := byID[m.table.SelfID()]; !voted {
		// Assemble only once this node itself agreed to the view change.
		return &Outcome{}, nil
	}
	return m.assembleNewView(vc.NewView, byID)
}

// assembleNewView builds and broadcasts the new-view message and installs
// the view locally.
func (m *Manager) assembleNewView(view uint64, byID map[string]*messages.ViewChange) (*Outcome, error) {
	vcs := make([]*messages.ViewChange, 0, len(byID))
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		vcs = append(vcs, byID[id])
	}

	reissued := mergePrepared(view, m.table.SelfID(), vcs)
	for _, pp := range reissued {
		m.codec.Sign(pp)
	}

	nv := &messages.NewView{
		View:        view,
		ViewChanges: vcs,
		PrePrepares: reissued,
		ReplicaID:   m.table.SelfID(),
	}
	m.codec.Sign(nv)

	m.logger.Info("assembled new view",
		utils.ZapUint64("view", view),
		utils.ZapInt("view_changes", len(vcs)),
		utils.ZapInt("reissued", len(reissued)))

	m.completeViewChange(view)
	return &Outcome{
		Broadcast: []messages.Message{nv},
		Install:   &ViewStart{View: view, Reissued: reissued},
	}, nil
}

// OnNewView validates the incoming primary's new-view and instructs the
// node to install it.
func (m *Manager) OnNewView(nv *messages.NewView) (*Outcome, error) {
	if nv.View <= m.log.View() {
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"new-view for view %d, current %d", nv.View, m.log.View())
	}
	if !m.table.IsPrimary(nv.ReplicaID, nv.View) {
		return nil, utils.NewErrorf(utils.CodeInvalidMessage,
			"new-view from %s who does not lead view %d", nv.ReplicaID, nv.View)
	}

	seen := make(map[string]struct{}, len(nv.ViewChanges))
	for _, vc := range nv.ViewChanges {
		if vc.NewView != nv.View {
			return nil, utils.NewError(utils.CodeInvalidMessage,
				"new-view bundles a view-change for a different view")
		}
		if _, dup := seen[vc.ReplicaID]; dup {
			return nil, utils.NewError(utils.CodeInvalidMessage,
				"new-view bundles duplicate view-change senders")
		}
		seen[vc.ReplicaID] = struct{}{}
		if err := m.codec.Verify(vc); err != nil {
			return nil, err
		}
		if err := m.validateViewChange(vc); err != nil {
			return nil, err
		}
	}
	if len(seen) < m.table.Quorum() {
		return nil, utils.NewErrorf(utils.CodeQuorumNotMet,
			"new-view carries %d view-changes, need %d", len(seen), m.table.Quorum())
	}

	// The reissued set must be exactly what the merge rule derives from
	// the bundled view-changes.
	want := mergePrepared(nv.View, nv.ReplicaID, nv.ViewChanges)
	if len(want) != len(nv.PrePrepares) {
		return nil, utils.NewError(utils.CodeInvalidMessage,
			"new-view reissues the wrong number of pre-prepares")
	}
	wantBySeq := make(map[uint64]messages.Digest, len(want))
	for _, pp := range want {
		wantBySeq[pp.Sequence] = pp.Digest
	}
	for _, pp := range nv.PrePrepares {
		if pp.View != nv.View {
			return nil, utils.NewError(utils.CodeInvalidMessage,
				"reissued pre-prepare carries the wrong view")
		}
		d, ok := wantBySeq[pp.Sequence]
		if !ok || d != pp.Digest {
			return nil, utils.NewError(utils.CodeInvalidMessage,
				"reissued pre-prepare disagrees with the merge rule")
		}
		if err := m.codec.Verify(pp); err != nil {
			return nil, err
		}
	}

	m.completeViewChange(nv.View)
	return &Outcome{
		Install: &ViewStart{View: nv.View, Reissued: nv.PrePrepares},
	}, nil
}

// completeViewChange clears in-flight state once a view is decided.
func (m *Manager) completeViewChange(view uint64) {
	if m.vcCancel != nil {
		m.vcCancel()
		m.vcCancel = nil
	}
	m.changing = false
	m.target = 0
	for v := range m.votes {
		if v <= view {
			delete(m.votes, v)
		}
	}
}

// Shutdown cancels all timers.
func (m *Manager) Shutdown() {
	for seq, cancel := range m.progress {
		cancel()
		delete(m.progress, seq)
	}
	for d, cancel := range m.requests {
		cancel()
		delete(m.requests, d)
	}
	if m.vcCancel != nil {
		m.vcCancel()
		m.vcCancel = nil
	}
}

func (o *Outcome) merge(other *Outcome) {
	if other == nil {
		return
	}
	o.Broadcast = append(o.Broadcast, other.Broadcast...)
	if other.Install != nil {
		o.Install = other.Install
	}
}
