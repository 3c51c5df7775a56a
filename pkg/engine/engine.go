// Package engine implements the three-phase agreement state machine: the
// per-sequence log, quorum tracking for prepare and commit certificates,
// in-order execution with a running state digest, and the idempotent client
// result cache.
//
// The engine is a functional core. Handlers validate one input event,
// mutate local state and return an Outcome describing what the caller must
// do (broadcast messages, start or stop progress timers, report executions).
// It performs no I/O and is not safe for concurrent use; the node controller
// drives it from a single processing loop.
package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"bftlog/pkg/membership"
	"bftlog/pkg/messages"
	"bftlog/pkg/utils"
)

// Executor applies committed operations to the application state machine.
// Apply must be deterministic across nodes.
type Executor interface {
	Apply(sequence uint64, operation []byte) []byte
}

// Config tunes the engine. Zero values select defaults.
type Config struct {
	// CheckpointInterval is the distance between checkpoint boundaries.
	// The watermark window is twice this.
	CheckpointInterval uint64

	// ResultCacheSize bounds the idempotent client result cache.
	ResultCacheSize int

	// ResultCacheTTL expires cached client results.
	ResultCacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 100
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = 4096
	}
	if c.ResultCacheTTL <= 0 {
		c.ResultCacheTTL = 10 * time.Minute
	}
}

// Execution reports one applied operation.
type Execution struct {
	Sequence uint64
	Digest   messages.Digest
	Request  *messages.Request
	Result   []byte
}

// Outcome tells the caller what to do after a handler ran. Fields are nil
// or empty when no action is needed.
type Outcome struct {
	// Broadcast lists signed messages to send to every peer.
	Broadcast []messages.Message

	// Executed lists operations applied by this event, in sequence order.
	Executed []Execution

	// StartTimer and StopTimer carry sequence numbers whose progress
	// timers must be armed or cancelled.
	StartTimer []uint64
	StopTimer  []uint64

	// CachedSequence/CachedResult report an idempotent hit on request
	// submission; the request was not re-proposed.
	CachedSequence uint64
	CachedResult   []byte
	CacheHit       bool

	// AssignedSequence is the slot a submitted request was proposed at.
	AssignedSequence uint64
}

func (o *Outcome) merge(other *Outcome) {
	if other == nil {
		return
	}
	o.Broadcast = append(o.Broadcast, other.Broadcast...)
	o.Executed = append(o.Executed, other.Executed...)
	o.StartTimer = append(o.StartTimer, other.StartTimer...)
	o.StopTimer = append(o.StopTimer, other.StopTimer...)
}

// entry is one slot of the agreement log. Vote sets are owned by value and
// keyed by replica id, so a sender contributes at most one vote per phase.
type entry struct {
	view     uint64
	sequence uint64
	digest   messages.Digest
	request  *messages.Request

	// prePrepare retains the accepted proposal with its signature, for
	// view-change proofs.
	prePrepare   *messages.PrePrepare
	prePrepared  bool
	prepareVotes map[string]*messages.Prepare
	commitVotes  map[string]*messages.Commit

	prepared  bool
	committed bool
	executed  bool
}

type cachedResult struct {
	sequence uint64
	result   []byte
}

type clientKey struct {
	clientID  string
	timestamp int64
}

// Engine is the agreement state machine for one node.
type Engine struct {
	cfg    Config
	table  *membership.Table
	codec  *messages.Codec
	exec   Executor
	logger *utils.Logger

	view         uint64
	lowWatermark uint64
	nextSequence uint64 // primary only: next slot to propose
	log          map[uint64]*entry

	lastExecuted uint64
	stateDigest  messages.Digest

	results *expirable.LRU[clientKey, cachedResult]

	// suspects counts protocol violations per sender.
	suspects map[string]uint64
}

// New constructs an engine.
func New(table *membership.Table, codec *messages.Codec, exec Executor, logger *utils.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		table:    table,
		codec:    codec,
		exec:     exec,
		logger:   logger,
		log:      make(map[uint64]*entry),
		results:  expirable.NewLRU[clientKey, cachedResult](cfg.ResultCacheSize, nil, cfg.ResultCacheTTL),
		suspects: make(map[string]uint64),
	}
}

// View returns the current view number.
func (e *Engine) View() uint64 { return e.view }

// IsPrimary reports whether this node leads the current view.
func (e *Engine) IsPrimary() bool {
	return e.table.IsPrimary(e.table.SelfID(), e.view)
}

// LastExecuted returns the highest contiguously executed sequence.
func (e *Engine) LastExecuted() uint64 { return e.lastExecuted }

// StateDigest returns the running digest chain over executed entries.
func (e *Engine) StateDigest() messages.Digest { return e.stateDigest }

// LowWatermark returns the sequence of the last stable checkpoint.
func (e *Engine) LowWatermark() uint64 { return e.lowWatermark }

// Suspects returns a copy of the per-sender violation counters.
func (e *Engine) Suspects() map[string]uint64 {
	out := make(map[string]uint64, len(e.suspects))
	for id, n := range e.suspects {
		out[id] = n
	}
	return out
}

// PendingCount returns the number of log entries not yet executed.
func (e *Engine) PendingCount() int {
	n := 0
	for _, ent := range e.log {
		if !ent.executed {
			n++
		}
	}
	return n
}

func (e *Engine) markSuspect(id string, reason string) {
	e.suspects[id]++
	e.logger.Warn("marking sender as suspect",
		utils.ZapString("sender", id),
		utils.ZapString("reason", reason),
		utils.ZapUint64("count", e.suspects[id]))
}

func (e *Engine) window() (low, high uint64) {
	return e.lowWatermark, e.lowWatermark + 2*e.cfg.CheckpointInterval
}

func (e *Engine) inWindow(seq uint64) bool {
	low, high := e.window()
	return seq > low && seq <= high
}

func (e *Engine) slot(view, seq uint64) *entry {
	ent, ok := e.log[seq]
	if !ok {
		ent = &entry{
			view:         view,
			sequence:     seq,
			prepareVotes: make(map[string]*messages.Prepare),
			commitVotes:  make(map[string]*messages.Commit),
		}
		e.log[seq] = ent
	}
	return ent
}

// OnRequest handles a client submission on the primary. It checks the
// idempotence cache, assigns the next sequence and broadcasts a
// pre-prepare. Backups reject with NOT_PRIMARY.
func (e *Engine) OnRequest(req *messages.Request) (*Outcome, error) {
	key := clientKey{req.ClientID, req.Timestamp}
	if hit, ok := e.results.Get(key); ok {
		return &Outcome{
			CacheHit:       true,
			CachedSequence: hit.sequence,
			CachedResult:   hit.result,
		}, nil
	}

	if !e.IsPrimary() {
		return nil, utils.NewErrorf(utils.CodeNotPrimary,
			"view %d is led by %s", e.view, e.table.PrimaryForView(e.view))
	}

	seq := e.nextSequence + 1
	if !e.inWindow(seq) {
		return nil, utils.NewErrorf(utils.CodeOutOfWindow,
			"sequence %d outside window (%d, %d]", seq, e.lowWatermark, e.lowWatermark+2*e.cfg.CheckpointInterval)
	}
	e.nextSequence = seq

	pp := &messages.PrePrepare{
		View:      e.view,
		Sequence:  seq,
		Digest:    req.Digest(),
		Request:   req,
		ReplicaID: e.table.SelfID(),
	}
	e.codec.Sign(pp)

	out := &Outcome{AssignedSequence: seq, Broadcast: []messages.Message{pp}}
	accepted, err := e.acceptPrePrepare(pp, out)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, utils.NewInternalError("own pre-prepare rejected")
	}
	return out, nil
}

// OnPrePrepare handles the primary's ordering proposal on a backup.
func (e *Engine) OnPrePrepare(pp *messages.PrePrepare) (*Outcome, error) {
	if pp.View != e.view {
		if pp.View < e.view {
			return nil, utils.NewErrorf(utils.CodeStaleView,
				"pre-prepare for view %d, current %d", pp.View, e.view)
		}
		// Ahead of us; the view manager handles catching up.
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"pre-prepare for future view %d, current %d", pp.View, e.view)
	}
	if !e.table.IsPrimary(pp.ReplicaID, pp.View) {
		e.markSuspect(pp.ReplicaID, "pre-prepare from non-primary")
		return nil, utils.NewErrorf(utils.CodeInvalidMessage,
			"pre-prepare from %s who does not lead view %d", pp.ReplicaID, pp.View)
	}
	if !e.inWindow(pp.Sequence) {
		return nil, utils.NewErrorf(utils.CodeOutOfWindow,
			"sequence %d outside watermark window", pp.Sequence)
	}

	out := &Outcome{}
	accepted, err := e.acceptPrePrepare(pp, out)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return out, nil
	}
	return out, nil
}

// acceptPrePrepare binds a proposal to its slot and broadcasts this node's
// prepare vote. A conflicting digest for an already bound slot is
// equivocation by the primary.
func (e *Engine) acceptPrePrepare(pp *messages.PrePrepare, out *Outcome) (bool, error) {
	ent := e.slot(pp.View, pp.Sequence)
	if ent.executed || ent.committed {
		return false, nil
	}
	if ent.prePrepared {
		if ent.digest != pp.Digest {
			e.markSuspect(pp.ReplicaID, "conflicting pre-prepare digest")
			return false, utils.NewErrorf(utils.CodeEquivocation,
				"primary %s equivocated at sequence %d", pp.ReplicaID, pp.Sequence)
		}
		return false, nil // duplicate
	}

	ent.view = pp.View
	ent.digest = pp.Digest
	ent.request = pp.Request
	ent.prePrepare = pp
	ent.prePrepared = true

	prep := &messages.Prepare{
		View:      pp.View,
		Sequence:  pp.Sequence,
		Digest:    pp.Digest,
		ReplicaID: e.table.SelfID(),
	}
	e.codec.Sign(prep)
	ent.prepareVotes[prep.ReplicaID] = prep

	out.Broadcast = append(out.Broadcast, prep)
	out.StartTimer = append(out.StartTimer, pp.Sequence)

	e.advance(ent, out)
	return true, nil
}

// OnPrepare records a prepare vote and forms the prepare certificate at
// 2f+1 matching votes.
func (e *Engine) OnPrepare(p *messages.Prepare) (*Outcome, error) {
	if p.View != e.view {
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"prepare for view %d, current %d", p.View, e.view)
	}
	if !e.inWindow(p.Sequence) {
		return nil, utils.NewErrorf(utils.CodeOutOfWindow,
			"sequence %d outside watermark window", p.Sequence)
	}

	ent := e.slot(p.View, p.Sequence)
	if prev, ok := ent.prepareVotes[p.ReplicaID]; ok {
		if prev.Digest != p.Digest {
			e.markSuspect(p.ReplicaID, "conflicting prepare votes")
			return nil, utils.NewErrorf(utils.CodeEquivocation,
				"%s sent conflicting prepares at sequence %d", p.ReplicaID, p.Sequence)
		}
		return &Outcome{}, nil // duplicate
	}
	if ent.prePrepared && ent.digest != p.Digest {
		// Vote for a digest this node never accepted. Count it but do
		// not let it poison the certificate.
		e.markSuspect(p.ReplicaID, "prepare digest mismatch")
		return &Outcome{}, nil
	}
	ent.prepareVotes[p.ReplicaID] = p

	out := &Outcome{}
	e.advance(ent, out)
	return out, nil
}

// OnCommit records a commit vote and executes at 2f+1 matching votes, in
// sequence order.
func (e *Engine) OnCommit(c *messages.Commit) (*Outcome, error) {
	if c.View != e.view {
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"commit for view %d, current %d", c.View, e.view)
	}
	if !e.inWindow(c.Sequence) {
		return nil, utils.NewErrorf(utils.CodeOutOfWindow,
			"sequence %d outside watermark window", c.Sequence)
	}

	ent := e.slot(c.View, c.Sequence)
	if prev, ok := ent.commitVotes[c.ReplicaID]; ok {
		if prev.Digest != c.Digest {
			e.markSuspect(c.ReplicaID, "conflicting commit votes")
			return nil, utils.NewErrorf(utils.CodeEquivocation,
				"%s sent conflicting commits at sequence %d", c.ReplicaID, c.Sequence)
		}
		return &Outcome{}, nil
	}
	if ent.prePrepared && ent.digest != c.Digest {
		e.markSuspect(c.ReplicaID, "commit digest mismatch")
		return &Outcome{}, nil
	}
	ent.commitVotes[c.ReplicaID] = c

	out := &Outcome{}
	e.advance(ent, out)
	return out, nil
}

// advance moves a slot through prepared, committed and executed as its
// certificates fill in.
func (e *Engine) advance(ent *entry, out *Outcome) {
	quorum := e.table.Quorum()

	if !ent.prepared && ent.prePrepared && e.matchingVotes(ent, phasePrepare) >= quorum {
		ent.prepared = true

		commit := &messages.Commit{
			View:      ent.view,
			Sequence:  ent.sequence,
			Digest:    ent.digest,
			ReplicaID: e.table.SelfID(),
		}
		e.codec.Sign(commit)
		ent.commitVotes[commit.ReplicaID] = commit
		out.Broadcast = append(out.Broadcast, commit)
	}

	if !ent.committed && ent.prepared && e.matchingVotes(ent, phaseCommit) >= quorum {
		ent.committed = true
		out.StopTimer = append(out.StopTimer, ent.sequence)
		e.executeReady(out)
	}
}

type phase int

const (
	phasePrepare phase = iota
	phaseCommit
)

// matchingVotes counts votes agreeing with the slot's bound digest.
func (e *Engine) matchingVotes(ent *entry, ph phase) int {
	n := 0
	switch ph {
	case phasePrepare:
		for _, v := range ent.prepareVotes {
			if v.Digest == ent.digest {
				n++
			}
		}
	case phaseCommit:
		for _, v := range ent.commitVotes {
			if v.Digest == ent.digest {
				n++
			}
		}
	}
	return n
}

// executeReady applies every committed entry that is next in sequence
// order. Commits with gaps below them stay pending.
func (e *Engine) executeReady(out *Outcome) {
	for {
		next := e.lastExecuted + 1
		ent, ok := e.log[next]
		if !ok || !ent.committed || ent.executed {
			return
		}

		var result []byte
		if !ent.request.IsNoOp() {
			result = e.exec.Apply(ent.sequence, ent.request.Operation)
			e.results.Add(clientKey{ent.request.ClientID, ent.request.Timestamp},
				cachedResult{sequence: ent.sequence, result: result})
		}

		ent.executed = true
		e.lastExecuted = next
		e.stateDigest = chainDigest(e.stateDigest, ent.sequence, ent.digest)

		out.Executed = append(out.Executed, Execution{
			Sequence: ent.sequence,
			Digest:   ent.digest,
			Request:  ent.request,
			Result:   result,
		})
	}
}

// chainDigest extends the running state digest with one executed entry.
func chainDigest(prev messages.Digest, seq uint64, d messages.Digest) messages.Digest {
	h := sha256.New()
	h.Write(prev[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	h.Write(b[:])
	h.Write(d[:])
	var out messages.Digest
	h.Sum(out[:0])
	return out
}

// CompactTo garbage-collects log entries at or below a stable checkpoint
// and raises the low watermark.
func (e *Engine) CompactTo(stableSeq uint64) {
	if stableSeq <= e.lowWatermark {
		return
	}
	for seq := range e.log {
		if seq <= stableSeq {
			delete(e.log, seq)
		}
	}
	e.lowWatermark = stableSeq
	if e.nextSequence < stableSeq {
		e.nextSequence = stableSeq
	}
}

// PreparedAbove returns proofs for every slot above seq that reached the
// prepared state, for inclusion in a view-change.
func (e *Engine) PreparedAbove(seq uint64) []*messages.PreparedEntry {
	var out []*messages.PreparedEntry
	for s, ent := range e.log {
		if s <= seq || !ent.prepared {
			continue
		}
		prepares := make([]*messages.Prepare, 0, len(ent.prepareVotes))
		for _, v := range ent.prepareVotes {
			if v.Digest == ent.digest {
				prepares = append(prepares, v)
			}
		}
		out = append(out, &messages.PreparedEntry{
			View:       ent.view,
			Sequence:   ent.sequence,
			Digest:     ent.digest,
			PrePrepare: ent.prePrepare,
			Prepares:   prepares,
		})
	}
	return out
}

// EnterView installs a new view. Slots that committed keep their state;
// everything else is cleared and re-driven by the reissued pre-prepares,
// which this node immediately prepares.
func (e *Engine) EnterView(view uint64, reissued []*messages.PrePrepare) (*Outcome, error) {
	if view < e.view {
		return nil, utils.NewErrorf(utils.CodeStaleView,
			"cannot enter view %d from view %d", view, e.view)
	}
	e.view = view

	out := &Outcome{}
	for seq, ent := range e.log {
		if !ent.committed {
			out.StopTimer = append(out.StopTimer, seq)
			delete(e.log, seq)
		}
	}

	maxSeq := e.lastExecuted
	for _, pp := range reissued {
		if pp.Sequence <= e.lowWatermark {
			continue
		}
		if ent, ok := e.log[pp.Sequence]; ok && ent.committed {
			continue
		}
		if _, err := e.acceptPrePrepare(pp, out); err != nil {
			return nil, err
		}
		if pp.Sequence > maxSeq {
			maxSeq = pp.Sequence
		}
	}
	if e.IsPrimary() && e.nextSequence < maxSeq {
		e.nextSequence = maxSeq
	}
	return out, nil
}
