// Package node wires the consensus components into a running cluster
// member: one processing loop owns the engine, view manager and checkpoint
// manager, consuming inbound frames, submissions and timer expiries from a
// single event channel. Nothing outside the loop touches protocol state.
package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bftlog/pkg/checkpoint"
	"bftlog/pkg/config"
	"bftlog/pkg/engine"
	"bftlog/pkg/membership"
	"bftlog/pkg/messages"
	"bftlog/pkg/transport"
	"bftlog/pkg/utils"
	"bftlog/pkg/view"
)

const eventQueueDepth = 4096

// CommitCallback observes every executed operation in sequence order.
type CommitCallback func(sequence uint64, request *messages.Request, result []byte)

// Events flowing through the processing loop.

type frameEvent struct {
	from  string
	frame []byte
}

type submitEvent struct {
	request *messages.Request
	resC    chan submitResult
	start   time.Time
}

type submitResult struct {
	sequence uint64
	result   []byte
	err      error
}

type timerEvent struct {
	ev view.TimerEvent
}

// Node is one cluster member.
type Node struct {
	cfg    config.Config
	table  *membership.Table
	codec  *messages.Codec
	engine *engine.Engine
	ckpt   *checkpoint.Manager
	views  *view.Manager
	tr     transport.Transport
	logger *utils.Logger

	events chan interface{}
	done   chan struct{}
	loopWG sync.WaitGroup

	started  atomic.Bool
	stopping atomic.Bool

	// Mirrors of loop-owned state for lock-free reads.
	curView   atomic.Uint64
	primary   atomic.Bool
	fatalErr  atomic.Value // error
	lastExec  atomic.Uint64
	stableSeq atomic.Uint64
	pending   atomic.Int64

	suspectMu sync.RWMutex
	suspects  map[string]uint64

	cbMu      sync.RWMutex
	callbacks []CommitCallback

	// waiters maps request digests to submitters blocked in SubmitRequest.
	waiters map[messages.Digest]*submitEvent

	latency *utils.LatencyHistogram

	statMu          sync.Mutex
	submittedTotal  uint64
	committedTotal  uint64
	viewChanges     uint64
	invalidMessages uint64
	staleMessages   uint64
}

// New builds a node from a validated config. The executor applies committed
// operations; the transport must be exclusive to this node.
func New(cfg config.Config, exec engine.Executor, tr transport.Transport, logger *utils.Logger) (*Node, error) {
	table, err := membership.NewTable(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := messages.NewCodec(table, messages.CodecConfig{})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		table:   table,
		codec:   codec,
		tr:      tr,
		logger:  logger.With(utils.ZapString("node", cfg.NodeID)),
		events:  make(chan interface{}, eventQueueDepth),
		done:    make(chan struct{}),
		waiters: make(map[messages.Digest]*submitEvent),
		latency: utils.NewLatencyHistogram(nil),
	}

	n.engine = engine.New(table, codec, exec, n.logger, engine.Config{
		CheckpointInterval: cfg.CheckpointInterval,
	})
	n.ckpt = checkpoint.NewManager(table, codec, n.logger, cfg.CheckpointInterval)
	n.views = view.NewManager(table, codec, n.engine, n.ckpt, afterFuncScheduler{},
		n.postTimer, n.logger, cfg.ViewChangeTimeout)

	n.primary.Store(n.engine.IsPrimary())
	return n, nil
}

// afterFuncScheduler arms one-shot timers on the runtime. The fire callback
// posts back into the loop, never touching protocol state directly.
type afterFuncScheduler struct{}

func (afterFuncScheduler) Schedule(d time.Duration, fire func()) func() {
	t := time.AfterFunc(d, fire)
	return func() { t.Stop() }
}

func (n *Node) postTimer(ev view.TimerEvent) {
	select {
	case n.events <- timerEvent{ev: ev}:
	case <-n.done:
	}
}

// Initialize attaches the transport and starts the processing loop.
func (n *Node) Initialize() error {
	if !n.started.CompareAndSwap(false, true) {
		return utils.NewError(utils.CodeInvalidInput, "node already initialized")
	}

	n.tr.SetHandler(func(from string, frame []byte) {
		select {
		case n.events <- frameEvent{from: from, frame: frame}:
		case <-n.done:
		}
	})

	n.loopWG.Add(1)
	go n.loop()

	n.logger.Info("node initialized",
		utils.ZapInt("cluster_size", n.table.N()),
		utils.ZapInt("max_faults", n.table.F()),
		utils.ZapBool("primary", n.engine.IsPrimary()))
	return nil
}

// Shutdown stops the loop and fails pending submissions.
func (n *Node) Shutdown() error {
	if !n.started.Load() {
		return utils.NewError(utils.CodeInvalidInput, "node not initialized")
	}
	if !n.stopping.CompareAndSwap(false, true) {
		return nil
	}
	close(n.done)
	n.loopWG.Wait()
	n.views.Shutdown()
	n.logger.Info("node stopped")
	return nil
}

// IsPrimary reports whether this node leads the current view.
func (n *Node) IsPrimary() bool { return n.primary.Load() }

// CurrentView returns the current view number.
func (n *Node) CurrentView() uint64 { return n.curView.Load() }

// OnCommit registers a callback invoked for every executed operation.
func (n *Node) OnCommit(cb CommitCallback) {
	n.cbMu.Lock()
	n.callbacks = append(n.callbacks, cb)
	n.cbMu.Unlock()
}

// SubmitRequest proposes an operation for total ordering and blocks until
// it executes, the context expires, or the node cannot accept it. Backups
// reject with NOT_PRIMARY. Resubmitting the same operation from the same
// timestamp returns the cached result without re-execution.
func (n *Node) SubmitRequest(ctx context.Context, operation []byte) (uint64, []byte, error) {
	return n.submit(ctx, operation, time.Now().UnixNano())
}

// SubmitRequestAt is SubmitRequest with a caller-chosen timestamp, the
// idempotence key for replays.
func (n *Node) SubmitRequestAt(ctx context.Context, operation []byte, timestamp int64) (uint64, []byte, error) {
	return n.submit(ctx, operation, timestamp)
}

func (n *Node) submit(ctx context.Context, operation []byte, timestamp int64) (uint64, []byte, error) {
	if err := n.failedFatally(); err != nil {
		return 0, nil, err
	}
	if !n.started.Load() || n.stopping.Load() {
		return 0, nil, utils.ErrShutdown
	}

	req := &messages.Request{
		ClientID:  n.table.SelfID(),
		Timestamp: timestamp,
		Operation: operation,
	}
	n.codec.Sign(req)

	ev := &submitEvent{request: req, resC: make(chan submitResult, 1), start: time.Now()}
	select {
	case n.events <- ev:
	case <-n.done:
		return 0, nil, utils.ErrShutdown
	case <-ctx.Done():
		return 0, nil, utils.WrapError(ctx.Err(), utils.CodeTimeout, "submit queue")
	}

	select {
	case res := <-ev.resC:
		return res.sequence, res.result, res.err
	case <-ctx.Done():
		return 0, nil, utils.WrapError(ctx.Err(), utils.CodeTimeout, "awaiting commit")
	case <-n.done:
		return 0, nil, utils.ErrShutdown
	}
}

// RelayOperation signs an operation as a client request and broadcasts it
// to the whole cluster so the current primary can order it. The local node
// also arms the execution timer, so a stalling primary gets suspected.
// Useful when an ingest source lands an operation on a backup.
func (n *Node) RelayOperation(ctx context.Context, operation []byte, timestamp int64) error {
	if err := n.failedFatally(); err != nil {
		return err
	}
	req := &messages.Request{
		ClientID:  n.table.SelfID(),
		Timestamp: timestamp,
		Operation: operation,
	}
	n.codec.Sign(req)
	frame, err := n.codec.Encode(req)
	if err != nil {
		return err
	}
	if err := n.tr.Broadcast(ctx, frame); err != nil {
		return err
	}
	select {
	case n.events <- frameEvent{from: n.table.SelfID(), frame: frame}:
	case <-n.done:
		return utils.ErrShutdown
	}
	return nil
}

func (n *Node) failedFatally() error {
	if v := n.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// loop is the single writer of all protocol state.
func (n *Node) loop() {
	defer n.loopWG.Done()
	for {
		select {
		case <-n.done:
			n.failWaiters(utils.ErrShutdown)
			return
		case ev := <-n.events:
			if n.failedFatally() != nil {
				continue // halted; drain without processing
			}
			switch e := ev.(type) {
			case frameEvent:
				n.handleFrame(e)
			case *submitEvent:
				n.handleSubmit(e)
			case timerEvent:
				n.handleTimer(e.ev)
			}
			n.syncMirrors()
		}
	}
}

func (n *Node) syncMirrors() {
	n.curView.Store(n.engine.View())
	n.primary.Store(n.engine.IsPrimary())
	n.lastExec.Store(n.engine.LastExecuted())
	n.stableSeq.Store(n.ckpt.StableSequence())
	n.pending.Store(int64(n.engine.PendingCount()))

	n.suspectMu.Lock()
	n.suspects = n.engine.Suspects()
	n.suspectMu.Unlock()
}

func (n *Node) handleSubmit(ev *submitEvent) {
	n.statMu.Lock()
	n.submittedTotal++
	n.statMu.Unlock()

	out, err := n.engine.OnRequest(ev.request)
	if err != nil {
		ev.resC <- submitResult{err: err}
		return
	}
	if out.CacheHit {
		ev.resC <- submitResult{sequence: out.CachedSequence, result: out.CachedResult}
		return
	}

	// A concurrent submission with the same (client, timestamp) would
	// otherwise strand the first caller until its context expires.
	digest := ev.request.Digest()
	if prior, dup := n.waiters[digest]; dup {
		prior.resC <- submitResult{err: utils.NewErrorf(utils.CodeInvalidInput,
			"request superseded by a duplicate submission")}
	}
	n.waiters[digest] = ev
	n.applyEngineOutcome(out)
}

func (n *Node) handleFrame(ev frameEvent) {
	msg, err := n.codec.Decode(ev.frame)
	if err != nil {
		n.statMu.Lock()
		n.invalidMessages++
		n.statMu.Unlock()
		n.logger.Debug("dropping invalid frame",
			utils.ZapString("from", ev.from), utils.ZapError(err))
		return
	}

	switch m := msg.(type) {
	case *messages.Request:
		// A client broadcast its request to the whole cluster. The
		// primary orders it; a backup starts the execution timer so a
		// stalling primary gets suspected.
		out, err := n.engine.OnRequest(m)
		if err != nil {
			if utils.GetErrorCode(err) == utils.CodeNotPrimary {
				n.views.StartRequestTimer(m.Digest())
				return
			}
			n.noteProtocolError(err)
			return
		}
		if out.CacheHit {
			return
		}
		n.applyEngineOutcome(out)

	case *messages.PrePrepare:
		n.applyEngine(n.engine.OnPrePrepare(m))

	case *messages.Prepare:
		n.applyEngine(n.engine.OnPrepare(m))

	case *messages.Commit:
		n.applyEngine(n.engine.OnCommit(m))

	case *messages.Checkpoint:
		stable, err := n.ckpt.OnCheckpoint(m)
		if err != nil {
			n.noteProtocolError(err)
			return
		}
		n.applyStable(stable)

	case *messages.ViewChange:
		out, err := n.views.OnViewChange(m)
		if err != nil {
			n.noteProtocolError(err)
			return
		}
		n.applyViewOutcome(out)

	case *messages.NewView:
		out, err := n.views.OnNewView(m)
		if err != nil {
			n.noteProtocolError(err)
			return
		}
		n.applyViewOutcome(out)

	default:
		n.logger.Warn("unhandled message type", utils.ZapString("type", msg.Type().String()))
	}
}

func (n *Node) handleTimer(ev view.TimerEvent) {
	out, err := n.views.HandleTimeout(ev)
	if err != nil {
		n.noteProtocolError(err)
		return
	}
	n.applyViewOutcome(out)
}

func (n *Node) applyEngine(out *engine.Outcome, err error) {
	if err != nil {
		n.noteProtocolError(err)
		return
	}
	n.applyEngineOutcome(out)
}

// noteProtocolError distinguishes routine rejections from fatal failures.
func (n *Node) noteProtocolError(err error) {
	if utils.IsFatal(err) {
		n.halt(err)
		return
	}
	code := utils.GetErrorCode(err)
	n.statMu.Lock()
	if code == utils.CodeStaleView {
		n.staleMessages++
	} else {
		n.invalidMessages++
	}
	n.statMu.Unlock()
	n.logger.Debug("rejected protocol message", utils.ZapError(err))
}

// halt stops processing permanently after an unrecoverable error, such as
// state divergence. Operator intervention is required.
func (n *Node) halt(err error) {
	n.fatalErr.Store(err)
	n.logger.Error("halting: unrecoverable consensus failure", utils.ZapError(err))
	n.failWaiters(err)
	n.views.Shutdown()
}

func (n *Node) failWaiters(err error) {
	for d, w := range n.waiters {
		w.resC <- submitResult{err: err}
		delete(n.waiters, d)
	}
}

func (n *Node) applyEngineOutcome(out *engine.Outcome) {
	if out == nil {
		return
	}
	for _, seq := range out.StopTimer {
		n.views.StopProgressTimer(seq)
	}
	for _, seq := range out.StartTimer {
		n.views.StartProgressTimer(seq)
	}
	n.broadcastAll(out.Broadcast)
	for _, ex := range out.Executed {
		n.onExecuted(ex)
	}
}

func (n *Node) applyViewOutcome(out *view.Outcome) {
	if out == nil {
		return
	}
	n.broadcastAll(out.Broadcast)
	if out.Install == nil {
		return
	}

	n.statMu.Lock()
	n.viewChanges++
	n.statMu.Unlock()

	engOut, err := n.engine.EnterView(out.Install.View, out.Install.Reissued)
	if err != nil {
		n.noteProtocolError(err)
		return
	}
	n.logger.Info("entered view",
		utils.ZapUint64("view", out.Install.View),
		utils.ZapBool("primary", n.engine.IsPrimary()),
		utils.ZapInt("reissued", len(out.Install.Reissued)))
	n.applyEngineOutcome(engOut)
}

func (n *Node) onExecuted(ex engine.Execution) {
	n.statMu.Lock()
	n.committedTotal++
	n.statMu.Unlock()

	n.views.StopRequestTimer(ex.Digest)

	if w, ok := n.waiters[ex.Digest]; ok {
		n.latency.ObserveDuration(time.Since(w.start))
		w.resC <- submitResult{sequence: ex.Sequence, result: ex.Result}
		delete(n.waiters, ex.Digest)
	}

	n.cbMu.RLock()
	cbs := n.callbacks
	n.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(ex.Sequence, ex.Request, ex.Result)
	}

	vote, stable, err := n.ckpt.OnExecuted(ex.Sequence, n.engine.StateDigest())
	if err != nil {
		n.noteProtocolError(err)
		return
	}
	if vote != nil {
		n.broadcastAll([]messages.Message{vote})
	}
	n.applyStable(stable)
}

func (n *Node) applyStable(stable *checkpoint.Stable) {
	if stable == nil {
		return
	}
	n.engine.CompactTo(stable.Sequence)
	n.logger.Debug("log compacted",
		utils.ZapUint64("stable_sequence", stable.Sequence))
}

func (n *Node) broadcastAll(msgs []messages.Message) {
	for _, msg := range msgs {
		frame, err := n.codec.Encode(msg)
		if err != nil {
			n.logger.Error("encode outbound message", utils.ZapError(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.tr.Broadcast(ctx, frame); err != nil {
			n.logger.Warn("broadcast failed",
				utils.ZapString("type", msg.Type().String()), utils.ZapError(err))
		}
		cancel()
	}
}
