package view

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"bftlog/pkg/config"
	"bftlog/pkg/membership"
	"bftlog/pkg/messages"
	"bftlog/pkg/utils"
)

// fakeScheduler hands out timers that only fire when the test says so.
type fakeScheduler struct {
	timers []*fakeTimer
}

type fakeTimer struct {
	fire      func()
	cancelled bool
}

func (s *fakeScheduler) Schedule(d time.Duration, fire func()) func() {
	ft := &fakeTimer{fire: fire}
	s.timers = append(s.timers, ft)
	return func() { ft.cancelled = true }
}

func (s *fakeScheduler) fireAll() {
	for _, ft := range s.timers {
		if !ft.cancelled {
			ft.fire()
		}
	}
}

type fakeLog struct {
	view     uint64
	prepared []*messages.PreparedEntry
}

func (f *fakeLog) View() uint64 { return f.view }
func (f *fakeLog) PreparedAbove(seq uint64) []*messages.PreparedEntry {
	var out []*messages.PreparedEntry
	for _, e := range f.prepared {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

type fakeCkpt struct {
	stable uint64
	proof  []*messages.Checkpoint
}

func (f *fakeCkpt) StableSequence() uint64              { return f.stable }
func (f *fakeCkpt) StableProof() []*messages.Checkpoint { return f.proof }

type harness struct {
	mgr    *Manager
	sched  *fakeScheduler
	log    *fakeLog
	ckpt   *fakeCkpt
	events []TimerEvent

	self   string
	codecs map[string]*messages.Codec
	tables map[string]*membership.Table
}

// newHarness builds a view manager for self in a 4-node cluster, plus
// codecs for every member so tests can forge peer traffic.
func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	base := config.DefaultConfig()
	base.MaxFaults = 1

	privs := make(map[string]ed25519.PrivateKey, 4)
	for i := 0; i < 4; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := fmt.Sprintf("node-%d", i)
		base.Peers = append(base.Peers, config.Peer{ID: id, PublicKey: pub})
		privs[id] = priv
	}

	h := &harness{
		self:   self,
		sched:  &fakeScheduler{},
		log:    &fakeLog{},
		ckpt:   &fakeCkpt{},
		codecs: make(map[string]*messages.Codec, 4),
		tables: make(map[string]*membership.Table, 4),
	}
	for id, priv := range privs {
		cfg := base
		cfg.NodeID = id
		cfg.PrivateKey = priv
		table, err := membership.NewTable(cfg)
		if err != nil {
			t.Fatalf("NewTable: %v", err)
		}
		codec, err := messages.NewCodec(table, messages.CodecConfig{})
		if err != nil {
			t.Fatalf("NewCodec: %v", err)
		}
		h.codecs[id] = codec
		h.tables[id] = table
	}

	h.mgr = NewManager(h.tables[self], h.codecs[self], h.log, h.ckpt, h.sched,
		func(ev TimerEvent) { h.events = append(h.events, ev) },
		utils.CreateTestLogger(), 50*time.Millisecond)
	return h
}

// preparedEntry builds a fully certified prepared slot from view 0.
func (h *harness) preparedEntry(t *testing.T, seq uint64, op []byte) *messages.PreparedEntry {
	t.Helper()
	req := &messages.Request{ClientID: "node-2", Timestamp: int64(seq), Operation: op}
	h.codecs["node-2"].Sign(req)

	pp := &messages.PrePrepare{
		View:      0,
		Sequence:  seq,
		Digest:    req.Digest(),
		Request:   req,
		ReplicaID: "node-0", // primary of view 0
	}
	h.codecs["node-0"].Sign(pp)

	var prepares []*messages.Prepare
	for _, from := range []string{"node-0", "node-1", "node-2"} {
		p := &messages.Prepare{View: 0, Sequence: seq, Digest: pp.Digest, ReplicaID: from}
		h.codecs[from].Sign(p)
		prepares = append(prepares, p)
	}
	return &messages.PreparedEntry{
		View:       0,
		Sequence:   seq,
		Digest:     pp.Digest,
		PrePrepare: pp,
		Prepares:   prepares,
	}
}

// viewChange builds a signed view-change vote from a peer.
func (h *harness) viewChange(t *testing.T, from string, target uint64, prepared ...*messages.PreparedEntry) *messages.ViewChange {
	t.Helper()
	vc := &messages.ViewChange{
		NewView:   target,
		Prepared:  prepared,
		ReplicaID: from,
	}
	h.codecs[from].Sign(vc)
	return vc
}

func TestProgressTimeoutStartsViewChange(t *testing.T) {
	h := newHarness(t, "node-0")

	h.mgr.StartProgressTimer(1)
	h.sched.fireAll()
	if len(h.events) != 1 || h.events[0].Kind != TimerProgress {
		t.Fatalf("events = %v, want one progress timeout", h.events)
	}

	out, err := h.mgr.HandleTimeout(h.events[0])
	if err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if len(out.Broadcast) != 1 {
		t.Fatalf("broadcast %d messages, want 1", len(out.Broadcast))
	}
	vc, ok := out.Broadcast[0].(*messages.ViewChange)
	if !ok {
		t.Fatalf("broadcast %T, want *ViewChange", out.Broadcast[0])
	}
	if vc.NewView != 1 {
		t.Errorf("view-change targets view %d, want 1", vc.NewView)
	}
	if !h.mgr.InViewChange() {
		t.Error("manager not in view change after timeout")
	}
}

func TestStoppedTimerDoesNotFireViewChange(t *testing.T) {
	h := newHarness(t, "node-0")

	h.mgr.StartProgressTimer(1)
	h.mgr.StopProgressTimer(1)
	h.sched.fireAll()
	if len(h.events) != 0 {
		t.Fatalf("cancelled timer fired: %v", h.events)
	}

	// A late event for an unarmed sequence is a no-op.
	out, err := h.mgr.HandleTimeout(TimerEvent{Kind: TimerProgress, Sequence: 1})
	if err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if len(out.Broadcast) != 0 || h.mgr.InViewChange() {
		t.Error("stale timeout started a view change")
	}
}

func TestViewChangeTimeoutEscalates(t *testing.T) {
	h := newHarness(t, "node-0")

	h.mgr.StartProgressTimer(1)
	h.sched.fireAll()
	if _, err := h.mgr.HandleTimeout(h.events[0]); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	// The view-change completion timer fires; target moves to view 2.
	h.events = nil
	h.sched.fireAll()
	if len(h.events) != 1 || h.events[0].Kind != TimerViewChange {
		t.Fatalf("events = %v, want one view-change timeout", h.events)
	}
	out, err := h.mgr.HandleTimeout(h.events[0])
	if err != nil {
		t.Fatalf("escalation: %v", err)
	}
	if len(out.Broadcast) != 1 {
		t.Fatalf("broadcast %d messages, want 1", len(out.Broadcast))
	}
	if vc := out.Broadcast[0].(*messages.ViewChange); vc.NewView != 2 {
		t.Errorf("escalated to view %d, want 2", vc.NewView)
	}
}

func TestJoinRuleAtFPlus1(t *testing.T) {
	h := newHarness(t, "node-0")

	// One vote for view 1: below f+1, no join.
	out, err := h.mgr.OnViewChange(h.viewChange(t, "node-2", 1))
	if err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	if len(out.Broadcast) != 0 || h.mgr.InViewChange() {
		t.Fatal("joined view change on a single vote")
	}

	// Second distinct sender reaches f+1; this node joins.
	out, err = h.mgr.OnViewChange(h.viewChange(t, "node-3", 1))
	if err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	if !h.mgr.InViewChange() {
		t.Fatal("did not join view change at f+1 votes")
	}
	found := false
	for _, msg := range out.Broadcast {
		if vc, ok := msg.(*messages.ViewChange); ok && vc.ReplicaID == "node-0" && vc.NewView == 1 {
			found = true
		}
	}
	if !found {
		t.Error("join did not broadcast this node's view-change")
	}
}

func TestPrimaryElectAssemblesNewView(t *testing.T) {
	// View 1 is led by node-1.
	h := newHarness(t, "node-1")
	entry := h.preparedEntry(t, 3, []byte("survives"))

	if _, err := h.mgr.OnViewChange(h.viewChange(t, "node-2", 1, entry)); err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	// f+1 reached: node-1 joins, which is its own vote; with node-2 and
	// node-3 that makes the 2f+1 quorum and the new-view goes out.
	out, err := h.mgr.OnViewChange(h.viewChange(t, "node-3", 1))
	if err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}

	var nv *messages.NewView
	for _, msg := range out.Broadcast {
		if m, ok := msg.(*messages.NewView); ok {
			nv = m
		}
	}
	if nv == nil {
		t.Fatal("primary-elect did not broadcast a new-view")
	}
	if nv.View != 1 || len(nv.ViewChanges) < 3 {
		t.Errorf("new-view = (view %d, %d votes)", nv.View, len(nv.ViewChanges))
	}
	if out.Install == nil || out.Install.View != 1 {
		t.Fatal("primary-elect did not install the new view")
	}

	// The prepared slot survives into the new view; slots 1 and 2 are
	// no-op filled.
	if len(out.Install.Reissued) != 3 {
		t.Fatalf("reissued %d pre-prepares, want 3", len(out.Install.Reissued))
	}
	for i, pp := range out.Install.Reissued {
		if pp.Sequence != uint64(i+1) {
			t.Errorf("reissued[%d] at sequence %d", i, pp.Sequence)
		}
		if pp.View != 1 {
			t.Errorf("reissued[%d] in view %d, want 1", i, pp.View)
		}
	}
	if out.Install.Reissued[2].Digest != entry.Digest {
		t.Error("prepared digest lost in the merge")
	}
	if !out.Install.Reissued[0].Request.IsNoOp() || !out.Install.Reissued[1].Request.IsNoOp() {
		t.Error("gap slots not filled with no-ops")
	}
}

func TestBackupValidatesNewView(t *testing.T) {
	// Assemble a genuine new-view on node-1, then validate it on node-0.
	assembler := newHarness(t, "node-1")
	entry := assembler.preparedEntry(t, 1, []byte("op"))
	if _, err := assembler.mgr.OnViewChange(assembler.viewChange(t, "node-2", 1, entry)); err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	out, err := assembler.mgr.OnViewChange(assembler.viewChange(t, "node-3", 1))
	if err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	var nv *messages.NewView
	for _, msg := range out.Broadcast {
		if m, ok := msg.(*messages.NewView); ok {
			nv = m
		}
	}
	if nv == nil {
		t.Fatal("no new-view assembled")
	}

	backup := newHarnessFrom(t, assembler, "node-0")
	got, err := backup.mgr.OnNewView(nv)
	if err != nil {
		t.Fatalf("OnNewView: %v", err)
	}
	if got.Install == nil || got.Install.View != 1 {
		t.Fatal("backup did not install the validated view")
	}
	if len(got.Install.Reissued) != 1 || got.Install.Reissued[0].Digest != entry.Digest {
		t.Error("backup installed the wrong reissued set")
	}
}

func TestTamperedNewViewRejected(t *testing.T) {
	assembler := newHarness(t, "node-1")
	entry := assembler.preparedEntry(t, 1, []byte("op"))
	if _, err := assembler.mgr.OnViewChange(assembler.viewChange(t, "node-2", 1, entry)); err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	out, err := assembler.mgr.OnViewChange(assembler.viewChange(t, "node-3", 1))
	if err != nil {
		t.Fatalf("OnViewChange: %v", err)
	}
	var nv *messages.NewView
	for _, msg := range out.Broadcast {
		if m, ok := msg.(*messages.NewView); ok {
			nv = m
		}
	}

	// Swap the reissued digest for a slot the merge never chose.
	nv.PrePrepares[0].Digest = messages.Digest{0xde, 0xad}

	backup := newHarnessFrom(t, assembler, "node-0")
	if _, err := backup.mgr.OnNewView(nv); err == nil {
		t.Fatal("tampered new-view accepted")
	}
}

func TestNewViewFromWrongPrimaryRejected(t *testing.T) {
	h := newHarness(t, "node-0")
	nv := &messages.NewView{View: 1, ReplicaID: "node-2"}
	h.codecs["node-2"].Sign(nv)
	if _, err := h.mgr.OnNewView(nv); err == nil {
		t.Fatal("new-view from non-primary accepted")
	}
}

func TestStaleViewChangeRejected(t *testing.T) {
	h := newHarness(t, "node-0")
	h.log.view = 2
	_, err := h.mgr.OnViewChange(h.viewChange(t, "node-1", 1))
	if utils.GetErrorCode(err) != utils.CodeStaleView {
		t.Fatalf("error = %v, want STALE_VIEW", err)
	}
}

func TestMergePreparedPicksMajorityDigest(t *testing.T) {
	h := newHarness(t, "node-0")
	a := h.preparedEntry(t, 1, []byte("digest-a"))
	b := h.preparedEntry(t, 1, []byte("digest-b"))

	vcs := []*messages.ViewChange{
		h.viewChange(t, "node-1", 1, a),
		h.viewChange(t, "node-2", 1, a),
		h.viewChange(t, "node-3", 1, b),
	}
	out := mergePrepared(1, "node-1", vcs)
	if len(out) != 1 {
		t.Fatalf("merged %d slots, want 1", len(out))
	}
	if out[0].Digest != a.Digest {
		t.Error("merge did not pick the majority digest")
	}
}

func TestClaimTieBreaks(t *testing.T) {
	base := claim{digest: messages.Digest{0x10}, view: 3, count: 2}

	moreVotes := claim{digest: messages.Digest{0xff}, view: 0, count: 3}
	if !betterClaim(&moreVotes, &base) {
		t.Error("claim with more senders must win regardless of view and digest")
	}

	higherView := claim{digest: messages.Digest{0xff}, view: 4, count: 2}
	if !betterClaim(&higherView, &base) {
		t.Error("at equal count the higher view must win")
	}

	smallerDigest := claim{digest: messages.Digest{0x01}, view: 3, count: 2}
	if !betterClaim(&smallerDigest, &base) {
		t.Error("at equal count and view the smaller digest must win")
	}
	if betterClaim(&base, &smallerDigest) {
		t.Error("tie-break ordering must be asymmetric")
	}
}

// newHarnessFrom builds a second manager sharing the first harness's
// cluster keys, so messages signed in one verify in the other.
func newHarnessFrom(t *testing.T, src *harness, self string) *harness {
	t.Helper()
	h := &harness{
		self:   self,
		sched:  &fakeScheduler{},
		log:    &fakeLog{},
		ckpt:   &fakeCkpt{},
		codecs: src.codecs,
		tables: src.tables,
	}
	h.mgr = NewManager(h.tables[self], h.codecs[self], h.log, h.ckpt, h.sched,
		func(ev TimerEvent) { h.events = append(h.events, ev) },
		utils.CreateTestLogger(), 50*time.Millisecond)
	return h
}
