package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"bftlog/pkg/config"
	"bftlog/pkg/membership"
	"bftlog/pkg/messages"
	"bftlog/pkg/transport"
	"bftlog/pkg/utils"
)

// orderedExecutor records applied operations in order.
type orderedExecutor struct {
	mu  sync.Mutex
	ops [][]byte
}

func (e *orderedExecutor) Apply(sequence uint64, operation []byte) []byte {
	e.mu.Lock()
	e.ops = append(e.ops, append([]byte(nil), operation...))
	e.mu.Unlock()
	return append([]byte("r:"), operation...)
}

func (e *orderedExecutor) snapshot() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.ops))
	copy(out, e.ops)
	return out
}

type testCluster struct {
	bus   *transport.Bus
	byID  map[string]*Node
	execs map[string]*orderedExecutor
	cfgs  map[string]config.Config
	ids   []string
}

// newCluster starts n nodes over an in-memory bus with short timeouts.
func newCluster(t *testing.T, n, f int, ckptInterval uint64) *testCluster {
	t.Helper()
	base := config.DefaultConfig()
	base.MaxFaults = f
	base.ViewChangeTimeout = 150 * time.Millisecond
	base.CheckpointInterval = ckptInterval

	privs := make(map[string]ed25519.PrivateKey, n)
	var ids []string
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := fmt.Sprintf("node-%d", i)
		base.Peers = append(base.Peers, config.Peer{ID: id, PublicKey: pub})
		privs[id] = priv
		ids = append(ids, id)
	}

	tc := &testCluster{
		bus:   transport.NewBus(),
		byID:  make(map[string]*Node, n),
		execs: make(map[string]*orderedExecutor, n),
		cfgs:  make(map[string]config.Config, n),
		ids:   ids,
	}
	for _, id := range ids {
		cfg := base
		cfg.NodeID = id
		cfg.PrivateKey = privs[id]
		tc.cfgs[id] = cfg

		exec := &orderedExecutor{}
		nd, err := New(cfg, exec, tc.bus.Join(id), utils.CreateTestLogger())
		if err != nil {
			t.Fatalf("New(%s): %v", id, err)
		}
		if err := nd.Initialize(); err != nil {
			t.Fatalf("Initialize(%s): %v", id, err)
		}
		tc.byID[id] = nd
		tc.execs[id] = exec
	}

	t.Cleanup(func() {
		for _, nd := range tc.byID {
			nd.Shutdown()
		}
	})
	return tc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// codecAs builds a codec signing as one cluster member, for forging client
// traffic from outside the nodes.
func (tc *testCluster) codecAs(t *testing.T, id string) *messages.Codec {
	t.Helper()
	table, err := membership.NewTable(tc.cfgs[id])
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	codec, err := messages.NewCodec(table, messages.CodecConfig{})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestClusterCommitsInOrder(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)
	primary := tc.byID["node-0"]
	if !primary.IsPrimary() {
		t.Fatal("node-0 should lead view 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var want [][]byte
	for i := 0; i < 5; i++ {
		op := []byte(fmt.Sprintf("op-%d", i))
		want = append(want, op)
		seq, result, err := primary.SubmitRequest(ctx, op)
		if err != nil {
			t.Fatalf("SubmitRequest(%d): %v", i, err)
		}
		if seq != uint64(i+1) {
			t.Errorf("sequence = %d, want %d", seq, i+1)
		}
		if !bytes.Equal(result, append([]byte("r:"), op...)) {
			t.Errorf("result = %q", result)
		}
	}

	// Every node executes the same operations in the same order.
	for _, id := range tc.ids {
		id := id
		waitFor(t, id+" executing all ops", func() bool {
			return len(tc.execs[id].snapshot()) == 5
		})
		got := tc.execs[id].snapshot()
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Errorf("%s executed %q at %d, want %q", id, got[i], i, want[i])
			}
		}
		if v := tc.byID[id].CurrentView(); v != 0 {
			t.Errorf("%s moved to view %d without cause", id, v)
		}
	}

	m := primary.Metrics()
	if m.CommittedTotal != 5 {
		t.Errorf("primary committed %d, want 5", m.CommittedTotal)
	}
}

func TestPrimaryFailureTriggersViewChange(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Commit one operation under the first primary.
	if _, _, err := tc.byID["node-0"].SubmitRequest(ctx, []byte("before")); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}

	// Submissions to a backup are refused while the primary is healthy.
	if _, _, err := tc.byID["node-1"].SubmitRequest(ctx, []byte("misdirected")); utils.GetErrorCode(err) != utils.CodeNotPrimary {
		t.Fatalf("backup submission error = %v, want NOT_PRIMARY", err)
	}

	// Kill the primary, then let a client broadcast a request to the
	// cluster. The backups' execution timers expire and they elect the
	// next primary.
	tc.bus.Disconnect("node-0")

	codec := tc.codecAs(t, "node-2")
	req := &messages.Request{
		ClientID:  "node-2",
		Timestamp: time.Now().UnixNano(),
		Operation: []byte("stuck"),
	}
	codec.Sign(req)
	frame, err := codec.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	client := tc.bus.Join("client")
	defer client.Close()
	if err := client.Broadcast(context.Background(), frame); err != nil {
		t.Fatalf("client broadcast: %v", err)
	}

	// View 1 is led by node-1.
	waitFor(t, "view change to view 1", func() bool {
		for _, id := range []string{"node-1", "node-2", "node-3"} {
			if tc.byID[id].CurrentView() != 1 {
				return false
			}
		}
		return tc.byID["node-1"].IsPrimary()
	})

	// The cluster is live again under the new primary.
	seq, result, err := tc.byID["node-1"].SubmitRequest(ctx, []byte("after"))
	if err != nil {
		t.Fatalf("SubmitRequest after view change: %v", err)
	}
	if seq == 0 || !bytes.Equal(result, []byte("r:after")) {
		t.Errorf("post-failover commit = (%d, %q)", seq, result)
	}

	stats := tc.byID["node-1"].Stats()
	if stats.Primary != "node-1" || !stats.IsPrimary {
		t.Errorf("stats after failover: %+v", stats)
	}
}

func TestDuplicateSubmissionReturnsCachedResult(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)
	primary := tc.byID["node-0"]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := time.Now().UnixNano()
	seq1, res1, err := primary.SubmitRequestAt(ctx, []byte("once"), ts)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	seq2, res2, err := primary.SubmitRequestAt(ctx, []byte("once"), ts)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if seq1 != seq2 || !bytes.Equal(res1, res2) {
		t.Errorf("replay = (%d, %q), original (%d, %q)", seq2, res2, seq1, res1)
	}

	waitFor(t, "single execution", func() bool {
		return len(tc.execs["node-0"].snapshot()) == 1
	})
	// Allow the pipeline to settle, then confirm nothing executed twice.
	time.Sleep(100 * time.Millisecond)
	for _, id := range tc.ids {
		if n := len(tc.execs[id].snapshot()); n != 1 {
			t.Errorf("%s executed %d times, want 1", id, n)
		}
	}
}

func TestConcurrentDuplicateSubmissionReleasesFirstWaiter(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)
	primary := tc.byID["node-0"]

	// Cut the primary off so neither submission can commit.
	tc.bus.Disconnect("node-0")

	ts := time.Now().UnixNano()
	firstDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := primary.SubmitRequestAt(ctx, []byte("same"), ts)
		firstDone <- err
	}()

	// Let the first submission register its waiter before the duplicate
	// arrives.
	time.Sleep(50 * time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	go primary.SubmitRequestAt(ctx2, []byte("same"), ts)

	// The displaced caller must be answered promptly, not left hanging
	// until its own context expires.
	select {
	case err := <-firstDone:
		if err == nil {
			t.Fatal("displaced submission reported success without a commit")
		}
		if utils.GetErrorCode(err) == utils.CodeTimeout {
			t.Fatalf("displaced submission timed out instead of being released: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first submission still blocked after duplicate displaced it")
	}
}

func TestInvalidTrafficIsIgnored(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rogue := tc.bus.Join("rogue")
	defer rogue.Close()

	// Garbage, truncated and outsider-signed frames.
	junk := [][]byte{
		{},
		{0xff},
		[]byte("not a frame at all"),
	}
	_, roguePriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := &messages.Prepare{View: 0, Sequence: 1, Digest: messages.Digest{1}, ReplicaID: "node-2"}
	forged.Signature = ed25519.Sign(roguePriv, forged.SignBytes())
	codec := tc.codecAs(t, "node-2")
	if frame, err := codec.Encode(forged); err == nil {
		junk = append(junk, frame)
	}
	for _, frame := range junk {
		rogue.Broadcast(context.Background(), frame)
	}

	// Consensus proceeds untouched.
	seq, _, err := tc.byID["node-0"].SubmitRequest(ctx, []byte("healthy"))
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if seq != 1 {
		t.Errorf("sequence = %d, want 1", seq)
	}
	for _, id := range tc.ids {
		if v := tc.byID[id].CurrentView(); v != 0 {
			t.Errorf("%s changed view over invalid traffic", id)
		}
	}

	waitFor(t, "invalid frames counted", func() bool {
		return tc.byID["node-1"].Metrics().InvalidMessages > 0
	})
}

func TestCheckpointStabilizesAndCompacts(t *testing.T) {
	tc := newCluster(t, 4, 1, 2)
	primary := tc.byID["node-0"]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 4; i++ {
		if _, _, err := primary.SubmitRequest(ctx, []byte(fmt.Sprintf("op-%d", i))); err != nil {
			t.Fatalf("SubmitRequest(%d): %v", i, err)
		}
	}

	for _, id := range tc.ids {
		id := id
		waitFor(t, id+" stable checkpoint at 4", func() bool {
			return tc.byID[id].Stats().StableCheckpoint == 4
		})
	}
}

func TestRelayOperationReachesPrimary(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A backup relays an operation; the primary orders and commits it.
	if err := tc.byID["node-2"].RelayOperation(ctx, []byte("routed"), time.Now().UnixNano()); err != nil {
		t.Fatalf("RelayOperation: %v", err)
	}
	waitFor(t, "relayed operation executing everywhere", func() bool {
		for _, id := range tc.ids {
			ops := tc.execs[id].snapshot()
			if len(ops) != 1 || !bytes.Equal(ops[0], []byte("routed")) {
				return false
			}
		}
		return true
	})
}

func TestShutdownFailsPendingSubmissions(t *testing.T) {
	tc := newCluster(t, 4, 1, 100)

	// Isolate the primary so its proposal can never commit.
	tc.bus.Disconnect("node-0")
	errC := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, err := tc.byID["node-0"].SubmitRequest(ctx, []byte("doomed"))
		errC <- err
	}()

	time.Sleep(50 * time.Millisecond)
	tc.byID["node-0"].Shutdown()

	select {
	case err := <-errC:
		if err == nil {
			t.Fatal("pending submission succeeded after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending submission did not fail on shutdown")
	}
}
