package membership

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"bftlog/pkg/config"
)

func testConfig(t *testing.T, n, f int) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MaxFaults = f
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := fmt.Sprintf("node-%d", i)
		cfg.Peers = append(cfg.Peers, config.Peer{ID: id, PublicKey: pub})
		if i == 0 {
			cfg.NodeID = id
			cfg.PrivateKey = priv
		}
	}
	return cfg
}

func TestQuorumThresholds(t *testing.T) {
	table, err := NewTable(testConfig(t, 4, 1))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if got := table.N(); got != 4 {
		t.Errorf("N = %d, want 4", got)
	}
	if got := table.Quorum(); got != 3 {
		t.Errorf("Quorum = %d, want 3", got)
	}
	if got := table.WeakQuorum(); got != 2 {
		t.Errorf("WeakQuorum = %d, want 2", got)
	}
}

func TestPrimaryRotation(t *testing.T) {
	table, err := NewTable(testConfig(t, 4, 1))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	// Sorted order: node-0, node-1, node-2, node-3.
	cases := []struct {
		view uint64
		want string
	}{
		{0, "node-0"},
		{1, "node-1"},
		{3, "node-3"},
		{4, "node-0"},
		{7, "node-3"},
		{100, "node-0"},
	}
	for _, tc := range cases {
		if got := table.PrimaryForView(tc.view); got != tc.want {
			t.Errorf("PrimaryForView(%d) = %s, want %s", tc.view, got, tc.want)
		}
	}
	if !table.IsPrimary("node-2", 2) {
		t.Error("node-2 should lead view 2")
	}
	if table.IsPrimary("node-2", 3) {
		t.Error("node-2 should not lead view 3")
	}
}

func TestUnknownMember(t *testing.T) {
	table, err := NewTable(testConfig(t, 4, 1))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if table.Contains("node-9") {
		t.Error("node-9 should not be a member")
	}
	if _, err := table.PublicKey("node-9"); err == nil {
		t.Error("expected error for unknown member key")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("too few nodes for faults", func(t *testing.T) {
		cfg := testConfig(t, 4, 1)
		cfg.MaxFaults = 2 // needs 7 nodes
		if _, err := NewTable(cfg); err == nil {
			t.Fatal("expected validation failure")
		}
	})

	t.Run("duplicate peer id", func(t *testing.T) {
		cfg := testConfig(t, 4, 1)
		cfg.Peers[1].ID = cfg.Peers[0].ID
		if _, err := NewTable(cfg); err == nil {
			t.Fatal("expected validation failure")
		}
	})

	t.Run("self missing from peers", func(t *testing.T) {
		cfg := testConfig(t, 4, 1)
		cfg.NodeID = "node-99"
		if _, err := NewTable(cfg); err == nil {
			t.Fatal("expected validation failure")
		}
	})

	t.Run("zero timeout", func(t *testing.T) {
		cfg := testConfig(t, 4, 1)
		cfg.ViewChangeTimeout = 0 * time.Second
		if _, err := NewTable(cfg); err == nil {
			t.Fatal("expected validation failure")
		}
	})
}
