// Package membership holds the static cluster view: who the members are,
// which keys they sign with, who leads a given view, and how many votes make
// a quorum. The table is immutable after construction; every consensus
// component shares one instance.
package membership

import (
	"crypto/ed25519"
	"sort"

	"bftlog/pkg/config"
	"bftlog/pkg/utils"
)

// Table is the immutable membership table for one cluster.
type Table struct {
	selfID  string
	ids     []string // sorted, defines primary rotation order
	index   map[string]int
	keys    map[string]ed25519.PublicKey
	addrs   map[string]string
	faults  int
	privKey ed25519.PrivateKey
}

// NewTable builds a membership table from a validated config.
func NewTable(cfg config.Config) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Table{
		selfID:  cfg.NodeID,
		ids:     make([]string, 0, len(cfg.Peers)),
		index:   make(map[string]int, len(cfg.Peers)),
		keys:    make(map[string]ed25519.PublicKey, len(cfg.Peers)),
		addrs:   make(map[string]string, len(cfg.Peers)),
		faults:  cfg.MaxFaults,
		privKey: cfg.PrivateKey,
	}
	for _, p := range cfg.Peers {
		t.ids = append(t.ids, p.ID)
		key := make(ed25519.PublicKey, len(p.PublicKey))
		copy(key, p.PublicKey)
		t.keys[p.ID] = key
		if p.Address != "" {
			t.addrs[p.ID] = p.Address
		}
	}
	sort.Strings(t.ids)
	for i, id := range t.ids {
		t.index[id] = i
	}
	return t, nil
}

// SelfID returns this node's identifier.
func (t *Table) SelfID() string { return t.selfID }

// SigningKey returns this node's private key.
func (t *Table) SigningKey() ed25519.PrivateKey { return t.privKey }

// N returns the cluster size.
func (t *Table) N() int { return len(t.ids) }

// F returns the number of tolerated Byzantine faults.
func (t *Table) F() int { return t.faults }

// Quorum returns the certificate threshold, 2f+1.
func (t *Table) Quorum() int { return 2*t.faults + 1 }

// WeakQuorum returns f+1, the threshold guaranteeing at least one honest
// member among the voters.
func (t *Table) WeakQuorum() int { return t.faults + 1 }

// IDs returns the member ids in rotation order. The caller must not mutate
// the returned slice.
func (t *Table) IDs() []string { return t.ids }

// Contains reports whether id is a cluster member.
func (t *Table) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// PublicKey returns the verification key for a member.
func (t *Table) PublicKey(id string) (ed25519.PublicKey, error) {
	key, ok := t.keys[id]
	if !ok {
		return nil, utils.NewErrorf(utils.CodeUnknownSender, "no key for node %q", id)
	}
	return key, nil
}

// Address returns the configured transport address for a member, if any.
func (t *Table) Address(id string) (string, bool) {
	addr, ok := t.addrs[id]
	return addr, ok
}

// PrimaryForView returns the id of the primary for a view. The primary
// rotates round-robin over the sorted member ids.
func (t *Table) PrimaryForView(view uint64) string {
	return t.ids[int(view%uint64(len(t.ids)))]
}

// IsPrimary reports whether id leads the given view.
func (t *Table) IsPrimary(id string, view uint64) bool {
	return t.PrimaryForView(view) == id
}
