// Package checkpoint tracks periodic state checkpoints: collecting votes,
// declaring stability at 2f+1 matching digests, and detecting divergence
// between this node's state and the quorum's.
package checkpoint

import (
	"fmt"

	"bftlog/pkg/membership"
	"bftlog/pkg/messages"
	"bftlog/pkg/utils"
)

// Stable is a checkpoint certified by 2f+1 nodes. Proof carries the votes
// for inclusion in view-change messages.
type Stable struct {
	Sequence uint64
	Digest   messages.Digest
	Proof    []*messages.Checkpoint
}

// Manager collects checkpoint votes for one node.
type Manager struct {
	table  *membership.Table
	codec  *messages.Codec
	logger *utils.Logger

	interval uint64

	stableSeq    uint64
	stableDigest messages.Digest
	stableProof  []*messages.Checkpoint

	// votes[seq][sender], only for sequences above the stable checkpoint.
	votes map[uint64]map[string]*messages.Checkpoint

	// own[seq] is this node's state digest at executed boundaries.
	own map[uint64]messages.Digest
}

// NewManager constructs a checkpoint manager.
func NewManager(table *membership.Table, codec *messages.Codec, logger *utils.Logger, interval uint64) *Manager {
	return &Manager{
		table:    table,
		codec:    codec,
		logger:   logger,
		interval: interval,
		votes:    make(map[uint64]map[string]*messages.Checkpoint),
		own:      make(map[uint64]messages.Digest),
	}
}

// Interval returns the checkpoint interval.
func (m *Manager) Interval() uint64 { return m.interval }

// StableSequence returns the sequence of the last stable checkpoint.
func (m *Manager) StableSequence() uint64 { return m.stableSeq }

// StableDigest returns the digest of the last stable checkpoint.
func (m *Manager) StableDigest() messages.Digest { return m.stableDigest }

// StableProof returns the vote set certifying the last stable checkpoint.
func (m *Manager) StableProof() []*messages.Checkpoint { return m.stableProof }

// IsBoundary reports whether seq ends a checkpoint interval.
func (m *Manager) IsBoundary(seq uint64) bool {
	return seq > 0 && seq%m.interval == 0
}

// OnExecuted records this node's state digest after executing seq. At an
// interval boundary it returns a signed checkpoint vote to broadcast and a
// possibly newly stable checkpoint. A fatal DIVERGENCE error is returned if
// the quorum already stabilized a different digest for this boundary.
func (m *Manager) OnExecuted(seq uint64, stateDigest messages.Digest) (*messages.Checkpoint, *Stable, error) {
	if !m.IsBoundary(seq) {
		return nil, nil, nil
	}
	m.own[seq] = stateDigest

	if seq == m.stableSeq && stateDigest != m.stableDigest {
		return nil, nil, utils.NewDivergenceError(fmt.Sprintf(
			"state digest at sequence %d disagrees with stable checkpoint", seq))
	}

	cp := &messages.Checkpoint{
		Sequence:    seq,
		StateDigest: stateDigest,
		ReplicaID:   m.table.SelfID(),
	}
	m.codec.Sign(cp)

	stable, err := m.record(cp)
	if err != nil {
		return nil, nil, err
	}
	return cp, stable, nil
}

// OnCheckpoint records a peer's checkpoint vote and returns a newly stable
// checkpoint when 2f+1 matching votes exist.
func (m *Manager) OnCheckpoint(cp *messages.Checkpoint) (*Stable, error) {
	if cp.Sequence <= m.stableSeq {
		return nil, nil // already stable or garbage-collected
	}
	if cp.Sequence%m.interval != 0 {
		return nil, utils.NewErrorf(utils.CodeInvalidMessage,
			"checkpoint at %d is not an interval boundary", cp.Sequence)
	}
	return m.record(cp)
}

func (m *Manager) record(cp *messages.Checkpoint) (*Stable, error) {
	bySender, ok := m.votes[cp.Sequence]
	if !ok {
		bySender = make(map[string]*messages.Checkpoint)
		m.votes[cp.Sequence] = bySender
	}
	if prev, dup := bySender[cp.ReplicaID]; dup {
		if prev.StateDigest != cp.StateDigest {
			return nil, utils.NewErrorf(utils.CodeEquivocation,
				"%s sent conflicting checkpoints at sequence %d", cp.ReplicaID, cp.Sequence)
		}
		return nil, nil
	}
	bySender[cp.ReplicaID] = cp

	// Count votes agreeing on a digest.
	matching := 0
	for _, v := range bySender {
		if v.StateDigest == cp.StateDigest {
			matching++
		}
	}
	if matching < m.table.Quorum() {
		return nil, nil
	}

	// Quorum formed. Divergence is fatal when this node executed the
	// boundary with a different digest.
	if ownDigest, executed := m.own[cp.Sequence]; executed && ownDigest != cp.StateDigest {
		return nil, utils.NewDivergenceError(fmt.Sprintf(
			"quorum stabilized sequence %d with a digest this node does not have", cp.Sequence))
	}

	proof := make([]*messages.Checkpoint, 0, matching)
	for _, v := range bySender {
		if v.StateDigest == cp.StateDigest {
			proof = append(proof, v)
		}
	}

	m.stableSeq = cp.Sequence
	m.stableDigest = cp.StateDigest
	m.stableProof = proof

	// Drop vote sets and own digests at or below the new stable point.
	for seq := range m.votes {
		if seq <= m.stableSeq {
			delete(m.votes, seq)
		}
	}
	for seq := range m.own {
		if seq < m.stableSeq {
			delete(m.own, seq)
		}
	}

	m.logger.Info("checkpoint stable",
		utils.ZapUint64("sequence", m.stableSeq),
		utils.ZapString("state_digest", m.stableDigest.String()))

	return &Stable{Sequence: m.stableSeq, Digest: m.stableDigest, Proof: proof}, nil
}
