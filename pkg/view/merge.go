package view

import (
	"bytes"
	"sort"

	"bftlog/pkg/messages"
	"bftlog/pkg/utils"
)

// mergePrepared derives the pre-prepares a new primary must reissue from a
// set of view-change votes. For every sequence above the highest reported
// stable checkpoint, the digest claimed prepared by the most senders wins;
// ties go to the higher original view, then to the smaller digest so every
// node derives the identical set. Sequences up to the highest prepared one
// with no claim at all are filled with no-op requests.
//
// The returned pre-prepares are unsigned; the assembling primary signs
// them, a validating backup only compares.
func mergePrepared(newView uint64, primary string, vcs []*messages.ViewChange) []*messages.PrePrepare {
	var maxStable uint64
	for _, vc := range vcs {
		if vc.StableSequence > maxStable {
			maxStable = vc.StableSequence
		}
	}

	claims := make(map[uint64][]*claim)
	var maxSeq uint64

	for _, vc := range vcs {
		for _, e := range vc.Prepared {
			if e.Sequence <= maxStable {
				continue
			}
			if e.Sequence > maxSeq {
				maxSeq = e.Sequence
			}
			found := false
			for _, c := range claims[e.Sequence] {
				if c.digest == e.Digest {
					c.count++
					if e.View > c.view {
						c.view = e.View
					}
					found = true
					break
				}
			}
			if !found {
				claims[e.Sequence] = append(claims[e.Sequence], &claim{
					digest:  e.Digest,
					view:    e.View,
					count:   1,
					request: e.PrePrepare.Request,
				})
			}
		}
	}

	var out []*messages.PrePrepare
	for seq := maxStable + 1; seq <= maxSeq; seq++ {
		var winner *claim
		for _, c := range claims[seq] {
			if winner == nil || betterClaim(c, winner) {
				winner = c
			}
		}

		pp := &messages.PrePrepare{
			View:      newView,
			Sequence:  seq,
			ReplicaID: primary,
		}
		if winner != nil {
			pp.Digest = winner.digest
			pp.Request = winner.request
		} else {
			noop := messages.NewNoOpRequest(newView, seq)
			pp.Digest = noop.Digest()
			pp.Request = noop
		}
		out = append(out, pp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// claim is one digest reported prepared for a sequence, with the number of
// view-change senders backing it.
type claim struct {
	digest  messages.Digest
	view    uint64
	count   int
	request *messages.Request
}

func betterClaim(a, b *claim) bool {
	if a.count != b.count {
		return a.count > b.count
	}
	if a.view != b.view {
		return a.view > b.view
	}
	return bytes.Compare(a.digest[:], b.digest[:]) < 0
}

// validateViewChange deep-verifies a view-change vote: the checkpoint proof
// must certify the claimed stable sequence and every prepared entry must
// carry a genuine prepare certificate.
func (m *Manager) validateViewChange(vc *messages.ViewChange) error {
	if vc.StableSequence > 0 {
		matching := make(map[string]struct{})
		var digest messages.Digest
		first := true
		for _, cp := range vc.CheckpointProof {
			if cp.Sequence != vc.StableSequence {
				return utils.NewError(utils.CodeInvalidMessage,
					"checkpoint proof for the wrong sequence")
			}
			if first {
				digest = cp.StateDigest
				first = false
			} else if cp.StateDigest != digest {
				return utils.NewError(utils.CodeInvalidMessage,
					"checkpoint proof digests disagree")
			}
			if err := m.codec.Verify(cp); err != nil {
				return err
			}
			matching[cp.ReplicaID] = struct{}{}
		}
		if len(matching) < m.table.Quorum() {
			return utils.NewErrorf(utils.CodeQuorumNotMet,
				"checkpoint proof has %d votes, need %d", len(matching), m.table.Quorum())
		}
	}

	for _, e := range vc.Prepared {
		if err := m.validatePreparedEntry(e, vc.StableSequence); err != nil {
			return utils.WrapErrorf(err, utils.CodeInvalidMessage,
				"prepared entry at sequence %d", e.Sequence)
		}
	}
	return nil
}

func (m *Manager) validatePreparedEntry(e *messages.PreparedEntry, stable uint64) error {
	if e.Sequence <= stable {
		return utils.NewError(utils.CodeInvalidMessage, "entry at or below stable checkpoint")
	}
	pp := e.PrePrepare
	if pp == nil {
		return utils.NewError(utils.CodeInvalidMessage, "entry missing pre-prepare")
	}
	if pp.View != e.View || pp.Sequence != e.Sequence || pp.Digest != e.Digest {
		return utils.NewError(utils.CodeInvalidMessage, "pre-prepare disagrees with entry")
	}
	if pp.Request == nil || pp.Request.Digest() != e.Digest {
		return utils.NewError(utils.CodeInvalidMessage, "request does not hash to entry digest")
	}
	if !m.table.IsPrimary(pp.ReplicaID, pp.View) {
		return utils.NewError(utils.CodeInvalidMessage, "pre-prepare not from the view's primary")
	}
	if err := m.codec.Verify(pp); err != nil {
		return err
	}
	if err := m.codec.Verify(pp.Request); err != nil {
		return err
	}

	voters := make(map[string]struct{}, len(e.Prepares))
	for _, p := range e.Prepares {
		if p.View != e.View || p.Sequence != e.Sequence || p.Digest != e.Digest {
			continue
		}
		if err := m.codec.Verify(p); err != nil {
			return err
		}
		voters[p.ReplicaID] = struct{}{}
	}
	if len(voters) < m.table.Quorum() {
		return utils.NewErrorf(utils.CodeQuorumNotMet,
			"prepare certificate has %d votes, need %d", len(voters), m.table.Quorum())
	}
	return nil
}
