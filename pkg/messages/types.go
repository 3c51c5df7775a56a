// Package messages defines the closed set of protocol messages, their
// canonical signing bytes and the authenticated wire codec. Every message
// travelling between nodes is one of the seven types below; anything else is
// rejected at decode time.
package messages

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Digest is a SHA-256 content hash.
type Digest [32]byte

// String returns the hex form, for logging.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether the digest is all zeroes.
func (d Digest) IsZero() bool { return d == Digest{} }

// Signature is an ed25519 signature over a message's SignBytes.
type Signature []byte

// MessageType tags the wire frame.
type MessageType uint8

const (
	TypeRequest MessageType = iota + 1
	TypePrePrepare
	TypePrepare
	TypeCommit
	TypeCheckpoint
	TypeViewChange
	TypeNewView
)

// String implements fmt.Stringer for log output.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypePrePrepare:
		return "pre-prepare"
	case TypePrepare:
		return "prepare"
	case TypeCommit:
		return "commit"
	case TypeCheckpoint:
		return "checkpoint"
	case TypeViewChange:
		return "view-change"
	case TypeNewView:
		return "new-view"
	default:
		return "unknown"
	}
}

// Domain separators keep signatures from one message type ever verifying as
// another.
const (
	domainRequest    = "bftlog/request/v1"
	domainPrePrepare = "bftlog/pre-prepare/v1"
	domainPrepare    = "bftlog/prepare/v1"
	domainCommit     = "bftlog/commit/v1"
	domainCheckpoint = "bftlog/checkpoint/v1"
	domainViewChange = "bftlog/view-change/v1"
	domainNewView    = "bftlog/new-view/v1"
)

// Message is implemented by exactly the seven concrete types in this
// package. Sender identifies the signing node (or client) whose key verifies
// the signature.
type Message interface {
	Type() MessageType
	Sender() string
	SignBytes() []byte
	GetSignature() Signature
	SetSignature(sig Signature)
}

// NoOpClient marks filler requests issued during a view change. They occupy
// a sequence number and advance the digest chain but execute as nothing.
const NoOpClient = "\x00noop"

// Request is a client operation submission. ClientID and Timestamp together
// identify the request for deduplication.
type Request struct {
	ClientID  string    `cbor:"1,keyasint"`
	Timestamp int64     `cbor:"2,keyasint"` // unix nanos at the client
	Operation []byte    `cbor:"3,keyasint"`
	Signature Signature `cbor:"4,keyasint"`
}

func (r *Request) Type() MessageType { return TypeRequest }
func (r *Request) Sender() string    { return r.ClientID }

func (r *Request) SignBytes() []byte {
	buf := make([]byte, 0, 64+len(r.Operation))
	buf = append(buf, domainRequest...)
	buf = append(buf, 0x00)
	buf = appendString(buf, r.ClientID)
	buf = appendInt64(buf, r.Timestamp)
	buf = appendBytes(buf, r.Operation)
	return buf
}

// Digest returns the content hash binding this request into the log.
func (r *Request) Digest() Digest {
	return sha256.Sum256(r.SignBytes())
}

// IsNoOp reports whether this is a view-change filler request.
func (r *Request) IsNoOp() bool { return r.ClientID == NoOpClient }

func (r *Request) GetSignature() Signature    { return r.Signature }
func (r *Request) SetSignature(sig Signature) { r.Signature = sig }

// NewNoOpRequest builds the deterministic filler request for a sequence
// slot. Every correct node derives the identical digest for it.
func NewNoOpRequest(view, sequence uint64) *Request {
	return &Request{
		ClientID:  NoOpClient,
		Timestamp: int64(view<<32 | sequence&0xffffffff),
	}
}

// PrePrepare is the primary's ordering proposal, carrying the full request.
type PrePrepare struct {
	View      uint64    `cbor:"1,keyasint"`
	Sequence  uint64    `cbor:"2,keyasint"`
	Digest    Digest    `cbor:"3,keyasint"`
	Request   *Request  `cbor:"4,keyasint"`
	ReplicaID string    `cbor:"5,keyasint"`
	Signature Signature `cbor:"6,keyasint"`
}

func (p *PrePrepare) Type() MessageType { return TypePrePrepare }
func (p *PrePrepare) Sender() string    { return p.ReplicaID }

func (p *PrePrepare) SignBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, domainPrePrepare...)
	buf = append(buf, 0x00)
	buf = appendUint64(buf, p.View)
	buf = appendUint64(buf, p.Sequence)
	buf = append(buf, p.Digest[:]...)
	buf = appendString(buf, p.ReplicaID)
	return buf
}

func (p *PrePrepare) GetSignature() Signature    { return p.Signature }
func (p *PrePrepare) SetSignature(sig Signature) { p.Signature = sig }

// Prepare is a backup's vote that it accepted the primary's proposal.
type Prepare struct {
	View      uint64    `cbor:"1,keyasint"`
	Sequence  uint64    `cbor:"2,keyasint"`
	Digest    Digest    `cbor:"3,keyasint"`
	ReplicaID string    `cbor:"4,keyasint"`
	Signature Signature `cbor:"5,keyasint"`
}

func (p *Prepare) Type() MessageType { return TypePrepare }
func (p *Prepare) Sender() string    { return p.ReplicaID }

func (p *Prepare) SignBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, domainPrepare...)
	buf = append(buf, 0x00)
	buf = appendUint64(buf, p.View)
	buf = appendUint64(buf, p.Sequence)
	buf = append(buf, p.Digest[:]...)
	buf = appendString(buf, p.ReplicaID)
	return buf
}

func (p *Prepare) GetSignature() Signature    { return p.Signature }
func (p *Prepare) SetSignature(sig Signature) { p.Signature = sig }

// Commit is a node's vote that a prepare certificate formed.
type Commit struct {
	View      uint64    `cbor:"1,keyasint"`
	Sequence  uint64    `cbor:"2,keyasint"`
	Digest    Digest    `cbor:"3,keyasint"`
	ReplicaID string    `cbor:"4,keyasint"`
	Signature Signature `cbor:"5,keyasint"`
}

func (c *Commit) Type() MessageType { return TypeCommit }
func (c *Commit) Sender() string    { return c.ReplicaID }

func (c *Commit) SignBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, domainCommit...)
	buf = append(buf, 0x00)
	buf = appendUint64(buf, c.View)
	buf = appendUint64(buf, c.Sequence)
	buf = append(buf, c.Digest[:]...)
	buf = appendString(buf, c.ReplicaID)
	return buf
}

func (c *Commit) GetSignature() Signature    { return c.Signature }
func (c *Commit) SetSignature(sig Signature) { c.Signature = sig }

// Checkpoint is a node's vote on the application state digest after
// executing a checkpoint-interval boundary.
type Checkpoint struct {
	Sequence    uint64    `cbor:"1,keyasint"`
	StateDigest Digest    `cbor:"2,keyasint"`
	ReplicaID   string    `cbor:"3,keyasint"`
	Signature   Signature `cbor:"4,keyasint"`
}

func (c *Checkpoint) Type() MessageType { return TypeCheckpoint }
func (c *Checkpoint) Sender() string    { return c.ReplicaID }

func (c *Checkpoint) SignBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, domainCheckpoint...)
	buf = append(buf, 0x00)
	buf = appendUint64(buf, c.Sequence)
	buf = append(buf, c.StateDigest[:]...)
	buf = appendString(buf, c.ReplicaID)
	return buf
}

func (c *Checkpoint) GetSignature() Signature    { return c.Signature }
func (c *Checkpoint) SetSignature(sig Signature) { c.Signature = sig }

// PreparedEntry proves that a sequence slot reached the prepared state in a
// prior view: the accepted pre-prepare plus 2f matching prepares.
type PreparedEntry struct {
	View       uint64      `cbor:"1,keyasint"`
	Sequence   uint64      `cbor:"2,keyasint"`
	Digest     Digest      `cbor:"3,keyasint"`
	PrePrepare *PrePrepare `cbor:"4,keyasint"`
	Prepares   []*Prepare  `cbor:"5,keyasint"`
}

// Hash binds the entry into the enclosing view-change signature.
func (e *PreparedEntry) Hash() Digest {
	buf := make([]byte, 0, 128)
	buf = appendUint64(buf, e.View)
	buf = appendUint64(buf, e.Sequence)
	buf = append(buf, e.Digest[:]...)
	if e.PrePrepare != nil {
		h := sha256.Sum256(e.PrePrepare.SignBytes())
		buf = append(buf, h[:]...)
	}
	for _, p := range e.Prepares {
		h := sha256.Sum256(p.SignBytes())
		buf = append(buf, h[:]...)
	}
	return sha256.Sum256(buf)
}

// ViewChange announces that the sender gave up on the current primary. It
// carries the sender's stable checkpoint proof and every slot it prepared
// above that checkpoint.
type ViewChange struct {
	NewView         uint64           `cbor:"1,keyasint"`
	StableSequence  uint64           `cbor:"2,keyasint"`
	CheckpointProof []*Checkpoint    `cbor:"3,keyasint"`
	Prepared        []*PreparedEntry `cbor:"4,keyasint"`
	ReplicaID       string           `cbor:"5,keyasint"`
	Signature       Signature        `cbor:"6,keyasint"`
}

func (v *ViewChange) Type() MessageType { return TypeViewChange }
func (v *ViewChange) Sender() string    { return v.ReplicaID }

func (v *ViewChange) SignBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, domainViewChange...)
	buf = append(buf, 0x00)
	buf = appendUint64(buf, v.NewView)
	buf = appendUint64(buf, v.StableSequence)
	for _, cp := range v.CheckpointProof {
		h := sha256.Sum256(cp.SignBytes())
		buf = append(buf, h[:]...)
	}
	for _, e := range v.Prepared {
		h := e.Hash()
		buf = append(buf, h[:]...)
	}
	buf = appendString(buf, v.ReplicaID)
	return buf
}

func (v *ViewChange) GetSignature() Signature    { return v.Signature }
func (v *ViewChange) SetSignature(sig Signature) { v.Signature = sig }

// NewView is the incoming primary's proof that 2f+1 nodes agreed to move to
// the new view, plus the reissued pre-prepares backups must adopt.
type NewView struct {
	View        uint64        `cbor:"1,keyasint"`
	ViewChanges []*ViewChange `cbor:"2,keyasint"`
	PrePrepares []*PrePrepare `cbor:"3,keyasint"`
	ReplicaID   string        `cbor:"4,keyasint"`
	Signature   Signature     `cbor:"5,keyasint"`
}

func (n *NewView) Type() MessageType { return TypeNewView }
func (n *NewView) Sender() string    { return n.ReplicaID }

func (n *NewView) SignBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, domainNewView...)
	buf = append(buf, 0x00)
	buf = appendUint64(buf, n.View)
	for _, vc := range n.ViewChanges {
		h := sha256.Sum256(vc.SignBytes())
		buf = append(buf, h[:]...)
	}
	for _, pp := range n.PrePrepares {
		h := sha256.Sum256(pp.SignBytes())
		buf = append(buf, h[:]...)
	}
	buf = appendString(buf, n.ReplicaID)
	return buf
}

func (n *NewView) GetSignature() Signature    { return n.Signature }
func (n *NewView) SetSignature(sig Signature) { n.Signature = sig }

// Canonical byte helpers. Length-prefixed variable fields keep the encoding
// injective.

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}

func appendBytes(buf, b []byte) []byte {
	buf = appendUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}
