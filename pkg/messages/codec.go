package messages

import (
	"crypto/ed25519"
	"crypto/sha256"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"bftlog/pkg/membership"
	"bftlog/pkg/utils"
)

// Per-type frame size limits. A prepare vote has no business being a
// megabyte; view-change and new-view carry nested certificates and get room.
const (
	maxRequestSize    = 1 << 20 // 1 MiB operation payloads
	maxPrePrepareSize = maxRequestSize + 4096
	maxVoteSize       = 4096
	maxCheckpointSize = 4096
	maxViewChangeSize = 8 << 20
	maxNewViewSize    = 16 << 20
)

const (
	verifyCacheSize = 8192
	verifyCacheTTL  = 5 * time.Minute
)

// CodecConfig tunes the codec. Zero values select defaults.
type CodecConfig struct {
	VerifyCacheSize int
	VerifyCacheTTL  time.Duration
}

// Codec encodes, decodes, signs and verifies protocol messages. Decode fails
// closed: a frame that is malformed, oversized, of unknown type, from an
// unknown sender, or carrying a bad signature never reaches the caller.
type Codec struct {
	table    *membership.Table
	enc      cbor.EncMode
	dec      cbor.DecMode
	verified *expirable.LRU[Digest, struct{}]
}

// NewCodec builds a codec bound to a membership table.
func NewCodec(table *membership.Table, cfg CodecConfig) (*Codec, error) {
	if cfg.VerifyCacheSize <= 0 {
		cfg.VerifyCacheSize = verifyCacheSize
	}
	if cfg.VerifyCacheTTL <= 0 {
		cfg.VerifyCacheTTL = verifyCacheTTL
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternal, "cbor encode mode")
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
		MaxNestedLevels:  16,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternal, "cbor decode mode")
	}

	return &Codec{
		table:    table,
		enc:      enc,
		dec:      dec,
		verified: expirable.NewLRU[Digest, struct{}](cfg.VerifyCacheSize, nil, cfg.VerifyCacheTTL),
	}, nil
}

// Sign computes and attaches the node's signature over the canonical bytes.
func (c *Codec) Sign(msg Message) {
	msg.SetSignature(ed25519.Sign(c.table.SigningKey(), msg.SignBytes()))
}

// Verify checks the message signature against the sender's registered key.
// Results are cached so certificate re-validation stays cheap.
func (c *Codec) Verify(msg Message) error {
	if req, ok := msg.(*Request); ok && req.IsNoOp() {
		// Filler requests are unsigned; they are bound by the digest in
		// the enclosing pre-prepare.
		if len(req.Signature) != 0 || len(req.Operation) != 0 {
			return utils.ErrInvalidMessage
		}
		return nil
	}

	sig := msg.GetSignature()
	if len(sig) != ed25519.SignatureSize {
		return utils.NewErrorf(utils.CodeInvalidSignature,
			"%s from %s: bad signature length %d", msg.Type(), msg.Sender(), len(sig))
	}

	key, err := c.table.PublicKey(msg.Sender())
	if err != nil {
		return err
	}

	signBytes := msg.SignBytes()
	cacheKey := verifyCacheKey(signBytes, sig)
	if _, ok := c.verified.Get(cacheKey); ok {
		return nil
	}
	if !ed25519.Verify(key, signBytes, sig) {
		return utils.NewErrorf(utils.CodeInvalidSignature,
			"%s from %s: signature verification failed", msg.Type(), msg.Sender())
	}
	c.verified.Add(cacheKey, struct{}{})
	return nil
}

func verifyCacheKey(signBytes []byte, sig Signature) Digest {
	h := sha256.New()
	h.Write(signBytes)
	h.Write(sig)
	var d Digest
	h.Sum(d[:0])
	return d
}

// Encode serializes a signed message into a wire frame: one type byte
// followed by the canonical CBOR body.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	body, err := c.enc.Marshal(msg)
	if err != nil {
		return nil, utils.WrapErrorf(err, utils.CodeInternal, "encode %s", msg.Type())
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, byte(msg.Type()))
	frame = append(frame, body...)
	if limit := sizeLimit(msg.Type()); len(frame) > limit {
		return nil, utils.NewErrorf(utils.CodeInvalidMessage,
			"%s frame of %d bytes exceeds limit %d", msg.Type(), len(frame), limit)
	}
	return frame, nil
}

// Decode parses, structurally validates and signature-checks a wire frame.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < 2 {
		return nil, utils.NewError(utils.CodeInvalidMessage, "frame too short")
	}

	typ := MessageType(frame[0])
	limit := sizeLimit(typ)
	if limit == 0 {
		return nil, utils.NewErrorf(utils.CodeInvalidMessage, "unknown message type %d", frame[0])
	}
	if len(frame) > limit {
		return nil, utils.NewErrorf(utils.CodeInvalidMessage,
			"%s frame of %d bytes exceeds limit %d", typ, len(frame), limit)
	}

	var msg Message
	switch typ {
	case TypeRequest:
		msg = &Request{}
	case TypePrePrepare:
		msg = &PrePrepare{}
	case TypePrepare:
		msg = &Prepare{}
	case TypeCommit:
		msg = &Commit{}
	case TypeCheckpoint:
		msg = &Checkpoint{}
	case TypeViewChange:
		msg = &ViewChange{}
	case TypeNewView:
		msg = &NewView{}
	default:
		return nil, utils.NewErrorf(utils.CodeInvalidMessage, "unknown message type %d", frame[0])
	}

	if err := c.dec.Unmarshal(frame[1:], msg); err != nil {
		return nil, utils.WrapErrorf(err, utils.CodeInvalidMessage, "decode %s", typ)
	}
	if err := c.validate(msg); err != nil {
		return nil, err
	}
	if err := c.Verify(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate applies per-type structural checks before any signature work.
func (c *Codec) validate(msg Message) error {
	switch m := msg.(type) {
	case *Request:
		if m.ClientID == "" {
			return utils.NewError(utils.CodeInvalidMessage, "request missing client id")
		}
	case *PrePrepare:
		if m.Request == nil {
			return utils.NewError(utils.CodeInvalidMessage, "pre-prepare missing request")
		}
		if m.Request.Digest() != m.Digest {
			return utils.NewError(utils.CodeInvalidMessage, "pre-prepare digest does not match request")
		}
		if err := c.Verify(m.Request); err != nil {
			return utils.WrapError(err, utils.CodeInvalidMessage, "pre-prepare carries bad request")
		}
	case *Prepare:
		if m.Digest.IsZero() {
			return utils.NewError(utils.CodeInvalidMessage, "prepare missing digest")
		}
	case *Commit:
		if m.Digest.IsZero() {
			return utils.NewError(utils.CodeInvalidMessage, "commit missing digest")
		}
	case *Checkpoint:
		if m.Sequence == 0 {
			return utils.NewError(utils.CodeInvalidMessage, "checkpoint at sequence zero")
		}
	case *ViewChange:
		if m.NewView == 0 {
			return utils.NewError(utils.CodeInvalidMessage, "view-change to view zero")
		}
		for _, e := range m.Prepared {
			if e == nil || e.PrePrepare == nil {
				return utils.NewError(utils.CodeInvalidMessage, "view-change with incomplete prepared entry")
			}
		}
	case *NewView:
		if m.View == 0 {
			return utils.NewError(utils.CodeInvalidMessage, "new-view for view zero")
		}
		for _, vc := range m.ViewChanges {
			if vc == nil {
				return utils.NewError(utils.CodeInvalidMessage, "new-view with nil view-change")
			}
		}
		for _, pp := range m.PrePrepares {
			if pp == nil {
				return utils.NewError(utils.CodeInvalidMessage, "new-view with nil pre-prepare")
			}
		}
	default:
		return utils.NewErrorf(utils.CodeInvalidMessage, "unhandled message type %T", msg)
	}

	if msg.Sender() == "" {
		return utils.NewErrorf(utils.CodeInvalidMessage, "%s missing sender", msg.Type())
	}
	return nil
}

func sizeLimit(t MessageType) int {
	switch t {
	case TypeRequest:
		return maxRequestSize
	case TypePrePrepare:
		return maxPrePrepareSize
	case TypePrepare, TypeCommit:
		return maxVoteSize
	case TypeCheckpoint:
		return maxCheckpointSize
	case TypeViewChange:
		return maxViewChangeSize
	case TypeNewView:
		return maxNewViewSize
	default:
		return 0
	}
}
