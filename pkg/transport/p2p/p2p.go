// Package p2p realizes the transport collaborator over libp2p: a
// noise-secured host with one gossipsub topic for cluster broadcasts and a
// per-node inbox topic for point-to-point sends.
//
// Frames are self-authenticating (the consensus codec verifies the signed
// sender inside each message), so the transport does not map libp2p peer
// identities to cluster node ids; the handler's from argument carries the
// libp2p peer for diagnostics only.
package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	multiaddr "github.com/multiformats/go-multiaddr"

	"bftlog/pkg/transport"
	"bftlog/pkg/utils"
)

const (
	topicPrefix    = "bftlog/v1"
	dialInterval   = 5 * time.Second
	publishTimeout = 10 * time.Second
)

// Config configures the libp2p transport.
type Config struct {
	// ListenAddr is the local multiaddr, e.g. /ip4/0.0.0.0/tcp/9000.
	ListenAddr string

	// PeerAddrs are the multiaddrs of the other cluster members,
	// including their /p2p/<id> suffix.
	PeerAddrs []string
}

// Transport is the libp2p-backed transport.
type Transport struct {
	nodeID string
	logger *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	gossip *pubsub.PubSub

	broadcast *pubsub.Topic

	mu      sync.RWMutex
	handler transport.Handler
	inboxes map[string]*pubsub.Topic
	closed  bool

	counters struct {
		sent     uint64
		received uint64
		dropped  uint64
	}
	countersMu sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

// New starts a libp2p host, joins the cluster topics and begins dialing the
// configured peers in the background.
func New(parent context.Context, nodeID string, key ed25519.PrivateKey, cfg Config, logger *utils.Logger) (*Transport, error) {
	sk, err := crypto.UnmarshalEd25519PrivateKey(key)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeConfigInvalid, "transport identity key")
	}

	h, err := libp2p.New(
		libp2p.Identity(sk),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeUnavailable, "libp2p host")
	}

	ctx, cancel := context.WithCancel(parent)
	gossip, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, utils.WrapError(err, utils.CodeUnavailable, "gossipsub")
	}

	t := &Transport{
		nodeID:  nodeID,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		host:    h,
		gossip:  gossip,
		inboxes: make(map[string]*pubsub.Topic),
	}

	t.broadcast, err = gossip.Join(broadcastTopic())
	if err != nil {
		t.Close()
		return nil, utils.WrapError(err, utils.CodeUnavailable, "join broadcast topic")
	}
	bcastSub, err := t.broadcast.Subscribe()
	if err != nil {
		t.Close()
		return nil, utils.WrapError(err, utils.CodeUnavailable, "subscribe broadcast topic")
	}

	inbox, err := gossip.Join(inboxTopic(nodeID))
	if err != nil {
		t.Close()
		return nil, utils.WrapError(err, utils.CodeUnavailable, "join inbox topic")
	}
	inboxSub, err := inbox.Subscribe()
	if err != nil {
		t.Close()
		return nil, utils.WrapError(err, utils.CodeUnavailable, "subscribe inbox topic")
	}

	go t.consume(bcastSub)
	go t.consume(inboxSub)
	go t.dialPeers(cfg.PeerAddrs)

	logger.Info("p2p transport up",
		utils.ZapString("peer_id", h.ID().String()),
		utils.ZapString("listen", cfg.ListenAddr))
	return t, nil
}

func broadcastTopic() string { return topicPrefix + "/consensus" }

func inboxTopic(nodeID string) string {
	return fmt.Sprintf("%s/inbox/%s", topicPrefix, nodeID)
}

// ID returns the libp2p peer id of the local host.
func (t *Transport) ID() peer.ID { return t.host.ID() }

// SetHandler installs the inbound frame consumer.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) consume(sub *pubsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(t.ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h == nil {
			t.addDropped()
			continue
		}
		t.countersMu.Lock()
		t.counters.received++
		t.countersMu.Unlock()
		h(msg.ReceivedFrom.String(), msg.Data)
	}
}

// dialPeers keeps trying to connect to configured members until the
// transport shuts down. Static membership, no discovery.
func (t *Transport) dialPeers(addrs []string) {
	infos := make([]*peer.AddrInfo, 0, len(addrs))
	for _, raw := range addrs {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			t.logger.Warn("bad peer multiaddr", utils.ZapString("addr", raw), utils.ZapError(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			t.logger.Warn("peer multiaddr missing /p2p component",
				utils.ZapString("addr", raw), utils.ZapError(err))
			continue
		}
		infos = append(infos, info)
	}

	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()
	for {
		for _, info := range infos {
			if t.host.Network().Connectedness(info.ID) == network.Connected {
				continue
			}
			dialCtx, cancel := context.WithTimeout(t.ctx, dialInterval)
			if err := t.host.Connect(dialCtx, *info); err != nil {
				t.logger.Debug("peer dial failed",
					utils.ZapString("peer", info.ID.String()), utils.ZapError(err))
			}
			cancel()
		}
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Broadcast publishes a frame on the cluster topic.
func (t *Transport) Broadcast(ctx context.Context, frame []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := t.broadcast.Publish(pubCtx, frame); err != nil {
		t.addDropped()
		return utils.WrapError(err, utils.CodeUnavailable, "publish broadcast")
	}
	t.countersMu.Lock()
	t.counters.sent++
	t.countersMu.Unlock()
	return nil
}

// Send publishes a frame on one member's inbox topic.
func (t *Transport) Send(ctx context.Context, to string, frame []byte) error {
	topic, err := t.inboxFor(to)
	if err != nil {
		t.addDropped()
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := topic.Publish(pubCtx, frame); err != nil {
		t.addDropped()
		return utils.WrapErrorf(err, utils.CodeUnavailable, "publish to %s", to)
	}
	t.countersMu.Lock()
	t.counters.sent++
	t.countersMu.Unlock()
	return nil
}

func (t *Transport) inboxFor(nodeID string) (*pubsub.Topic, error) {
	t.mu.RLock()
	topic, ok := t.inboxes[nodeID]
	t.mu.RUnlock()
	if ok {
		return topic, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if topic, ok = t.inboxes[nodeID]; ok {
		return topic, nil
	}
	topic, err := t.gossip.Join(inboxTopic(nodeID))
	if err != nil {
		return nil, utils.WrapErrorf(err, utils.CodeUnavailable, "join inbox of %s", nodeID)
	}
	t.inboxes[nodeID] = topic
	return topic, nil
}

func (t *Transport) addDropped() {
	t.countersMu.Lock()
	t.counters.dropped++
	t.countersMu.Unlock()
}

// Metrics returns a snapshot of the transport counters.
func (t *Transport) Metrics() transport.Metrics {
	t.countersMu.Lock()
	defer t.countersMu.Unlock()
	return transport.Metrics{
		Sent:     t.counters.sent,
		Received: t.counters.received,
		Dropped:  t.counters.dropped,
	}
}

// Close shuts the host and all subscriptions down.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	return t.host.Close()
}
