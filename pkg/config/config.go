package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"bftlog/pkg/utils"
)

// Peer identifies one cluster member: stable id, ed25519 public key and an
// optional transport address (multiaddr for the p2p transport).
type Peer struct {
	ID        string
	PublicKey ed25519.PublicKey
	Address   string
}

// KafkaConfig configures the optional Kafka operation ingest.
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	Topic         string
	ConsumerGroup string
	SASLEnabled   bool
	SASLUser      string
	SASLPassword  string
	TLSEnabled    bool
}

// Config is the immutable node configuration. Build it with FromEnv or by
// hand in tests, then Validate before use.
type Config struct {
	// NodeID must match one entry in Peers.
	NodeID string

	// Peers lists every cluster member, self included. Order is not
	// significant; primary election uses the sorted order.
	Peers []Peer

	// MaxFaults is f in n >= 3f+1.
	MaxFaults int

	// ViewChangeTimeout bounds progress on an accepted pre-prepare before
	// the backup suspects the primary.
	ViewChangeTimeout time.Duration

	// CheckpointInterval is the number of executed requests between
	// checkpoint proposals.
	CheckpointInterval uint64

	// Debug enables verbose protocol logging.
	Debug bool

	// PrivateKey signs every outbound protocol message.
	PrivateKey ed25519.PrivateKey

	// ListenAddr is the local multiaddr for the p2p transport. Empty for
	// in-memory deployments.
	ListenAddr string

	Kafka KafkaConfig
}

// DefaultConfig returns a config with protocol defaults filled in and no
// identity. Callers must still set NodeID, Peers and PrivateKey.
func DefaultConfig() Config {
	return Config{
		ViewChangeTimeout:  5000 * time.Millisecond,
		CheckpointInterval: 100,
	}
}

// FromEnv builds a Config from BFTLOG_* environment variables.
//
// Peers are given as a comma-separated list of id:hexpubkey[:multiaddr]
// entries in BFTLOG_PEERS; the private key as hex in BFTLOG_PRIVATE_KEY.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.NodeID = utils.GetEnvString("BFTLOG_NODE_ID", "")
	cfg.MaxFaults = utils.GetEnvInt("BFTLOG_MAX_FAULTS", 1)
	cfg.ViewChangeTimeout = utils.GetEnvDuration("BFTLOG_VIEW_CHANGE_TIMEOUT", cfg.ViewChangeTimeout)
	cfg.CheckpointInterval = utils.GetEnvUint64("BFTLOG_CHECKPOINT_INTERVAL", cfg.CheckpointInterval)
	cfg.Debug = utils.GetEnvBool("BFTLOG_DEBUG", false)
	cfg.ListenAddr = utils.GetEnvString("BFTLOG_LISTEN_ADDR", "")

	for _, entry := range utils.GetEnvStringSlice("BFTLOG_PEERS", nil) {
		peer, err := parsePeer(entry)
		if err != nil {
			return Config{}, utils.WrapErrorf(err, utils.CodeConfigInvalid, "peer entry %q", entry)
		}
		cfg.Peers = append(cfg.Peers, peer)
	}

	if keyHex := utils.GetEnvString("BFTLOG_PRIVATE_KEY", ""); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return Config{}, utils.WrapError(err, utils.CodeConfigInvalid, "private key is not valid hex")
		}
		switch len(raw) {
		case ed25519.PrivateKeySize:
			cfg.PrivateKey = ed25519.PrivateKey(raw)
		case ed25519.SeedSize:
			cfg.PrivateKey = ed25519.NewKeyFromSeed(raw)
		default:
			return Config{}, utils.NewErrorf(utils.CodeConfigInvalid,
				"private key must be %d or %d bytes, got %d",
				ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
		}
	}

	cfg.Kafka = KafkaConfig{
		Enabled:       utils.GetEnvBool("BFTLOG_KAFKA_ENABLED", false),
		Brokers:       utils.GetEnvStringSlice("BFTLOG_KAFKA_BROKERS", nil),
		Topic:         utils.GetEnvString("BFTLOG_KAFKA_TOPIC", "bftlog-operations"),
		ConsumerGroup: utils.GetEnvString("BFTLOG_KAFKA_GROUP", "bftlog"),
		SASLEnabled:   utils.GetEnvBool("BFTLOG_KAFKA_SASL_ENABLED", false),
		SASLUser:      utils.GetEnvString("BFTLOG_KAFKA_SASL_USER", ""),
		SASLPassword:  utils.GetEnvString("BFTLOG_KAFKA_SASL_PASSWORD", ""),
		TLSEnabled:    utils.GetEnvBool("BFTLOG_KAFKA_TLS_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parsePeer(entry string) (Peer, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 {
		return Peer{}, fmt.Errorf("want id:hexpubkey[:multiaddr]")
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil {
		return Peer{}, fmt.Errorf("public key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return Peer{}, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	peer := Peer{ID: parts[0], PublicKey: ed25519.PublicKey(raw)}
	if len(parts) == 3 {
		peer.Address = parts[2]
	}
	return peer, nil
}

// Validate checks structural invariants. It does not mutate the config.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return utils.NewConfigError("node id is required")
	}
	if c.MaxFaults < 0 {
		return utils.NewConfigError("max faults must be non-negative")
	}
	need := 3*c.MaxFaults + 1
	if len(c.Peers) < need {
		return utils.NewErrorf(utils.CodeConfigInvalid,
			"cluster of %d nodes cannot tolerate %d faults, need at least %d",
			len(c.Peers), c.MaxFaults, need)
	}

	seen := make(map[string]struct{}, len(c.Peers))
	selfFound := false
	for _, p := range c.Peers {
		if p.ID == "" {
			return utils.NewConfigError("peer with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return utils.NewErrorf(utils.CodeConfigInvalid, "duplicate peer id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if len(p.PublicKey) != ed25519.PublicKeySize {
			return utils.NewErrorf(utils.CodeConfigInvalid, "peer %q has malformed public key", p.ID)
		}
		if p.ID == c.NodeID {
			selfFound = true
		}
	}
	if !selfFound {
		return utils.NewErrorf(utils.CodeConfigInvalid, "node id %q not present in peer list", c.NodeID)
	}

	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return utils.NewConfigError("private key is required")
	}
	if c.ViewChangeTimeout <= 0 {
		return utils.NewConfigError("view change timeout must be positive")
	}
	if c.CheckpointInterval == 0 {
		return utils.NewConfigError("checkpoint interval must be positive")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return utils.NewConfigError("kafka enabled with no brokers")
		}
		if c.Kafka.SASLEnabled && (c.Kafka.SASLUser == "" || c.Kafka.SASLPassword == "") {
			return utils.NewConfigError("kafka sasl enabled with missing credentials")
		}
	}
	return nil
}
