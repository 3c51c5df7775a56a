// Package kafka ingests client operations from a Kafka topic and feeds them
// into the ordering node. Records consumed on the primary are submitted
// directly; records consumed on a backup are relayed to the cluster so the
// current primary can order them. The record timestamp doubles as the
// idempotence key, so redelivered records do not execute twice.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"bftlog/pkg/config"
	"bftlog/pkg/utils"
)

const (
	consumeRetryBackoff  = 5 * time.Second
	defaultSubmitTimeout = 30 * time.Second
)

// Orderer is the slice of the node the ingest path needs.
type Orderer interface {
	IsPrimary() bool
	SubmitRequestAt(ctx context.Context, operation []byte, timestamp int64) (uint64, []byte, error)
	RelayOperation(ctx context.Context, operation []byte, timestamp int64) error
}

// Consumer reads operations from Kafka and hands them to the orderer.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	orderer       Orderer
	logger        *utils.Logger
	submitTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	statsMu         sync.Mutex
	consumed        uint64
	ordered         uint64
	relayed         uint64
	failed          uint64
	lastMessageUnix int64
	processLatency  *utils.LatencyHistogram
}

// Stats is a point-in-time snapshot of the ingest counters.
type Stats struct {
	Consumed        uint64
	Ordered         uint64
	Relayed         uint64
	Failed          uint64
	LastMessageUnix int64
	ProcessMeanMs   float64
	ProcessP95Ms    float64
}

// NewSaramaConfig builds the sarama client configuration for the cluster's
// ingest settings, including SCRAM authentication and TLS when enabled.
func NewSaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.SASLEnabled {
		if cfg.SASLUser == "" || cfg.SASLPassword == "" {
			return nil, utils.NewError(utils.CodeConfigInvalid, "kafka SASL enabled without credentials")
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	}

	return sc, nil
}

// NewConsumer creates the ingest consumer. It does not start consuming
// until Start is called.
func NewConsumer(ctx context.Context, cfg config.KafkaConfig, orderer Orderer, logger *utils.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, utils.NewError(utils.CodeConfigInvalid, "kafka ingest: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, utils.NewError(utils.CodeConfigInvalid, "kafka ingest: topic required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, utils.NewError(utils.CodeConfigInvalid, "kafka ingest: consumer group required")
	}
	if orderer == nil {
		return nil, utils.NewError(utils.CodeConfigInvalid, "kafka ingest: orderer required")
	}

	saramaCfg, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeUnavailable, "kafka ingest: create consumer group")
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	c := &Consumer{
		consumerGroup: group,
		topics:        []string{cfg.Topic},
		orderer:       orderer,
		logger:        logger,
		submitTimeout: defaultSubmitTimeout,
		ctx:           consumerCtx,
		cancel:        cancel,
	}
	c.processLatency = utils.NewLatencyHistogram([]float64{1, 5, 20, 50, 100, 250, 500, 1000, math.Inf(1)})

	logger.InfoContext(ctx, "kafka ingest consumer created",
		utils.ZapString("group", cfg.ConsumerGroup),
		utils.ZapString("topic", cfg.Topic),
		utils.ZapBool("sasl", cfg.SASLEnabled),
		utils.ZapBool("tls", cfg.TLSEnabled))
	return c, nil
}

// Start launches the consume loop. Non-blocking.
func (c *Consumer) Start() error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return utils.ErrShutdown
	}
	c.mu.RUnlock()

	c.wg.Add(1)
	go c.consumeLoop()
	return nil
}

// Stop drains the consume loop and closes the consumer group.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if err := c.consumerGroup.Close(); err != nil {
		c.logger.Error("kafka ingest: close consumer group", utils.ZapError(err))
		return utils.WrapError(err, utils.CodeUnavailable, "kafka ingest: close")
	}

	st := c.Snapshot()
	c.logger.Info("kafka ingest stopped",
		utils.ZapUint64("consumed", st.Consumed),
		utils.ZapUint64("ordered", st.Ordered),
		utils.ZapUint64("relayed", st.Relayed),
		utils.ZapUint64("failed", st.Failed))
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	handler := &groupHandler{consumer: c}
	for {
		if err := c.consumerGroup.Consume(c.ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.ErrorContext(c.ctx, "kafka ingest: consume error, retrying",
				utils.ZapError(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(consumeRetryBackoff):
				continue
			}
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// process hands one record to the orderer. The record timestamp is the
// idempotence key; a record without one gets the arrival time instead,
// which loses replay protection for that record only.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if len(msg.Value) == 0 {
		return utils.NewError(utils.CodeInvalidInput, "kafka ingest: empty record")
	}

	timestamp := msg.Timestamp.UnixNano()
	if msg.Timestamp.IsZero() {
		timestamp = time.Now().UnixNano()
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	start := time.Now()
	if c.orderer.IsPrimary() {
		_, _, err := c.orderer.SubmitRequestAt(submitCtx, msg.Value, timestamp)
		if err == nil {
			c.processLatency.ObserveDuration(time.Since(start))
			c.addOrdered()
			return nil
		}
		// Primaryship can change between the check and the submit.
		if utils.GetErrorCode(err) != utils.CodeNotPrimary {
			return err
		}
	}

	if err := c.orderer.RelayOperation(submitCtx, msg.Value, timestamp); err != nil {
		return err
	}
	c.processLatency.ObserveDuration(time.Since(start))
	c.addRelayed()
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	claims := session.Claims()
	total := 0
	for _, partitions := range claims {
		total += len(partitions)
	}
	h.consumer.logger.Info("kafka ingest session ready",
		utils.ZapInt("topics", len(claims)),
		utils.ZapInt("partitions", total))
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("kafka ingest session closed")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			h.consumer.addConsumed(msg.Timestamp)
			if err := h.consumer.process(ctx, msg); err != nil {
				h.consumer.addFailed()
				h.consumer.logger.Warn("kafka ingest: record rejected",
					utils.ZapString("topic", msg.Topic),
					utils.ZapInt64("offset", msg.Offset),
					utils.ZapError(err))
			}
			// Mark either way so a poisoned record cannot wedge the partition.
			session.MarkMessage(msg, "")
		}
	}
}

func (c *Consumer) addConsumed(ts time.Time) {
	c.statsMu.Lock()
	c.consumed++
	if !ts.IsZero() {
		c.lastMessageUnix = ts.Unix()
	}
	c.statsMu.Unlock()
}

func (c *Consumer) addOrdered() {
	c.statsMu.Lock()
	c.ordered++
	c.statsMu.Unlock()
}

func (c *Consumer) addRelayed() {
	c.statsMu.Lock()
	c.relayed++
	c.statsMu.Unlock()
}

func (c *Consumer) addFailed() {
	c.statsMu.Lock()
	c.failed++
	c.statsMu.Unlock()
}

// Snapshot returns the current ingest counters.
func (c *Consumer) Snapshot() Stats {
	c.statsMu.Lock()
	st := Stats{
		Consumed:        c.consumed,
		Ordered:         c.ordered,
		Relayed:         c.relayed,
		Failed:          c.failed,
		LastMessageUnix: c.lastMessageUnix,
	}
	c.statsMu.Unlock()
	st.ProcessMeanMs = c.processLatency.Mean()
	st.ProcessP95Ms = c.processLatency.Quantile(0.95)
	return st
}
