package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/verify"
)

// VerificationHandler runs one queued verification request
type VerificationHandler interface {
	RequestVerification(ctx context.Context, req domain.VerificationRequest) (*verify.Result, error)
}

// Consumer consumes verification requests from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       VerificationHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	started       bool
	sleep         func(time.Duration)
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler VerificationHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}
	return newConsumer(cfg, handler, consumerGroup, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, handler VerificationHandler, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		sleep:         time.Sleep,
	}
}

// Start joins the consumer group in the background. Sessions are rejoined
// after rebalances and broker errors until Stop is called.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("kafka consumer already started")
	}
	c.started = true

	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.VerificationTopic,
		"group_id", c.config.GroupID,
	)
	c.wg.Add(2)
	go c.consumeLoop()
	go c.logErrors()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	topics := []string{c.config.VerificationTopic}
	for {
		err := c.consumerGroup.Consume(c.ctx, topics, &consumerGroupHandler{consumer: c})
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("consumer session failed", "error", err)
			c.sleep(c.config.RetryDelay)
		}
	}
}

func (c *Consumer) logErrors() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-c.consumerGroup.Errors():
			if !ok {
				return
			}
			c.logger.Error("consumer group error", "error", err)
		}
	}
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// process runs one message. Infrastructure failures are retried a bounded
// number of times; domain outcomes and malformed messages are not.
func (c *Consumer) process(message *sarama.ConsumerMessage) {
	var req domain.VerificationRequest
	if err := json.Unmarshal(message.Value, &req); err != nil {
		c.logger.Warn("failed to unmarshal message",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
		return
	}
	if req.ParticipantID == "" || req.TaskID == "" {
		c.logger.Warn("invalid verification request",
			"participant_id", req.ParticipantID,
			"task_id", req.TaskID,
		)
		return
	}

	attempts := c.config.RetryAttempts + 1
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.HandleTimeout)
		res, err := c.handler.RequestVerification(ctx, req)
		cancel()
		if err == nil {
			c.logger.Debug("processed verification request",
				"participant_id", req.ParticipantID,
				"task_id", req.TaskID,
				"outcome", res.Outcome,
			)
			return
		}
		if !retryable(err) {
			c.logger.Warn("verification request rejected",
				"participant_id", req.ParticipantID,
				"task_id", req.TaskID,
				"error", err,
			)
			return
		}
		c.logger.Error("failed to process verification request",
			"participant_id", req.ParticipantID,
			"task_id", req.TaskID,
			"attempt", i+1,
			"error", err,
		)
		if i < attempts-1 && c.ctx.Err() == nil {
			c.sleep(c.config.RetryDelay)
		}
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrInternalError):
		return false
	}
	return true
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("Kafka consumer session started",
		"member_id", session.MemberID(),
		"generation", session.GenerationID(),
		"claims", session.Claims(),
	)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. A message is
// marked only after it was handled, so a crash redelivers it; the engine's
// idempotency makes the redelivery harmless.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.process(message)
			session.MarkMessage(message, "")
		}
	}
}
