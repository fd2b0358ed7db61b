package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/overdrive-yt/sportsdevil/domain"
	r "github.com/overdrive-yt/sportsdevil/internal/repository"
)

const DefaultTopic = "checkout-events"

// Repository is the part of the attempt ledger the poller needs.
type Repository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*r.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int) error
	GetStuckAttempts(ctx context.Context, olderThan time.Duration) ([]*r.Attempt, error)
	MarkAwaitingSupport(ctx context.Context, id string, failure domain.FailureKind) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	EventTick    time.Duration `mapstructure:"event_tick"`
	RecoveryTick time.Duration `mapstructure:"recovery_tick"`
	// StuckAfter is how long a charged attempt may go without a state change
	// before it is handed to support. Keep it well above the longest poll.
	StuckAfter time.Duration `mapstructure:"stuck_after"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		EventTick:    time.Second,
		RecoveryTick: time.Minute,
		StuckAfter:   15 * time.Minute,
		BatchSize:    100,
		Timeout:      5 * time.Second,
	}
}

type OutboxPoller struct {
	cfg    Config
	repo   Repository
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewOutboxPoller(repo Repository, writer MessageWriter, cfg Config, logger *slog.Logger) *OutboxPoller {
	def := DefaultConfig()
	if cfg.EventTick <= 0 {
		cfg.EventTick = def.EventTick
	}
	if cfg.RecoveryTick <= 0 {
		cfg.RecoveryTick = def.RecoveryTick
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxPoller{cfg: cfg, repo: repo, writer: writer, logger: logger.With(slog.String("component", "outbox_poller"))}
}

// Run publishes outbox events and recovers stuck attempts until ctx is done.
func (p *OutboxPoller) Run(ctx context.Context) error {
	eventTicker := time.NewTicker(p.cfg.EventTick)
	recoveryTicker := time.NewTicker(p.cfg.RecoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()

	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckAttempts(ctx)
		case <-ctx.Done():
			return p.writer.Close()
		}
	}
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch outbox events", slog.Any("error", err))
		return
	}

	for _, event := range events {
		log := p.logger.With(slog.Int("event_id", event.ID), slog.String("event_type", event.EventType))
		if err := p.publish(ctx, event); err != nil {
			// ordering per attempt matters: stop and retry the batch on the next tick
			log.ErrorContext(ctx, "failed to publish outbox event", slog.Any("error", err))
			return
		}
		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			log.ErrorContext(ctx, "failed to mark outbox event as processed", slog.Any("error", err))
			return
		}
		log.DebugContext(ctx, "outbox event published", slog.String("attempt_id", event.AggregateId))
	}
}

// recoverStuckAttempts hands charged attempts whose process died to support.
// The payment outcome of such an attempt is unknown, so nothing is retried.
func (p *OutboxPoller) recoverStuckAttempts(ctx context.Context) {
	attempts, err := p.repo.GetStuckAttempts(ctx, p.cfg.StuckAfter)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to get stuck attempts", slog.Any("error", err))
		return
	}

	for _, a := range attempts {
		failure := stuckFailure(a.State)
		log := p.logger.With(
			slog.String("attempt_id", a.ID),
			slog.String("intent_id", a.IntentID),
			slog.String("state", a.State.String()))

		if err := p.repo.MarkAwaitingSupport(ctx, a.ID, failure); err != nil {
			log.ErrorContext(ctx, "failed to hand stuck attempt to support", slog.Any("error", err))
			continue
		}
		log.WarnContext(ctx, "stuck attempt handed to support", slog.String("failure", string(failure)))
	}
}

func stuckFailure(state domain.CheckoutState) domain.FailureKind {
	if state == domain.StateCreatingOrder {
		return domain.FailureOrderCreationExhausted
	}
	return domain.FailurePollTimedOut
}

func (p *OutboxPoller) publish(ctx context.Context, event *r.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateId),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
