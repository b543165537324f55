package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	r "github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/pkg/logger"
)

const (
	Topic = "payment-outbox"

	eventBatch = 100
	// an intent still in saving after this long lost its settlement, e.g. to a crash
	stuckAfter = 30 * time.Second
)

// Recoverer finishes the settlement of an intent stuck in saving.
type Recoverer interface {
	Recover(ctx context.Context, id uuid.UUID) error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	repo         r.OutboxRepository
	recoverer    Recoverer
	writer       MessageWriter
	log          *logger.Logger
}

func NewOutboxPoller(repo r.OutboxRepository, recoverer Recoverer, log *logger.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newOutboxPoller(repo, recoverer, w, log)
}

func newOutboxPoller(repo r.OutboxRepository, recoverer Recoverer, w MessageWriter, log *logger.Logger) *OutboxPoller {
	if log == nil {
		log = logger.Nop()
	}
	return &OutboxPoller{
		timeout:      5 * time.Second,
		eventTick:    time.Second,
		recoveryTick: 5 * time.Second,
		repo:         repo,
		recoverer:    recoverer,
		writer:       w,
		log:          log.WithComponent("outbox-poller"),
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckIntents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, eventBatch)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to fetch outbox events", "error", err)
		return
	}

	for _, event := range events {
		if err := p.publishToKafka(ctx, event); err != nil {
			p.log.ErrorContext(ctx, "failed to publish outbox event", "event_id", event.ID, "error", err)
			// keep order per aggregate: the rest waits for the next tick
			return
		}
		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.ErrorContext(ctx, "failed to mark outbox event as processed", "event_id", event.ID, "error", err)
			continue
		}
		p.log.DebugContext(ctx, "outbox event published", "event_id", event.ID, "intent_id", event.AggregateID)
	}
}

func (p *OutboxPoller) recoverStuckIntents(ctx context.Context) {
	intents, err := p.repo.GetStuckIntents(ctx, stuckAfter)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to get stuck intents", "error", err)
		return
	}
	for _, intent := range intents {
		p.log.WarnContext(ctx, "recovering stuck intent", "intent_id", intent.ID)
		if err := p.recoverer.Recover(ctx, intent.ID); err != nil {
			p.log.ErrorContext(ctx, "failed to recover intent", "intent_id", intent.ID, "error", err)
			continue
		}
		p.log.InfoContext(ctx, "intent recovered", "intent_id", intent.ID)
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *r.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // intent id keeps one intent on one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
