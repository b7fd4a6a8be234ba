// Package delivery queues chat messages durably and pushes them to online recipients.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventMessages is the outbound event carrying a batch of chat messages.
const EventMessages = "messages"

const defaultGraceWindow = 15 * time.Minute

var (
	errMissingStore    = errors.New("delivery: message store is required")
	errMissingPresence = errors.New("delivery: presence directory is required")
)

// Store is the subset of the connectivity store the engine drives.
type Store interface {
	Identify(ctx context.Context, userID, nickname string, staleBefore time.Time) (int64, error)
	CreateMessage(ctx context.Context, message *connectivity.Message) error
	Enqueue(ctx context.Context, userID, messageID string) (bool, error)
	Dequeue(ctx context.Context, userID, messageID string) error
	DequeueMany(ctx context.Context, userID string, messageIDs []string) error
	PendingMessages(ctx context.Context, userID string) ([]connectivity.Message, error)
}

// Directory resolves online users to their channel.
type Directory interface {
	Lookup(userID string) (presence.Channel, bool)
}

// MessageView is the wire shape of one message inside a messages event.
type MessageView struct {
	User string    `json:"user"`
	Body string    `json:"body"`
	Date time.Time `json:"date"`
}

// NewMessageView projects a stored message onto its wire shape.
func NewMessageView(message connectivity.Message) MessageView {
	return MessageView{User: message.User, Body: message.Body, Date: message.Date}
}

// EngineConfig describes the engine dependencies.
type EngineConfig struct {
	Store       Store
	Presence    Directory
	GraceWindow time.Duration
	Clock       func() time.Time
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Engine persists messages, queues them per recipient and pushes them to live channels.
// A message identifier is always queued before the message is pushed.
type Engine struct {
	store    Store
	presence Directory
	grace    time.Duration
	clock    func() time.Time
	metrics  *metrics.Collector
	logger   *zap.Logger

	// base scopes background pushes; it is never cancelled.
	base    context.Context
	pending sync.WaitGroup
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = defaultGraceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    cfg.Store,
		presence: cfg.Presence,
		grace:    grace,
		clock:    clock,
		metrics:  cfg.Metrics,
		logger:   logger,
		base:     context.Background(),
	}, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// Identify stores the user's nickname and marks it online.
// A user whose last disconnect is older than the grace window loses its backlog.
func (e *Engine) Identify(ctx context.Context, userID, nickname string) error {
	cleared, err := e.store.Identify(ctx, userID, nickname, e.now().Add(-e.grace))
	if err != nil {
		return err
	}
	if cleared > 0 {
		e.logger.Info("stale backlog discarded", zap.String("user_id", userID), zap.Int64("messages", cleared))
	}
	return nil
}

// Submit persists a message from sender and queues it for every other recipient.
// Online recipients are pushed to in the background; an acknowledged push dequeues the message.
func (e *Engine) Submit(ctx context.Context, senderID, nickname, body string, recipients []string) (connectivity.Message, error) {
	message := connectivity.Message{
		UserID: senderID,
		User:   nickname,
		Date:   e.now(),
		Body:   body,
	}
	if err := e.store.CreateMessage(ctx, &message); err != nil {
		return connectivity.Message{}, err
	}

	var (
		mu     sync.Mutex
		queued = make([]string, 0, len(recipients))
	)
	// A failed enqueue must not cancel the others; every recipient gets its own attempt.
	var group errgroup.Group
	for _, recipient := range recipients {
		if recipient == senderID {
			continue
		}
		group.Go(func() error {
			ok, err := e.store.Enqueue(ctx, recipient, message.ID)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				queued = append(queued, recipient)
				mu.Unlock()
			}
			return nil
		})
	}
	queueErr := group.Wait()

	view := NewMessageView(message)
	for _, recipient := range queued {
		channel, online := e.presence.Lookup(recipient)
		if !online {
			continue
		}
		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			e.push(recipient, channel, message.ID, view)
		}()
	}

	if queueErr != nil {
		return message, queueErr
	}
	return message, nil
}

func (e *Engine) push(recipient string, channel presence.Channel, messageID string, view MessageView) {
	outcome := channel.Deliver(e.base, EventMessages, []MessageView{view})
	e.metrics.ObserveDelivery(metrics.DeliveryLive, outcome == presence.OutcomeAcknowledged)
	if outcome != presence.OutcomeAcknowledged {
		return
	}
	if err := e.store.Dequeue(e.base, recipient, messageID); err != nil {
		e.logger.Error("dequeue after acknowledgment failed",
			zap.String("user_id", recipient),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// Redeliver pushes the user's whole backlog as one batch, oldest first, and removes the
// whole batch from the queue once it is acknowledged. An empty backlog sends nothing.
// Entries queued after the batch was read stay queued.
func (e *Engine) Redeliver(ctx context.Context, userID string, channel presence.Channel) (presence.Outcome, error) {
	messages, err := e.store.PendingMessages(ctx, userID)
	if err != nil {
		return presence.OutcomePending, err
	}
	if len(messages) == 0 {
		return presence.OutcomeAcknowledged, nil
	}

	views := make([]MessageView, 0, len(messages))
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		views = append(views, NewMessageView(message))
		ids = append(ids, message.ID)
	}

	outcome := channel.Deliver(ctx, EventMessages, views)
	e.metrics.ObserveDelivery(metrics.DeliveryBacklog, outcome == presence.OutcomeAcknowledged)
	if outcome != presence.OutcomeAcknowledged {
		return outcome, nil
	}
	if err := e.store.DequeueMany(context.WithoutCancel(ctx), userID, ids); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Wait blocks until every background push has resolved.
func (e *Engine) Wait() {
	e.pending.Wait()
}
