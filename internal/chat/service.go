// Package chat drives the per-connection protocol: it turns inbound client events into graph
// mutations, component notifications and message deliveries.
package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
	"go.uber.org/zap"
)

var (
	errMissingGraph    = errors.New("chat: graph engine is required")
	errMissingDelivery = errors.New("chat: delivery engine is required")
	errMissingPresence = errors.New("chat: presence registry is required")
	errMissingAuditLog = errors.New("chat: audit log is required")
)

const (
	opGreeting     = "chat.greeting"
	opFound        = "chat.found"
	opLost         = "chat.lost"
	opChatMessage  = "chat.chatmessage"
	opDisconnect   = "chat.disconnect"
	opNotifyChange = "chat.notify_graph_change"
	opRedeliver    = "chat.redeliver"
)

// Graph is the edge lifecycle and traversal surface the orchestrator drives.
type Graph interface {
	CreateEdge(ctx context.Context, first, second string) error
	DisruptEdge(ctx context.Context, first, second string) error
	DropOut(ctx context.Context, userID string) error
	PruneStaleEdges(ctx context.Context, userID string) (int64, error)
	Traverse(ctx context.Context, seed string) (graph.Component, error)
}

// Delivery is the message queue and push surface the orchestrator drives.
type Delivery interface {
	Identify(ctx context.Context, userID, nickname string) error
	Submit(ctx context.Context, senderID, nickname, body string, recipients []string) (connectivity.Message, error)
	Redeliver(ctx context.Context, userID string, channel presence.Channel) (presence.Outcome, error)
}

// Presence tracks live channels per user.
type Presence interface {
	Register(userID string, channel presence.Channel)
	Unregister(userID string, channel presence.Channel) bool
	Lookup(userID string) (presence.Channel, bool)
}

// AuditLog records inbound and outbound events. It is write-only.
type AuditLog interface {
	LogUserEvent(ctx context.Context, userID, eventType string, body any) error
	LogServerEvent(ctx context.Context, userIDs []string, eventType string, body any) error
}

// ServiceConfig describes the orchestrator dependencies.
type ServiceConfig struct {
	Graph    Graph
	Delivery Delivery
	Presence Presence
	AuditLog AuditLog
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Service holds the dependencies shared by every session.
type Service struct {
	graph    Graph
	delivery Delivery
	presence Presence
	audit    AuditLog
	metrics  *metrics.Collector
	logger   *zap.Logger

	background sync.WaitGroup
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Graph == nil {
		return nil, errMissingGraph
	}
	if cfg.Delivery == nil {
		return nil, errMissingDelivery
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.AuditLog == nil {
		return nil, errMissingAuditLog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		graph:    cfg.Graph,
		delivery: cfg.Delivery,
		presence: cfg.Presence,
		audit:    cfg.AuditLog,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// NewSession starts an anonymous session bound to channel.
func (s *Service) NewSession(channel presence.Channel) *Session {
	return &Session{
		service: s,
		channel: channel,
		state:   stateAnonymous,
		logger:  s.logger.With(zap.String("connection_id", channel.ID())),
	}
}

// Wait blocks until background work started by sessions has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// goBackground runs fn detached from the caller's cancellation.
func (s *Service) goBackground(ctx context.Context, fn func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(detached)
	}()
}

// notifyGraphChange pushes the component summary of userID to every online member
// and records it in the server log for every member.
func (s *Service) notifyGraphChange(ctx context.Context, userID string) {
	component, err := s.graph.Traverse(ctx, userID)
	if err != nil {
		s.logError(opNotifyChange, "traverse_failed", err, zap.String("user_id", userID))
		return
	}
	info := ChatInfo{Size: component.Size(), EdgeCount: component.EdgeCount}

	for _, member := range component.Vertices {
		channel, online := s.presence.Lookup(member)
		if !online {
			continue
		}
		if err := channel.Notify(EventChatInfo, info); err != nil {
			s.logger.Debug("chatinfo notification dropped",
				zap.String("user_id", member),
				zap.String("connection_id", channel.ID()),
				zap.Error(err))
		}
	}

	if err := s.audit.LogServerEvent(ctx, component.Vertices, EventChatInfo, info); err != nil {
		s.logError(opNotifyChange, "server_log_failed", err, zap.String("user_id", userID))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
