package chat

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
	"go.uber.org/zap"
)

type sessionState int

const (
	stateAnonymous sessionState = iota
	stateIdentified
	stateClosed
)

// Session is the protocol state machine of one connection.
// Handle and Close must be called from a single goroutine, in arrival order.
type Session struct {
	service *Service
	channel presence.Channel
	logger  *zap.Logger

	state    sessionState
	userID   string
	nickname string
}

// UserID returns the bound identity, or "" while anonymous.
func (s *Session) UserID() string {
	return s.userID
}

// Handle processes one inbound event. Events other than greeting are dropped while anonymous.
func (s *Session) Handle(ctx context.Context, event Event) {
	if s.state == stateClosed {
		return
	}
	if event.Name == EventGreeting {
		s.handleGreeting(ctx, event)
		return
	}
	if s.state != stateIdentified {
		s.logger.Debug("event ignored before greeting", zap.String("event", event.Name))
		return
	}

	switch event.Name {
	case EventFound:
		s.handleFound(ctx, event)
	case EventLost:
		s.handleLost(ctx, event)
	case EventRefreshChatInfo:
		s.accept(event)
		s.service.notifyGraphChange(ctx, s.userID)
	case EventChatMessage:
		s.handleChatMessage(ctx, event)
	default:
		s.logger.Debug("unknown event ignored", zap.String("event", event.Name))
	}
}

// Close tears the session down after its connection ended.
// The user drops out only when this connection still owns its presence entry.
func (s *Session) Close(ctx context.Context) {
	if s.state != stateIdentified {
		s.state = stateClosed
		return
	}
	s.state = stateClosed
	if !s.service.presence.Unregister(s.userID, s.channel) {
		s.logger.Debug("presence already owned by a newer connection")
		return
	}
	if err := s.service.graph.DropOut(context.WithoutCancel(ctx), s.userID); err != nil {
		s.service.logError(opDisconnect, "drop_out_failed", err, zap.String("user_id", s.userID))
	}
}

func (s *Session) accept(event Event) {
	s.service.metrics.ObserveEvent(event.Name)
	if event.Ack != nil {
		event.Ack()
	}
}

func (s *Session) handleGreeting(ctx context.Context, event Event) {
	var payload greetingPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		s.logger.Debug("malformed greeting ignored", zap.Error(err))
		return
	}
	userID, err := connectivity.NormalizeUserID(payload.ID)
	if err != nil {
		s.logger.Debug("greeting without identity ignored", zap.Error(err))
		return
	}
	s.accept(event)

	if s.state == stateIdentified && s.userID != userID {
		s.service.presence.Unregister(s.userID, s.channel)
	}
	s.state = stateIdentified
	s.userID = userID
	s.nickname = payload.Nickname
	s.logger = s.service.logger.With(
		zap.String("connection_id", s.channel.ID()),
		zap.String("user_id", userID),
	)

	s.service.presence.Register(userID, s.channel)
	s.logUserEvent(ctx, opGreeting, payload)

	if pruned, err := s.service.graph.PruneStaleEdges(ctx, userID); err != nil {
		s.service.logError(opGreeting, "prune_failed", err, zap.String("user_id", userID))
	} else if pruned > 0 {
		s.logger.Debug("stale edges pruned", zap.Int64("edges", pruned))
	}

	if err := s.service.delivery.Identify(ctx, userID, payload.Nickname); err != nil {
		s.service.logError(opGreeting, "identify_failed", err, zap.String("user_id", userID))
		return
	}

	s.service.notifyGraphChange(ctx, userID)

	channel := s.channel
	s.service.goBackground(ctx, func(background context.Context) {
		outcome, err := s.service.delivery.Redeliver(background, userID, channel)
		if err != nil {
			s.service.logError(opRedeliver, "redeliver_failed", err, zap.String("user_id", userID))
			return
		}
		if outcome != presence.OutcomeAcknowledged {
			s.service.logger.Debug("backlog left queued",
				zap.String("user_id", userID),
				zap.String("connection_id", channel.ID()))
		}
	})
}

func (s *Session) handleFound(ctx context.Context, event Event) {
	neighbor, ok := s.neighborFrom(event)
	if !ok {
		return
	}
	s.accept(event)
	s.logUserEvent(ctx, opFound, neighbor)

	if err := s.service.graph.CreateEdge(ctx, s.userID, neighbor); err != nil {
		s.service.logError(opFound, "create_edge_failed", err,
			zap.String("user_id", s.userID),
			zap.String("neighbor_id", neighbor))
		return
	}
	s.service.notifyGraphChange(ctx, s.userID)
}

func (s *Session) handleLost(ctx context.Context, event Event) {
	neighbor, ok := s.neighborFrom(event)
	if !ok {
		return
	}
	s.accept(event)
	s.logUserEvent(ctx, opLost, neighbor)

	if err := s.service.graph.DisruptEdge(ctx, s.userID, neighbor); err != nil {
		s.service.logError(opLost, "disrupt_edge_failed", err,
			zap.String("user_id", s.userID),
			zap.String("neighbor_id", neighbor))
	}
}

func (s *Session) handleChatMessage(ctx context.Context, event Event) {
	body, err := decodeString(event.Payload)
	if err != nil {
		s.logger.Debug("chat message without body ignored", zap.Error(err))
		return
	}
	s.accept(event)
	s.logUserEvent(ctx, opChatMessage, body)

	component, err := s.service.graph.Traverse(ctx, s.userID)
	if err != nil {
		s.service.logError(opChatMessage, "traverse_failed", err, zap.String("user_id", s.userID))
		return
	}
	message, err := s.service.delivery.Submit(ctx, s.userID, s.nickname, body, component.Vertices)
	if err != nil {
		s.service.logError(opChatMessage, "submit_failed", err,
			zap.String("user_id", s.userID),
			zap.String("message_id", message.ID))
		return
	}
	s.logger.Debug("chat message submitted",
		zap.String("message_id", message.ID),
		zap.Int("recipients", component.Size()-1))
}

// neighborFrom extracts and validates the neighbor id of found and lost events.
func (s *Session) neighborFrom(event Event) (string, bool) {
	raw, err := decodeString(event.Payload)
	if err != nil {
		s.logger.Debug("neighbor payload ignored", zap.String("event", event.Name), zap.Error(err))
		return "", false
	}
	neighbor, err := connectivity.NormalizeUserID(raw)
	if err != nil || neighbor == s.userID {
		s.logger.Debug("invalid neighbor ignored", zap.String("event", event.Name), zap.String("neighbor_id", raw))
		return "", false
	}
	return neighbor, true
}

func (s *Session) logUserEvent(ctx context.Context, operation string, body any) {
	eventType := operation[len("chat."):]
	if err := s.service.audit.LogUserEvent(ctx, s.userID, eventType, body); err != nil {
		s.service.logError(operation, "user_log_failed", err, zap.String("user_id", s.userID))
	}
}
