package connectivity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("connectivity: invalid user id")
)

// NormalizeUserID trims client-supplied identity and checks storage bounds.
func NormalizeUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Pair is an unordered pair of user ids stored with VertexA <= VertexB.
type Pair struct {
	VertexA string
	VertexB string
}

// NewPair orders the two ids bytewise so the relation is stored once.
func NewPair(first, second string) Pair {
	if strings.Compare(first, second) <= 0 {
		return Pair{VertexA: first, VertexB: second}
	}
	return Pair{VertexA: second, VertexB: first}
}

// Key identifies the pair inside in-memory sets.
func (p Pair) Key() string {
	return p.VertexA + ":" + p.VertexB
}

// User models a chat participant. Rows are created on first greeting and never deleted.
type User struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null"`
	Nickname       string     `gorm:"column:nickname;size:320;not null;default:''"`
	DisconnectDate *time.Time `gorm:"column:disconnect_date"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Edge is a reported proximity relation. A nil DisruptDate means the edge is active.
type Edge struct {
	VertexA     string     `gorm:"column:vertex_a;primaryKey;size:190;not null"`
	VertexB     string     `gorm:"column:vertex_b;primaryKey;size:190;not null"`
	DisruptDate *time.Time `gorm:"column:disrupt_date;index:idx_edges_disrupt_date"`
}

// TableName provides the explicit table binding for GORM.
func (Edge) TableName() string {
	return "edges"
}

// Pair returns the normalized endpoints of the edge.
func (e Edge) Pair() Pair {
	return NewPair(e.VertexA, e.VertexB)
}

// Message is an immutable chat message. User holds the sender nickname at send time.
type Message struct {
	ID     string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID string    `gorm:"column:user_id;size:190;not null;index"`
	User   string    `gorm:"column:user;size:320;not null;default:''"`
	Date   time.Time `gorm:"column:date;not null;index"`
	Body   string    `gorm:"column:body;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// QueuedMessage is one entry of a user's undelivered list; Sequence preserves insertion order.
type QueuedMessage struct {
	Sequence  uint64 `gorm:"column:seq;primaryKey;autoIncrement"`
	UserID    string `gorm:"column:user_id;size:190;not null;index:idx_undelivered_user_message,priority:1"`
	MessageID string `gorm:"column:message_id;size:64;not null;index:idx_undelivered_user_message,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (QueuedMessage) TableName() string {
	return "undelivered"
}

// UserLogEntry is an append-only audit record of an inbound client event.
type UserLogEntry struct {
	ID        uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string         `gorm:"column:user_id;size:190;not null;index"`
	Type      string         `gorm:"column:type;size:64;not null"`
	Body      datatypes.JSON `gorm:"column:body"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (UserLogEntry) TableName() string {
	return "userlog"
}

// ServerLogEntry is an append-only audit record of an outbound notification, one row per recipient.
type ServerLogEntry struct {
	ID        uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string         `gorm:"column:user_id;size:190;not null;index"`
	Type      string         `gorm:"column:type;size:64;not null"`
	Body      datatypes.JSON `gorm:"column:body"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ServerLogEntry) TableName() string {
	return "serverlog"
}

// Models lists every persisted type in migration order.
func Models() []any {
	return []any{
		&User{},
		&Edge{},
		&Message{},
		&QueuedMessage{},
		&UserLogEntry{},
		&ServerLogEntry{},
	}
}
