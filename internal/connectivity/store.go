package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a dotted operation code alongside the underlying driver error.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew           = "connectivity.store.new"
	opIdentify           = "connectivity.identify"
	opMarkDisconnected   = "connectivity.mark_disconnected"
	opUpsertEdge         = "connectivity.upsert_edge"
	opDisruptEdge        = "connectivity.disrupt_edge"
	opDisruptTouching    = "connectivity.disrupt_edges_touching"
	opDeleteStaleEdges   = "connectivity.delete_stale_edges"
	opLiveEdgesTouching  = "connectivity.live_edges_touching"
	opCreateMessage      = "connectivity.create_message"
	opEnqueue            = "connectivity.enqueue"
	opDequeue            = "connectivity.dequeue"
	opPendingMessages    = "connectivity.pending_messages"
	opLogUserEvent       = "connectivity.log_user_event"
	opLogServerEvent     = "connectivity.log_server_event"
	opReset              = "connectivity.reset"
	enqueueStatementText = "INSERT INTO undelivered (user_id, message_id) SELECT id, ? FROM users WHERE id = ?"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the connectivity store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store exposes the atomic document operations over users, edges, messages and audit logs.
// Every method issues a single statement; no multi-statement transactions are used.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Migrate creates or updates every connectivity table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// Ping checks that the underlying connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Identify binds a nickname to userID and marks the user online, creating the row on first sight.
// When the previous disconnect happened before staleBefore the undelivered list is wiped first.
// It returns the number of queue entries that were discarded.
func (s *Store) Identify(ctx context.Context, userID, nickname string, staleBefore time.Time) (int64, error) {
	staleUsers := s.db.Model(&User{}).
		Select("id").
		Where("id = ? AND disconnect_date < ?", userID, staleBefore)
	cleared := s.db.WithContext(ctx).
		Where("user_id IN (?)", staleUsers).
		Delete(&QueuedMessage{})
	if cleared.Error != nil {
		return 0, newStoreError(opIdentify, "clear_stale_queue_failed", cleared.Error)
	}

	user := User{ID: userID, Nickname: nickname}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"nickname":        nickname,
				"disconnect_date": nil,
			}),
		}).
		Create(&user).Error
	if err != nil {
		return cleared.RowsAffected, newStoreError(opIdentify, "upsert_user_failed", err)
	}
	return cleared.RowsAffected, nil
}

// MarkDisconnected stamps the user's disconnect date. Unknown users are left alone.
func (s *Store) MarkDisconnected(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("disconnect_date", at).Error
	if err != nil {
		return newStoreError(opMarkDisconnected, "update_failed", err)
	}
	return nil
}

// FindUser loads a user row. It returns gorm.ErrRecordNotFound wrapped when absent.
func (s *Store) FindUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpsertEdge creates the pair or clears its disruption.
func (s *Store) UpsertEdge(ctx context.Context, pair Pair) error {
	edge := Edge{VertexA: pair.VertexA, VertexB: pair.VertexB}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vertex_a"}, {Name: "vertex_b"}},
			DoUpdates: clause.Assignments(map[string]any{"disrupt_date": nil}),
		}).
		Create(&edge).Error
	if err != nil {
		return newStoreError(opUpsertEdge, "upsert_failed", err)
	}
	return nil
}

// DisruptEdge stamps the pair as disrupted at at. An absent pair is a no-op; an already disrupted
// pair gets a fresh stamp.
func (s *Store) DisruptEdge(ctx context.Context, pair Pair, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&Edge{}).
		Where("vertex_a = ? AND vertex_b = ?", pair.VertexA, pair.VertexB).
		Update("disrupt_date", at).Error
	if err != nil {
		return newStoreError(opDisruptEdge, "update_failed", err)
	}
	return nil
}

// DisruptEdgesTouching stamps every edge with userID as an endpoint, disrupted or not.
func (s *Store) DisruptEdgesTouching(ctx context.Context, userID string, at time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Edge{}).
		Where("vertex_a = ? OR vertex_b = ?", userID, userID).
		Update("disrupt_date", at)
	if result.Error != nil {
		return 0, newStoreError(opDisruptTouching, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteEdgesDisruptedBefore removes userID's edges whose disruption predates cutoff.
func (s *Store) DeleteEdgesDisruptedBefore(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("(vertex_a = ? OR vertex_b = ?) AND disrupt_date < ?", userID, userID, cutoff).
		Delete(&Edge{})
	if result.Error != nil {
		return 0, newStoreError(opDeleteStaleEdges, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// LiveEdgesTouching returns edges with an endpoint in frontier that are active or disrupted after cutoff.
func (s *Store) LiveEdgesTouching(ctx context.Context, frontier []string, cutoff time.Time) ([]Edge, error) {
	if len(frontier) == 0 {
		return nil, nil
	}
	var edges []Edge
	err := s.db.WithContext(ctx).
		Select("vertex_a", "vertex_b", "disrupt_date").
		Where("(vertex_a IN ? OR vertex_b IN ?)", frontier, frontier).
		Where("(disrupt_date IS NULL OR disrupt_date > ?)", cutoff).
		Find(&edges).Error
	if err != nil {
		return nil, newStoreError(opLiveEdgesTouching, "query_failed", err)
	}
	return edges, nil
}

// ListEdges returns every stored edge ordered by its key.
func (s *Store) ListEdges(ctx context.Context) ([]Edge, error) {
	var edges []Edge
	err := s.db.WithContext(ctx).Order("vertex_a ASC").Order("vertex_b ASC").Find(&edges).Error
	return edges, err
}

// CreateMessage persists message, assigning an identifier when none is set.
func (s *Store) CreateMessage(ctx context.Context, message *Message) error {
	if message.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(opCreateMessage, "id_generation_failed", err)
		}
		message.ID = id
	}
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		return newStoreError(opCreateMessage, "insert_failed", err)
	}
	return nil
}

// Enqueue appends messageID to the user's undelivered list.
// It reports false when the user has never greeted and so has no list.
func (s *Store) Enqueue(ctx context.Context, userID, messageID string) (bool, error) {
	result := s.db.WithContext(ctx).Exec(enqueueStatementText, messageID, userID)
	if result.Error != nil {
		return false, newStoreError(opEnqueue, "insert_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Dequeue removes messageID from the user's undelivered list.
func (s *Store) Dequeue(ctx context.Context, userID, messageID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND message_id = ?", userID, messageID).
		Delete(&QueuedMessage{}).Error
	if err != nil {
		return newStoreError(opDequeue, "delete_failed", err)
	}
	return nil
}

// DequeueMany removes a delivered batch from the user's undelivered list in one statement.
func (s *Store) DequeueMany(ctx context.Context, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND message_id IN ?", userID, messageIDs).
		Delete(&QueuedMessage{}).Error
	if err != nil {
		return newStoreError(opDequeue, "batch_delete_failed", err)
	}
	return nil
}

// QueuedMessageIDs returns the user's undelivered list in insertion order.
func (s *Store) QueuedMessageIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&QueuedMessage{}).
		Where("user_id = ?", userID).
		Order("seq ASC").
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, newStoreError(opPendingMessages, "queue_query_failed", err)
	}
	return ids, nil
}

// PendingMessages loads every message referenced by the user's undelivered list, oldest first.
func (s *Store) PendingMessages(ctx context.Context, userID string) ([]Message, error) {
	queued := s.db.Model(&QueuedMessage{}).
		Select("message_id").
		Where("user_id = ?", userID)
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("id IN (?)", queued).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}}).
		Find(&messages).Error
	if err != nil {
		return nil, newStoreError(opPendingMessages, "query_failed", err)
	}
	return messages, nil
}

// LogUserEvent appends an inbound event to the user log.
func (s *Store) LogUserEvent(ctx context.Context, userID, eventType string, body any) error {
	encoded, err := encodeLogBody(body)
	if err != nil {
		return newStoreError(opLogUserEvent, "encode_failed", err)
	}
	entry := UserLogEntry{UserID: userID, Type: eventType, Body: encoded}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return newStoreError(opLogUserEvent, "insert_failed", err)
	}
	return nil
}

// LogServerEvent appends one server log row per recipient in a single batch.
func (s *Store) LogServerEvent(ctx context.Context, userIDs []string, eventType string, body any) error {
	if len(userIDs) == 0 {
		return nil
	}
	encoded, err := encodeLogBody(body)
	if err != nil {
		return newStoreError(opLogServerEvent, "encode_failed", err)
	}
	entries := make([]ServerLogEntry, 0, len(userIDs))
	for _, userID := range userIDs {
		entries = append(entries, ServerLogEntry{UserID: userID, Type: eventType, Body: encoded})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&entries, 100).Error; err != nil {
		return newStoreError(opLogServerEvent, "insert_failed", err)
	}
	return nil
}

// Reset deletes every row from every connectivity table.
func (s *Store) Reset(ctx context.Context) error {
	for _, model := range Models() {
		if err := s.db.WithContext(ctx).Where("1 = 1").Delete(model).Error; err != nil {
			s.logger.Error("connectivity reset failed", zap.Error(err))
			return newStoreError(opReset, "delete_failed", err)
		}
	}
	return nil
}

func encodeLogBody(body any) (datatypes.JSON, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}
