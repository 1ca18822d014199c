package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowdialog/types"
)

// Store persists sessions, messages, session roles and loop counters.
// Status writes are compare-and-set against the previously read status so a
// concurrent writer is detected instead of raced. The session row is the
// unit of mutual exclusion.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a session store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for transaction scoping.
func (s *Store) DB() *gorm.DB { return s.db }

// Create persists a new session.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// UpdateCAS writes the session's mutable fields guarded by the status the
// caller read before mutating. Zero rows affected means another writer got
// there first and surfaces as a ConcurrencyConflict.
func (s *Store) UpdateCAS(ctx context.Context, tx *gorm.DB, sess *Session, expected Status) error {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND status = ?", sess.ID, expected).
		Updates(map[string]any{
			"status":          sess.Status,
			"current_step_id": sess.CurrentStepID,
			"current_order":   sess.CurrentOrder,
			"current_round":   sess.CurrentRound,
			"executed_steps":  sess.ExecutedSteps,
			"error_reason":    sess.ErrorReason,
			"started_at":      sess.StartedAt,
			"finished_at":     sess.FinishedAt,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrConcurrencyConflict,
			"session %s changed concurrently (expected status %s)", sess.ID, expected)
	}
	return nil
}

// AppendMessage persists one message.
func (s *Store) AppendMessage(ctx context.Context, tx *gorm.DB, msg *Message) error {
	if tx == nil {
		tx = s.db
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := tx.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the session's full history in chronological order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// GetSessionRole returns the cached binding for a role reference, if any.
func (s *Store) GetSessionRole(ctx context.Context, sessionID, roleRef string) (*SessionRole, error) {
	var sr SessionRole
	err := s.db.WithContext(ctx).
		First(&sr, "session_id = ? AND role_ref = ?", sessionID, roleRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound,
			"session role %s/%s not bound", sessionID, roleRef)
	}
	if err != nil {
		return nil, fmt.Errorf("load session role: %w", err)
	}
	return &sr, nil
}

// SaveSessionRole persists a lazily created binding. A concurrent create of
// the same (session, ref) pair is tolerated: the existing row wins.
func (s *Store) SaveSessionRole(ctx context.Context, sr *SessionRole) error {
	if sr.ID == "" {
		sr.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "role_ref"}},
			DoNothing: true,
		}).
		Create(sr).Error
	if err != nil {
		return fmt.Errorf("save session role: %w", err)
	}
	return nil
}

// IncrementLoop bumps the (from,to) pair counter and returns the new count.
// Counters only ever increase.
func (s *Store) IncrementLoop(ctx context.Context, tx *gorm.DB, sessionID string, fromOrder, toOrder int) (int, error) {
	if tx == nil {
		tx = s.db
	}
	var counter LoopCounter
	err := tx.WithContext(ctx).
		Where("session_id = ? AND from_order = ? AND to_order = ?", sessionID, fromOrder, toOrder).
		First(&counter).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		counter = LoopCounter{
			SessionID: sessionID,
			FromOrder: fromOrder,
			ToOrder:   toOrder,
			Count:     1,
		}
		if err := tx.WithContext(ctx).Create(&counter).Error; err != nil {
			return 0, fmt.Errorf("create loop counter: %w", err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("load loop counter: %w", err)
	}
	counter.Count++
	if err := tx.WithContext(ctx).Model(&LoopCounter{}).
		Where("id = ?", counter.ID).
		Update("count", counter.Count).Error; err != nil {
		return 0, fmt.Errorf("update loop counter: %w", err)
	}
	return counter.Count, nil
}

// LoopCount reads the current counter for a pair without mutating it.
func (s *Store) LoopCount(ctx context.Context, sessionID string, fromOrder, toOrder int) (int, error) {
	var counter LoopCounter
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND from_order = ? AND to_order = ?", sessionID, fromOrder, toOrder).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load loop counter: %w", err)
	}
	return counter.Count, nil
}

// Transaction runs fn inside one database transaction. One advance call
// commits its message, counters and session update through here.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// LatestMessageByRole returns the most recent message spoken under the given
// role reference, or nil if the role has not spoken yet.
func (s *Store) LatestMessageByRole(ctx context.Context, sessionID, roleRef string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND role_ref = ?", sessionID, roleRef).
		Order("created_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest role message: %w", err)
	}
	return &msg, nil
}
