package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/corerun/agentcore/internal/domain/session"
	"github.com/corerun/agentcore/internal/infrastructure/persistence/models"
)

// ErrSessionNotFound is returned by SessionStore.Load when no row matches.
var ErrSessionNotFound = errors.New("persistence: session not found")

// SessionStore persists session.Session snapshots across process
// restarts, backing spec §4.E's History Store for long-lived REPL/CLI
// sessions. Grounded on the teacher's gorm_message_repository.go
// Save/FindByID shape, adapted to one blob per session instead of one
// row per message.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore wraps a *gorm.DB opened via NewDBConnection.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Save upserts sess's current snapshot.
func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	data, err := sess.MarshalJSON()
	if err != nil {
		return err
	}
	row := models.SessionModel{ID: sess.ID(), Data: data, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Save(&row).Error
}

// Load restores a session previously written by Save.
func (s *SessionStore) Load(ctx context.Context, id string) (*session.Session, error) {
	var row models.SessionModel
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session.FromJSON(row.Data)
}

// Delete removes a persisted session, e.g. on /new.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.SessionModel{}, "id = ?", id).Error
}
