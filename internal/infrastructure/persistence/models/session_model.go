package models

import "time"

// SessionModel persists one session.Session as an opaque JSON blob (the
// shape session.Session.MarshalJSON/FromJSON already define), keyed by
// session id, per spec §4.E's History Store — the teacher's per-row
// gorm models (MessageModel, AgentModel) stored individual chat
// messages in their own columns; the turn loop's Session is the unit of
// history now, so one row per session is the natural granularity.
type SessionModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Data      []byte `gorm:"type:blob"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionModel) TableName() string {
	return "sessions"
}
