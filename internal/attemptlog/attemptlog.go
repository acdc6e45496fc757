// Package attemptlog implements the Attempt Log: an append-only record of
// every dispatch attempt the Change Dispatcher makes, whether or not the
// attempt succeeded.
package attemptlog

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TransportFailureCode is the synthetic response code attemptlog rows carry
// when an HTTP request to an effector could not be completed at all (dial
// failure, timeout) rather than returning any response.
const TransportFailureCode = -1

// UnroutableCode is the synthetic response code recorded when a change has
// no registered route.
const UnroutableCode = -2

// Attempt is a row in the attempt_log table. Append-only; the dispatcher
// never updates or deletes a row once written.
type Attempt struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ChangeID        int64     `gorm:"column:member_change_id"`
	ServiceName     string    `gorm:"column:service_name"`
	ServiceEndpoint string    `gorm:"column:service_endpoint"`
	ResponseCode    int       `gorm:"column:response_code"`
	ResponseMessage string    `gorm:"column:response_message"`
	Timestamp       time.Time `gorm:"column:timestamp;autoCreateTime"`
}

func (Attempt) TableName() string { return "attempt_log" }

// Store appends Attempt rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record appends one Attempt row, optionally within tx. Pass nil to use the
// store's own connection; callers marking a change processed in the same
// transaction should pass that transaction here.
func (s *Store) Record(ctx context.Context, tx *gorm.DB, a Attempt) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Create(&a).Error
}

// Succeeded reports whether response_code == 200, the sole success
// criterion the dispatcher accepts.
func (a Attempt) Succeeded() bool { return a.ResponseCode == 200 }
