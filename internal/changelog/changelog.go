// Package changelog models the append-only Change Log table: the durable
// record of member-state changes the dispatcher drains in id order. Rows are
// appended by portals and sync jobs outside this repository; the dispatcher
// is the sole mutator of Processed.
package changelog

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Change is a row in the change_log table. Data carries at minimum a
// "change" key naming the change-type and a "member_id", plus a nested
// object keyed by the change-type name holding the type-specific body.
type Change struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Data      json.RawMessage `gorm:"column:data;type:jsonb"`
	Processed bool            `gorm:"column:processed;default:false"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// TableName pins the GORM table name; the struct name alone would pluralize
// to "changes", but the notification trigger is defined on change_log.
func (Change) TableName() string { return "change_log" }

// Payload is the decoded shape of Change.Data.
type Payload struct {
	Change   string          `json:"change"`
	MemberID string          `json:"member_id"`
	Body     json.RawMessage `json:"-"`
}

// DecodePayload extracts the change-type key, member id, and the nested
// type-specific body (Data[change]) from a Change row.
func DecodePayload(c Change) (Payload, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(c.Data, &envelope); err != nil {
		return Payload{}, err
	}

	var p Payload
	if raw, ok := envelope["change"]; ok {
		if err := json.Unmarshal(raw, &p.Change); err != nil {
			return Payload{}, err
		}
	}
	if raw, ok := envelope["member_id"]; ok {
		if err := json.Unmarshal(raw, &p.MemberID); err != nil {
			return Payload{}, err
		}
	}
	if body, ok := envelope[p.Change]; ok {
		p.Body = body
	} else {
		p.Body = json.RawMessage("{}")
	}
	return p, nil
}

// Store is the persistence boundary for the Change Log.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open GORM connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FetchUnprocessedBatch returns up to limit unprocessed rows in ascending id
// order. The resume-pass and steady-state fetch both call this.
func (s *Store) FetchUnprocessedBatch(ctx context.Context, limit int) ([]Change, error) {
	var rows []Change
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkProcessed flips processed=true for id within tx, so the caller can
// commit it in the same transaction as the Attempt Log insert.
func (s *Store) MarkProcessed(ctx context.Context, tx *gorm.DB, id int64) error {
	return tx.WithContext(ctx).
		Model(&Change{}).
		Where("id = ?", id).
		Update("processed", true).Error
}

// WithTransaction runs fn inside a GORM transaction, matching the "same
// transaction boundary" requirement between marking processed and recording
// the attempt.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// DB exposes the underlying GORM connection.
func (s *Store) DB() *gorm.DB { return s.db }
