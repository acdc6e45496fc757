// Package memberstore reads member records for the effector services:
// looking up the identity and RFID tags a change row's member_id refers to.
// The member table is owned by the membership system; this package only
// reads it, optionally through a Redis cache.
package memberstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a member_id has no matching row.
var ErrNotFound = errors.New("memberstore: member not found")

// Member is the subset of the member table the effectors need. The
// underlying table is owned by the membership system, not this repo, so
// Store only reads it.
type Member struct {
	ID       string `gorm:"column:id;primaryKey"`
	Identity string `gorm:"column:identity"`
	Active   bool   `gorm:"column:active"`
}

// TableName pins Member to the pre-existing member table.
func (Member) TableName() string {
	return "member"
}

// Tag is one RFID credential assigned to a member. Each tag carries its own
// active flag, independent of the member's overall status.
type Tag struct {
	MemberID     string `gorm:"column:member_id"`
	TagID        string `gorm:"column:tag_id"`
	ConvertedTag uint32 `gorm:"column:converted_tag"`
	Active       bool   `gorm:"column:active"`
}

// TableName pins Tag to the member_tag table.
func (Tag) TableName() string {
	return "member_tag"
}

// Store reads member data, optionally through a Cache.
type Store struct {
	db    *gorm.DB
	cache Cache
}

// New builds a Store. cache may be nil, in which case every lookup goes
// straight to Postgres.
func New(db *gorm.DB, cache Cache) *Store {
	return &Store{db: db, cache: cache}
}

// Get returns the member identified by id.
func (s *Store) Get(ctx context.Context, id string) (Member, error) {
	if s.cache != nil {
		if m, ok := s.cache.GetMember(ctx, id); ok {
			return m, nil
		}
	}

	var m Member
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Member{}, fmt.Errorf("memberstore: fetching member %s: %w", id, err)
	}

	if s.cache != nil {
		s.cache.SetMember(ctx, m)
	}
	return m, nil
}

// Tags returns every RFID tag currently assigned to id, active or not.
func (s *Store) Tags(ctx context.Context, id string) ([]Tag, error) {
	if s.cache != nil {
		if tags, ok := s.cache.GetTags(ctx, id); ok {
			return tags, nil
		}
	}

	var tags []Tag
	if err := s.db.WithContext(ctx).Where("member_id = ?", id).Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("memberstore: fetching tags for %s: %w", id, err)
	}

	if s.cache != nil {
		s.cache.SetTags(ctx, id, tags)
	}
	return tags, nil
}

// Invalidate drops id from the cache, used after a change row that
// touches membership status or tags has been dispatched.
func (s *Store) Invalidate(ctx context.Context, id string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
}
