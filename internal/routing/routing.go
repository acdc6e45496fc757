// Package routing implements the Routing Table: a read-only lookup from
// change-type key to effector endpoint URL, configured out-of-band and
// consulted once per change row by the dispatcher.
package routing

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNoRoute is returned when no route is registered for a change-type key.
// The dispatcher must leave the row unprocessed rather than treat this as
// a crash: new change types may be introduced before their effector is
// wired up.
var ErrNoRoute = errors.New("routing: no route for change type")

// Route is a row in the routing table: at most one per Name.
type Route struct {
	Name     string `gorm:"column:name;primaryKey"`
	Endpoint string `gorm:"column:endpoint"`
}

func (Route) TableName() string { return "routing_table" }

// Store resolves change-type keys to endpoint URLs.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the endpoint registered for name, or ErrNoRoute.
func (s *Store) Resolve(ctx context.Context, name string) (string, error) {
	var route Route
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoRoute
	}
	if err != nil {
		return "", err
	}
	return route.Endpoint, nil
}

// Upsert registers or replaces the route for name. Used by operator tooling
// and tests; the dispatcher itself never writes to this table.
func (s *Store) Upsert(ctx context.Context, name, endpoint string) error {
	return s.db.WithContext(ctx).Save(&Route{Name: name, Endpoint: endpoint}).Error
}
