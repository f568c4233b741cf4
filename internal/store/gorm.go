package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kids-checkin-backend/internal/model"
)

// GormStore persists entities in one table per kind.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store. The schema must already be
// migrated, see AutoMigrate.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the tables for every entity kind.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Child{},
		&model.Service{},
		&model.CheckInRecord{},
		&model.CheckInRequest{},
		&model.PushSubscription{},
	)
}

// DB exposes the underlying handle for readiness checks.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Get(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	e, err := model.NewEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s %q: %w", kind, id, err)
	}
	return e, nil
}

func (s *GormStore) Put(ctx context.Context, e model.Entity) error {
	return upsert(s.db.WithContext(ctx), e)
}

func (s *GormStore) PutAll(ctx context.Context, entities ...model.Entity) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entities {
			if err := upsert(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsert(tx *gorm.DB, e model.Entity) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(e.CloneEntity()).Error; err != nil {
		return fmt.Errorf("failed to upsert %s %q: %w", e.EntityKind(), e.EntityID(), err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, kind model.Kind, id string) error {
	e, err := model.NewEntity(kind)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(e).Error; err != nil {
		return fmt.Errorf("failed to delete %s %q: %w", kind, id, err)
	}
	return nil
}

func (s *GormStore) Query(ctx context.Context, kind model.Kind, pred Predicate) ([]model.Entity, error) {
	var (
		all []model.Entity
		err error
	)
	tx := s.db.WithContext(ctx)
	switch kind {
	case model.KindChild:
		all, err = findAll[model.Child](tx)
	case model.KindService:
		all, err = findAll[model.Service](tx)
	case model.KindCheckInRecord:
		all, err = findAll[model.CheckInRecord](tx)
	case model.KindCheckInRequest:
		all, err = findAll[model.CheckInRequest](tx)
	default:
		_, err = model.NewEntity(kind)
	}
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return all, nil
	}
	out := all[:0]
	for _, e := range all {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func findAll[T any, P interface {
	*T
	model.Entity
}](tx *gorm.DB) ([]model.Entity, error) {
	var rows []T
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	out := make([]model.Entity, 0, len(rows))
	for i := range rows {
		out = append(out, P(&rows[i]))
	}
	return out, nil
}
