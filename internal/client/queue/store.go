package queue

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("queue: database connection required")

// Reconciler updates the local replica once the fate of a mutation is known. Every method runs
// inside the transaction that removes the mutation from the queue. Discard is called for
// mutations dropped by consolidation; their effect is already superseded locally, but any record
// that would let a later revert resurrect them must go.
type Reconciler interface {
	Acknowledge(ctx context.Context, tx *gorm.DB, mutation mutations.Mutation) error
	Revert(ctx context.Context, tx *gorm.DB, mutation mutations.Mutation) error
	Discard(ctx context.Context, tx *gorm.DB, mutation mutations.Mutation) error
}

// StoreConfig describes the dependencies of the queue store.
type StoreConfig struct {
	Database *gorm.DB
	IDs      *IDSource
	Clock    func() time.Time
}

// Store persists pending mutations in the device database.
type Store struct {
	db    *gorm.DB
	ids   *IDSource
	clock func() time.Time
}

// NewStore constructs the queue store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewIDSource()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, ids: ids, clock: clock}, nil
}

// Enqueue appends a mutation inside tx so that it commits together with the local edit it
// describes.
func (s *Store) Enqueue(tx *gorm.DB, mutationType mutations.Type, payload mutations.Payload) (mutations.Mutation, error) {
	createdAt := s.clock().UTC()
	id, err := s.ids.NewID(createdAt)
	if err != nil {
		return mutations.Mutation{}, err
	}
	mutation, err := mutations.New(id, mutationType, payload, createdAt)
	if err != nil {
		return mutations.Mutation{}, err
	}
	row := pendingFrom(mutation)
	if err := tx.Create(&row).Error; err != nil {
		return mutations.Mutation{}, err
	}
	return mutation, nil
}

// Pending returns up to limit mutations, oldest first. A non-positive limit returns all.
func (s *Store) Pending(ctx context.Context, limit int) ([]PendingMutation, error) {
	query := s.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var pending []PendingMutation
	if err := query.Find(&pending).Error; err != nil {
		return nil, err
	}
	return pending, nil
}

// Compact drops every mutation made moot by a later one and reports how many were removed. The
// reconciler discards the local records of each dropped mutation in the same transaction.
func (s *Store) Compact(ctx context.Context, reconciler Reconciler) (int, error) {
	dropped := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []PendingMutation
		if err := tx.Order("id ASC").Find(&pending).Error; err != nil {
			return err
		}
		plan := Consolidate(pending)
		if len(plan.Drop) == 0 {
			return nil
		}
		moot := make(map[string]struct{}, len(plan.Drop))
		for _, id := range plan.Drop {
			moot[id] = struct{}{}
		}
		for _, row := range pending {
			if _, ok := moot[row.ID]; !ok {
				continue
			}
			if err := reconciler.Discard(ctx, tx, row.Mutation()); err != nil {
				return err
			}
		}
		if err := tx.Where("id IN ?", plan.Drop).Delete(&PendingMutation{}).Error; err != nil {
			return err
		}
		dropped = len(plan.Drop)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dropped, nil
}

// Acknowledge removes accepted mutations and lets the reconciler confirm their local effects.
func (s *Store) Acknowledge(ctx context.Context, ids []string, reconciler Reconciler) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accepted []PendingMutation
		if err := tx.Where("id IN ?", ids).Order("id ASC").Find(&accepted).Error; err != nil {
			return err
		}
		for _, row := range accepted {
			if err := reconciler.Acknowledge(ctx, tx, row.Mutation()); err != nil {
				return err
			}
		}
		return tx.Where("id IN ?", ids).Delete(&PendingMutation{}).Error
	})
}

// Fail increments the retry counter of the mutations. Those reaching limit are discarded after
// the reconciler reverted their local effects; their ids are returned.
func (s *Store) Fail(ctx context.Context, ids []string, limit int, reconciler Reconciler) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var discarded []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		discarded = nil
		if err := tx.Model(&PendingMutation{}).
			Where("id IN ?", ids).
			Update("retries", gorm.Expr("retries + 1")).Error; err != nil {
			return err
		}
		var exhausted []PendingMutation
		if err := tx.Where("id IN ? AND retries >= ?", ids, limit).Order("id DESC").Find(&exhausted).Error; err != nil {
			return err
		}
		for _, row := range exhausted {
			if err := reconciler.Revert(ctx, tx, row.Mutation()); err != nil {
				return err
			}
			if err := tx.Delete(&PendingMutation{}, "id = ?", row.ID).Error; err != nil {
				return err
			}
			discarded = append(discarded, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return discarded, nil
}
