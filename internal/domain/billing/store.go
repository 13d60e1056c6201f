package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrInconsistencyNotFound = errors.New("billing: inconsistency not found")

// Store serves the read side of payments and the operator workflow for
// inconsistencies.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Payments(ctx context.Context, userID uint, page, limit int) ([]Payment, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Model(&Payment{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	var payments []Payment
	if err := query.
		Preload("Plan").
		Preload("Package").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&payments).Error; err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return payments, total, nil
}

func (s *Store) Inconsistencies(ctx context.Context, openOnly bool) ([]Inconsistency, error) {
	query := s.db.WithContext(ctx).Model(&Inconsistency{})
	if openOnly {
		query = query.Where("resolved_at IS NULL")
	}
	var out []Inconsistency
	if err := query.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list inconsistencies: %w", err)
	}
	return out, nil
}

// Resolve closes an inconsistency. Resolving twice keeps the first
// resolution.
func (s *Store) Resolve(ctx context.Context, id, note string, now time.Time) (*Inconsistency, error) {
	var inc Inconsistency
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&inc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInconsistencyNotFound
			}
			return fmt.Errorf("find inconsistency: %w", err)
		}
		if inc.ResolvedAt != nil {
			return nil
		}
		if err := tx.Model(&Inconsistency{}).Where("id = ? AND resolved_at IS NULL", id).Updates(map[string]any{
			"resolved_at":     now,
			"resolution_note": note,
		}).Error; err != nil {
			return fmt.Errorf("resolve inconsistency: %w", err)
		}
		inc.ResolvedAt = &now
		inc.ResolutionNote = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

type KindTotal struct {
	Kind        Kind  `json:"kind"`
	Count       int64 `json:"count"`
	AmountMinor int64 `json:"amount_minor"`
	Points      int64 `json:"points"`
}

type Stats struct {
	ByKind              []KindTotal `json:"by_kind"`
	OpenInconsistencies int64       `json:"open_inconsistencies"`
}

func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var out Stats
	if err := s.db.WithContext(ctx).Model(&Payment{}).
		Select("kind, COUNT(*) AS count, COALESCE(SUM(amount_minor), 0) AS amount_minor, COALESCE(SUM(points + bonus_points), 0) AS points").
		Where("created_at >= ?", since).
		Group("kind").
		Order("kind").
		Scan(&out.ByKind).Error; err != nil {
		return Stats{}, fmt.Errorf("payment totals: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Inconsistency{}).
		Where("resolved_at IS NULL").
		Count(&out.OpenInconsistencies).Error; err != nil {
		return Stats{}, fmt.Errorf("count inconsistencies: %w", err)
	}
	return out, nil
}
