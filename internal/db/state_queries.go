package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadBreakerState returns the persisted breaker row, or nil before first use.
func (p *Pool) LoadBreakerState(ctx context.Context, name string) (*BreakerState, error) {
	var row BreakerState
	if err := p.gdb.WithContext(ctx).Where("name = ?", name).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query breaker state %q: %w", name, err)
	}
	return &row, nil
}

func (p *Pool) SaveBreakerState(ctx context.Context, row BreakerState) error {
	err := p.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state",
				"failures",
				"half_open_successes",
				"last_failure_at",
				"last_success_at",
				"updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert breaker state %q: %w", row.Name, err)
	}
	return nil
}

// LoadRateLimiterState returns the persisted limiter row, or nil before first use.
func (p *Pool) LoadRateLimiterState(ctx context.Context, name string) (*RateLimiterState, error) {
	var row RateLimiterState
	if err := p.gdb.WithContext(ctx).Where("name = ?", name).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query rate limiter state %q: %w", name, err)
	}
	return &row, nil
}

func (p *Pool) SaveRateLimiterState(ctx context.Context, row RateLimiterState) error {
	err := p.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_attempt_at", "suppressed_until", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert rate limiter state %q: %w", row.Name, err)
	}
	return nil
}
