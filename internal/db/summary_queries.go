package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LookupSummary returns the cached summary for a content hash, or nil when none exists.
func (p *Pool) LookupSummary(ctx context.Context, contentHash string) (*Summary, error) {
	hash := strings.TrimSpace(contentHash)
	if hash == "" {
		return nil, nil
	}

	var row Summary
	if err := p.gdb.WithContext(ctx).Where("content_hash = ?", hash).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query summary by hash: %w", err)
	}
	return &row, nil
}

// InsertSummary stores a cache entry. Entries are immutable: when the hash is
// already cached the existing row wins and created is false.
func (p *Pool) InsertSummary(ctx context.Context, row Summary) (bool, error) {
	if strings.TrimSpace(row.ContentHash) == "" {
		return false, fmt.Errorf("content hash is required")
	}
	res := p.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "content_hash"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert summary: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *Pool) HasSummaryFailure(ctx context.Context, contentHash string) (bool, error) {
	var count int64
	err := p.gdb.WithContext(ctx).
		Model(&SummaryFailure{}).
		Where("content_hash = ?", strings.TrimSpace(contentHash)).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query summary failure: %w", err)
	}
	return count > 0, nil
}

func (p *Pool) ListSummaryFailures(ctx context.Context, limit int) ([]SummaryFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []SummaryFailure
	if err := p.gdb.WithContext(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list summary failures: %w", err)
	}
	return rows, nil
}
