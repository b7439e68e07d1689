// pkg/meta/repository.go
package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository 封装对迁移日志的所有读写。
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Record 落一条传输记录。ID 和时间戳这里补齐，调用方只管业务字段。
func (r *Repository) Record(ctx context.Context, rec TransferRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := r.db.GetConn().WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// Recent 按时间倒序取最近 limit 条记录 (s2b log)。
func (r *Repository) Recent(ctx context.Context, limit int) ([]TransferRecord, error) {
	var records []TransferRecord
	err := r.db.GetConn().WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return records, nil
}
