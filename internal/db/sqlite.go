// Package db persists tag value history in SQLite through GORM.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"modbus-tagpoller/internal/model"
)

// DB wraps the GORM connection.
type DB struct {
	ORM *gorm.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	g, err := openORM(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{ORM: g}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

// Save records rows in one transaction.
func (d *DB) Save(ctx context.Context, rows ...model.TagValue) error {
	if len(rows) == 0 {
		return nil
	}
	return insertValues(ctx, d.ORM, rows)
}

// Latest returns the newest value of every tag ordered by name.
func (d *DB) Latest(ctx context.Context) ([]model.TagLatest, error) {
	var out []model.TagLatest
	if err := d.ORM.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LatestOf returns the newest value of one tag.
func (d *DB) LatestOf(ctx context.Context, name string) (model.TagLatest, bool, error) {
	var out model.TagLatest
	err := d.ORM.WithContext(ctx).Where("name = ?", name).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, false, nil
	}
	return out, err == nil, err
}

// History returns the changes of one tag, newest first. limit <= 0 returns all.
func (d *DB) History(ctx context.Context, name string, limit int) ([]model.TagValue, error) {
	q := d.ORM.WithContext(ctx).
		Where("name = ?", name).
		Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.TagValue
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of recorded changes.
func (d *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.ORM.WithContext(ctx).Model(&model.TagValue{}).Count(&n).Error
	return n, err
}

// TagStats summarises the recorded changes of one tag.
type TagStats struct {
	Name    string    `json:"name"`
	Changes int64     `json:"changes"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Avg     float64   `json:"avg"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

// Stats aggregates the history per tag ordered by name.
func (d *DB) Stats(ctx context.Context) ([]TagStats, error) {
	var rows []struct {
		Name    string
		Changes int64
		Min     float64
		Max     float64
		Avg     float64
	}
	err := d.ORM.WithContext(ctx).
		Model(&model.TagValue{}).
		Select("name, COUNT(*) AS changes, MIN(value) AS min, MAX(value) AS max, AVG(value) AS avg").
		Group("name").
		Order("name").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]TagStats, 0, len(rows))
	for _, r := range rows {
		s := TagStats{Name: r.Name, Changes: r.Changes, Min: r.Min, Max: r.Max, Avg: r.Avg}
		// Timestamps are read back through the model so the driver parses them.
		var first, last model.TagValue
		if err := d.ORM.WithContext(ctx).Where("name = ?", r.Name).Order("timestamp ASC, id ASC").Take(&first).Error; err != nil {
			return nil, err
		}
		if err := d.ORM.WithContext(ctx).Where("name = ?", r.Name).Order("timestamp DESC, id DESC").Take(&last).Error; err != nil {
			return nil, err
		}
		s.First, s.Last = first.Timestamp, last.Timestamp
		out = append(out, s)
	}
	return out, nil
}
