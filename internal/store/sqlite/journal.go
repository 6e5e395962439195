// Package sqlite keeps the paper trading journal in a local SQLite file using
// gorm and the pure-Go glebarez driver.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

type fillRow struct {
	ID       uint   `gorm:"primaryKey"`
	OrderID  string `gorm:"index"`
	Exchange string
	Symbol   string `gorm:"index"`
	Side     string
	Price    string
	Quantity string
	Fee      string
	At       time.Time `gorm:"index"`
}

func (fillRow) TableName() string { return "paper_fills" }

type snapshotRow struct {
	ID      uint      `gorm:"primaryKey"`
	TakenAt time.Time `gorm:"index"`
	Payload string
}

func (snapshotRow) TableName() string { return "performance_snapshots" }

// Journal implements domain.PaperJournal.
type Journal struct {
	db *gorm.DB
}

// Open creates (or reopens) the journal at path and migrates its tables.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&fillRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordFill appends a simulated fill.
func (j *Journal) RecordFill(ctx context.Context, f domain.PaperFill) error {
	row := fillRow{
		OrderID:  f.OrderID,
		Exchange: f.Exchange,
		Symbol:   f.Symbol,
		Side:     string(f.Side),
		Price:    f.Price.String(),
		Quantity: f.Quantity.String(),
		Fee:      f.Fee.String(),
		At:       f.At.UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: record fill %s: %w", f.OrderID, err)
	}
	return nil
}

// Fills returns up to limit fills, newest first.
func (j *Journal) Fills(ctx context.Context, limit int) ([]domain.PaperFill, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []fillRow
	if err := j.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list fills: %w", err)
	}
	out := make([]domain.PaperFill, 0, len(rows))
	for _, r := range rows {
		f := domain.PaperFill{
			OrderID:  r.OrderID,
			Exchange: r.Exchange,
			Symbol:   r.Symbol,
			Side:     domain.OrderSide(r.Side),
			At:       r.At,
		}
		var err error
		if f.Price, err = decimal.NewFromString(r.Price); err != nil {
			return nil, fmt.Errorf("sqlite: fill %d price: %w", r.ID, err)
		}
		if f.Quantity, err = decimal.NewFromString(r.Quantity); err != nil {
			return nil, fmt.Errorf("sqlite: fill %d quantity: %w", r.ID, err)
		}
		if f.Fee, err = decimal.NewFromString(r.Fee); err != nil {
			return nil, fmt.Errorf("sqlite: fill %d fee: %w", r.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// RecordSnapshot stores a performance snapshot.
func (j *Journal) RecordSnapshot(ctx context.Context, snap domain.PerformanceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlite: marshal snapshot: %w", err)
	}
	row := snapshotRow{TakenAt: snap.TakenAt.UTC(), Payload: string(payload)}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: record snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns domain.ErrNotFound when none has been recorded.
func (j *Journal) LatestSnapshot(ctx context.Context) (domain.PerformanceSnapshot, error) {
	var row snapshotRow
	err := j.db.WithContext(ctx).Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PerformanceSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PerformanceSnapshot{}, fmt.Errorf("sqlite: latest snapshot: %w", err)
	}
	var snap domain.PerformanceSnapshot
	if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
		return domain.PerformanceSnapshot{}, fmt.Errorf("sqlite: decode snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.PaperJournal = (*Journal)(nil)
