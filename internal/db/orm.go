package db

import (
	"context"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	// Pure Go driver registered as "sqlite"; keeps the binary cgo free.
	_ "modernc.org/sqlite"

	"modbus-tagpoller/internal/model"
)

func openORM(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	return gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

func migrateORM(db *gorm.DB) error {
	return db.AutoMigrate(&model.TagValue{}, &model.TagLatest{})
}

func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// insertValues appends history rows and moves each tag's latest row forward.
func insertValues(ctx context.Context, db *gorm.DB, rows []model.TagValue) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		// One row per name; the last change in the batch wins.
		latest := make([]model.TagLatest, 0, len(rows))
		seen := make(map[string]int, len(rows))
		for _, r := range rows {
			if i, ok := seen[r.Name]; ok {
				latest[i] = r.Latest()
				continue
			}
			seen[r.Name] = len(latest)
			latest = append(latest, r.Latest())
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).Create(&latest).Error
	})
}
