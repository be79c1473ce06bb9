package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillVersionSizes = "2026-09-14_backfill_version_sizes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillVersionSizes, apply: backfillVersionSizes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Version rows written before sizes were recorded carry size_bytes = 0.
func backfillVersionSizes(db *gorm.DB) error {
	return db.Model(&snapshots.VersionRecord{}).
		Where("size_bytes = 0").
		Update("size_bytes", gorm.Expr("length(snapshot)")).Error
}
