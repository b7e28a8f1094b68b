package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeCallStatus = "2026-05-04_normalize_call_status"
	migrationClearOrphanInvites  = "2026-05-11_clear_orphan_invites"
)

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
		{name: migrationNormalizeCallStatus, apply: normalizeCallStatus},
		{name: migrationClearOrphanInvites, apply: clearOrphanInvites},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written by the scheduling collaborator before statuses were upper-cased.
func normalizeCallStatus(db *gorm.DB) error {
	return db.Model(&records.CallRecord{}).
		Where("status <> UPPER(status)").
		Update("status", gorm.Expr("UPPER(status)")).Error
}

func clearOrphanInvites(db *gorm.DB) error {
	return db.Where("call_id NOT IN (?)", db.Model(&records.CallRecord{}).Select("call_id")).
		Delete(&records.InviteRecord{}).Error
}
