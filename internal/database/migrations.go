package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeMessageSenderRoles = "2024-09-01_normalize_message_sender_roles"
	migrationBackfillUserRoles           = "2024-09-14_backfill_user_roles"
)

var knownRoles = []users.Role{users.RoleUser, users.RoleAdmin}

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
		{name: migrationNormalizeMessageSenderRoles, apply: normalizeMessageSenderRoles},
		{name: migrationBackfillUserRoles, apply: backfillUserRoles},
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

func normalizeMessageSenderRoles(db *gorm.DB) error {
	return db.Model(&inquiries.Message{}).
		Where("sender_role NOT IN ?", knownRoles).
		Update("sender_role", users.RoleUser).Error
}

func backfillUserRoles(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("role NOT IN ?", knownRoles).
		Update("role", users.RoleUser).Error
}
