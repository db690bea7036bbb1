package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesSenderRoles(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.User{}, &inquiries.Message{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := inquiries.Message{
		InquiryID:  1,
		SenderID:   7,
		SenderRole: users.Role("customer"),
		Content:    "where is my order?",
		CreatedAt:  time.Unix(100, 0).UTC(),
	}
	staff := inquiries.Message{
		InquiryID:  1,
		SenderID:   2,
		SenderRole: users.RoleAdmin,
		Content:    "checking",
		CreatedAt:  time.Unix(101, 0).UTC(),
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert message: %v", err)
	}
	if err := database.Create(&staff).Error; err != nil {
		testContext.Fatalf("failed to insert message: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored inquiries.Message
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if stored.SenderRole != users.RoleUser {
		testContext.Fatalf("expected sender role to be normalized, got %q", stored.SenderRole)
	}
	var storedStaff inquiries.Message
	if err := database.Where("id = ?", staff.ID).Take(&storedStaff).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if storedStaff.SenderRole != users.RoleAdmin {
		testContext.Fatalf("expected admin role to survive, got %q", storedStaff.SenderRole)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeMessageSenderRoles).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := Open(Config{Driver: DriverSQLite, DSN: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"users", "inquiries", "inquiry_messages", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := Open(Config{Driver: "mysql", DSN: databasePath}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
