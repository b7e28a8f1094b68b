package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(records.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := records.CallRecord{CallID: "call-1", Status: "ongoing", HostID: "H1", CreatedAtMilli: 1, UpdatedAtMilli: 1}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert call: %v", err)
	}
	orphan := records.InviteRecord{CallID: "deleted-call", UserID: "P2", CreatedAtMilli: 1}
	kept := records.InviteRecord{CallID: "call-1", UserID: "P3", CreatedAtMilli: 1}
	if err := database.Create(&[]records.InviteRecord{orphan, kept}).Error; err != nil {
		testContext.Fatalf("failed to insert invites: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored records.CallRecord
	if err := database.Where("call_id = ?", "call-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload call: %v", err)
	}
	if stored.Status != "ONGOING" {
		testContext.Fatalf("expected status to be upper-cased, got %s", stored.Status)
	}

	var invites []records.InviteRecord
	if err := database.Find(&invites).Error; err != nil {
		testContext.Fatalf("failed to list invites: %v", err)
	}
	if len(invites) != 1 || invites[0].CallID != "call-1" {
		testContext.Fatalf("expected only the attached invite to survive, got %+v", invites)
	}

	for _, name := range []string{migrationNormalizeCallStatus, migrationClearOrphanInvites} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("oracle", "dsn", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unknown driver to be rejected")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "callroom.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"calls", "call_invites", "call_timeline_events", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
