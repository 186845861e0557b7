package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/rows"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRowDeletedAt = "2024-06-01_backfill_row_deleted_at"

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
		{name: migrationBackfillRowDeletedAt, apply: backfillRowDeletedAt},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// backfillRowDeletedAt mirrors soft-deletion markers written before the deleted_at_s column existed.
func backfillRowDeletedAt(db *gorm.DB) error {
	var candidates []rows.Row
	if err := db.Where("deleted_at_s IS NULL").Find(&candidates).Error; err != nil {
		return err
	}
	for _, candidate := range candidates {
		var payload map[string]any
		if err := json.Unmarshal([]byte(candidate.PayloadJSON), &payload); err != nil {
			continue
		}
		marker, ok := payload[protocol.FieldDeletedAt].(string)
		if !ok {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, marker)
		if err != nil {
			continue
		}
		if err := db.Model(&rows.Row{}).
			Where("table_name = ? AND row_key = ?", candidate.Table, candidate.RowKey).
			Update("deleted_at_s", parsed.UTC().Unix()).Error; err != nil {
			return err
		}
	}
	return nil
}
