package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPurgeOrphanRows     = "2026-10-01_purge_orphan_scheme_rows"
	migrationRenumberLayerOrders = "2026-10-01_renumber_layer_orders"
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
		{name: migrationPurgeOrphanRows, apply: purgeOrphanRows},
		{name: migrationRenumberLayerOrders, apply: renumberLayerOrders},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
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

// purgeOrphanRows removes rows written before foreign keys were enforced whose scheme is gone.
func purgeOrphanRows(db *gorm.DB) error {
	orphaned := "scheme_id NOT IN (SELECT id FROM schemes)"
	for _, model := range []any{&schemes.Layer{}, &schemes.SharedScheme{}, &schemes.FavoriteScheme{}} {
		if err := db.Where(orphaned).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// renumberLayerOrders rewrites every scheme's layer orders to 1..n, keeping relative order.
func renumberLayerOrders(db *gorm.DB) error {
	var layers []schemes.Layer
	if err := db.Select("id", "scheme_id", "layer_order").Order("scheme_id ASC").Order("layer_order ASC").Order("id ASC").Find(&layers).Error; err != nil {
		return err
	}
	position := 0
	previousScheme := ""
	for _, layer := range layers {
		if layer.SchemeID != previousScheme {
			previousScheme = layer.SchemeID
			position = 0
		}
		position++
		if layer.Order == position {
			continue
		}
		if err := db.Model(&schemes.Layer{}).Where("id = ?", layer.ID).UpdateColumn("layer_order", position).Error; err != nil {
			return err
		}
	}
	return nil
}
