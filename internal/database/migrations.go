package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeEdgeVertices = "2026-10-01_normalize_edge_vertices"

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
		{name: migrationNormalizeEdgeVertices, apply: normalizeEdgeVertices},
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

// normalizeEdgeVertices rewrites rows imported with vertex_a > vertex_b.
// When the normalized pair already exists the reversed duplicate is dropped.
func normalizeEdgeVertices(db *gorm.DB) error {
	var reversed []connectivity.Edge
	if err := db.Where("vertex_a > vertex_b").Find(&reversed).Error; err != nil {
		return err
	}
	for _, edge := range reversed {
		pair := edge.Pair()
		var existing int64
		if err := db.Model(&connectivity.Edge{}).
			Where("vertex_a = ? AND vertex_b = ?", pair.VertexA, pair.VertexB).
			Count(&existing).Error; err != nil {
			return err
		}
		if err := db.Where("vertex_a = ? AND vertex_b = ?", edge.VertexA, edge.VertexB).
			Delete(&connectivity.Edge{}).Error; err != nil {
			return err
		}
		if existing > 0 {
			continue
		}
		normalized := connectivity.Edge{VertexA: pair.VertexA, VertexB: pair.VertexB, DisruptDate: edge.DisruptDate}
		if err := db.Create(&normalized).Error; err != nil {
			return err
		}
	}
	return nil
}
