package repository

import (
	"context"
	"fmt"

	"github.com/langchou/roadscan/internal/models"
)

// LookupRepository 路面和损坏类型查找表
type LookupRepository struct {
	db Querier
}

// NewLookupRepository 创建查找表仓库
func NewLookupRepository(db Querier) *LookupRepository {
	return &LookupRepository{db: db}
}

// Seed 写入默认类型，已存在的行保持不变
func (r *LookupRepository) Seed(ctx context.Context) error {
	for _, s := range models.DefaultSurfaceTypes {
		_, err := r.db.Exec(ctx, `
			INSERT INTO surface_types (name, description, color)
			VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING
		`, s.Name, s.Description, s.Color)
		if err != nil {
			return fmt.Errorf("seed surface type %s: %w", s.Name, err)
		}
	}
	for _, d := range models.DefaultDamageTypes {
		_, err := r.db.Exec(ctx, `
			INSERT INTO damage_types (name, description, severity, color)
			VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING
		`, d.Name, d.Description, d.Severity, d.Color)
		if err != nil {
			return fmt.Errorf("seed damage type %s: %w", d.Name, err)
		}
	}
	return nil
}

// ListSurfaceTypes 全部路面类型
func (r *LookupRepository) ListSurfaceTypes(ctx context.Context) ([]models.SurfaceType, error) {
	rows, err := r.db.Query(ctx, `SELECT name, description, color FROM surface_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list surface types: %w", err)
	}
	defer rows.Close()

	var types []models.SurfaceType
	for rows.Next() {
		var s models.SurfaceType
		if err := rows.Scan(&s.Name, &s.Description, &s.Color); err != nil {
			return nil, fmt.Errorf("scan surface type: %w", err)
		}
		types = append(types, s)
	}
	return types, rows.Err()
}

// ListDamageTypes 全部损坏类型
func (r *LookupRepository) ListDamageTypes(ctx context.Context) ([]models.DamageType, error) {
	rows, err := r.db.Query(ctx, `SELECT name, description, severity, color FROM damage_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list damage types: %w", err)
	}
	defer rows.Close()

	var types []models.DamageType
	for rows.Next() {
		var d models.DamageType
		if err := rows.Scan(&d.Name, &d.Description, &d.Severity, &d.Color); err != nil {
			return nil, fmt.Errorf("scan damage type: %w", err)
		}
		types = append(types, d)
	}
	return types, rows.Err()
}

// LoadCatalog 从查找表构建类别目录
func (r *LookupRepository) LoadCatalog(ctx context.Context) (*models.Catalog, error) {
	surfaces, err := r.ListSurfaceTypes(ctx)
	if err != nil {
		return nil, err
	}
	damages, err := r.ListDamageTypes(ctx)
	if err != nil {
		return nil, err
	}
	return models.NewCatalog(surfaces, damages), nil
}
