package models

// SurfaceType 路面类型查找表
type SurfaceType struct {
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	Color       string `json:"color" db:"color"`
}

// DamageType 损坏类型查找表
type DamageType struct {
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	Severity    int    `json:"severity" db:"severity"` // 1-5
	Color       string `json:"color" db:"color"`
}

// 类别归属
const (
	CategorySurface      = "surface"
	CategoryDamage       = "damage"
	CategoryUnclassified = "unclassified"
)

// DefaultSurfaceTypes 默认路面类型
var DefaultSurfaceTypes = []SurfaceType{
	{Name: "asphalt", Description: "Smooth asphalt surface", Color: "#4CAF50"},
	{Name: "concrete", Description: "Concrete surface", Color: "#8BC34A"},
	{Name: "gravel", Description: "Loose gravel surface", Color: "#FFC107"},
	{Name: "cobblestone", Description: "Cobblestone surface", Color: "#FF9800"},
	{Name: "dirt", Description: "Unpaved dirt path", Color: "#795548"},
}

// DefaultDamageTypes 默认损坏类型
var DefaultDamageTypes = []DamageType{
	{Name: "pothole", Description: "Pothole in road surface", Severity: 5, Color: "#F44336"},
	{Name: "crack", Description: "Longitudinal or transverse crack", Severity: 3, Color: "#FF5722"},
	{Name: "alligator_crack", Description: "Fatigue cracking pattern", Severity: 4, Color: "#E91E63"},
	{Name: "patch", Description: "Repaired patch", Severity: 2, Color: "#9C27B0"},
	{Name: "bump", Description: "Bump or raised section", Severity: 2, Color: "#3F51B5"},
}

// Catalog 类别查找，热路径上不做外键约束，未知类别归入 unclassified
type Catalog struct {
	surfaces map[string]SurfaceType
	damages  map[string]DamageType
}

// NewCatalog 创建类别目录
func NewCatalog(surfaces []SurfaceType, damages []DamageType) *Catalog {
	c := &Catalog{
		surfaces: make(map[string]SurfaceType, len(surfaces)),
		damages:  make(map[string]DamageType, len(damages)),
	}
	for _, s := range surfaces {
		c.surfaces[s.Name] = s
	}
	for _, d := range damages {
		c.damages[d.Name] = d
	}
	return c
}

// DefaultCatalog 默认类别目录
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultSurfaceTypes, DefaultDamageTypes)
}

// Category 返回类别归属: surface, damage 或 unclassified
func (c *Catalog) Category(class string) string {
	if _, ok := c.surfaces[class]; ok {
		return CategorySurface
	}
	if _, ok := c.damages[class]; ok {
		return CategoryDamage
	}
	return CategoryUnclassified
}

// IsDamage 是否损坏类别
func (c *Catalog) IsDamage(class string) bool {
	_, ok := c.damages[class]
	return ok
}

// Damage 查询损坏类型
func (c *Catalog) Damage(class string) (DamageType, bool) {
	d, ok := c.damages[class]
	return d, ok
}

// Surface 查询路面类型
func (c *Catalog) Surface(class string) (SurfaceType, bool) {
	s, ok := c.surfaces[class]
	return s, ok
}
