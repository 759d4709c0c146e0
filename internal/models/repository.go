package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Repository 知识库元数据（由外部管理，这里只读）
type Repository struct {
	ID          uint64      `gorm:"primaryKey;column:id" json:"id"`
	Name        string      `gorm:"column:name;size:255" json:"name"`
	CoreRepoID  string      `gorm:"column:core_repo_id;size:64;not null" json:"core_repo_id"`
	BackendKind BackendKind `gorm:"column:backend_kind;size:16;not null" json:"backend_kind"`
	EnableAudit bool        `gorm:"column:enable_audit;default:false" json:"enable_audit"`
	CreatedAt   time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (Repository) TableName() string { return "repositories" }

// SliceConfig 切分参数
type SliceConfig struct {
	LengthRange []int    `json:"lengthRange" validate:"required,len=2,dive,gte=1"`
	Separators  []string `json:"separator,omitempty"`
	Overlap     int      `json:"overlap,omitempty" validate:"gte=0"`
	TitleSplit  bool     `json:"titleSplit,omitempty"`
}

// Clone 深拷贝，避免多个文件共享同一切片
func (c SliceConfig) Clone() *SliceConfig {
	out := c
	out.LengthRange = append([]int(nil), c.LengthRange...)
	out.Separators = append([]string(nil), c.Separators...)
	return &out
}

// Value 以jsonb写入
func (c SliceConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan 从jsonb读取
func (c *SliceConfig) Scan(value interface{}) error {
	return scanJSON(value, c)
}
