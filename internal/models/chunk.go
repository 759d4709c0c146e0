package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// 审核建议
const (
	AuditSuggestPass  = "pass"
	AuditSuggestBlock = "block"
)

// 知识点来源
const (
	ChunkSourceAuto   = 0
	ChunkSourceManual = 1
)

// ChunkContent 知识点内容
type ChunkContent struct {
	Content      string               `json:"content"`
	Title        string               `json:"title,omitempty"`
	References   map[string]Reference `json:"references,omitempty"`
	DataIndex    string               `json:"dataIndex,omitempty"`
	AuditSuggest string               `json:"auditSuggest,omitempty"`
	AuditReason  string               `json:"auditReason,omitempty"`
}

// Reference 知识点引用。AIUI为对象，CBG为纯字符串
type Reference struct {
	Format  string `json:"format,omitempty"`
	Content string `json:"content,omitempty"`
	Link    string `json:"link,omitempty"`
}

// IsImage 是否为内嵌图片
func (r Reference) IsImage() bool {
	return r.Format == "image"
}

// UnmarshalJSON 同时接受字符串和对象
func (r *Reference) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.Content)
	}
	type plain Reference
	return json.Unmarshal(b, (*plain)(r))
}

// CharCount 按字符而非字节计数
func (c ChunkContent) CharCount() int {
	return utf8.RuneCountInString(c.Content)
}

// Value 以jsonb写入
func (c ChunkContent) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan 从jsonb读取
func (c *ChunkContent) Scan(value interface{}) error {
	return scanJSON(value, c)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb value type %T", value)
	}
}

// PreviewChunk 预览知识点（草稿，不在引擎中）
type PreviewChunk struct {
	ChunkID      string       `gorm:"primaryKey;column:chunk_id;size:64" json:"chunk_id"`
	FileRecordID uint64       `gorm:"column:file_record_id;not null;index" json:"file_record_id"`
	FileID       string       `gorm:"column:file_id;size:64;index" json:"file_id"`
	Content      ChunkContent `gorm:"column:content;type:jsonb" json:"content"`
	CharCount    int          `gorm:"column:char_count" json:"char_count"`
	AuditSuggest *string      `gorm:"column:audit_suggest;size:16" json:"audit_suggest,omitempty"`
	AuditReason  *string      `gorm:"column:audit_reason;type:text" json:"audit_reason,omitempty"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (PreviewChunk) TableName() string { return "preview_chunks" }

// Blocked 是否被审核拦截
func (p *PreviewChunk) Blocked() bool {
	return p.AuditSuggest != nil && *p.AuditSuggest == AuditSuggestBlock
}

// FormalChunk 正式知识点
type FormalChunk struct {
	ChunkID        string       `gorm:"primaryKey;column:chunk_id;size:64" json:"chunk_id"`
	FileRecordID   uint64       `gorm:"column:file_record_id;not null;index" json:"file_record_id"`
	FileID         string       `gorm:"column:file_id;size:64;index" json:"file_id"`
	Content        ChunkContent `gorm:"column:content;type:jsonb" json:"content"`
	CharCount      int          `gorm:"column:char_count" json:"char_count"`
	AuditSuggest   *string      `gorm:"column:audit_suggest;size:16" json:"audit_suggest,omitempty"`
	AuditReason    *string      `gorm:"column:audit_reason;type:text" json:"audit_reason,omitempty"`
	Enabled        int          `gorm:"column:enabled;not null;default:0" json:"enabled"`
	EngineChunkID  string       `gorm:"column:engine_chunk_id;size:64;index" json:"engine_chunk_id"`
	Source         int          `gorm:"column:source;not null;default:0" json:"source"`
	TestHitCount   int64        `gorm:"column:test_hit_count;default:0" json:"test_hit_count"`
	DialogHitCount int64        `gorm:"column:dialog_hit_count;default:0" json:"dialog_hit_count"`
	CreatedAt      time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (FormalChunk) TableName() string { return "formal_chunks" }

// Blocked 是否被审核拦截
func (k *FormalChunk) Blocked() bool {
	return k.AuditSuggest != nil && *k.AuditSuggest == AuditSuggestBlock
}

// IsEnabled 是否已启用
func (k *FormalChunk) IsEnabled() bool {
	return k.Enabled == 1
}

// Passed 审核为空或通过
func Passed(suggest *string) bool {
	return suggest == nil || *suggest == "" || *suggest == AuditSuggestPass
}
