package models

import (
	"strings"
	"time"
)

// BackendKind 知识引擎协议类型
type BackendKind string

const (
	BackendAIUI BackendKind = "AIUI"
	BackendCBG  BackendKind = "CBG"
)

// Valid 是否为已知协议
func (k BackendKind) Valid() bool {
	return k == BackendAIUI || k == BackendCBG
}

// FileStatus 文件状态
type FileStatus int

const (
	FileStatusUploaded FileStatus = iota
	FileStatusParsing
	FileStatusParseFailed
	FileStatusParseSucceeded
	FileStatusEmbedding
	FileStatusEmbedFailed
	FileStatusEmbedSucceeded
)

var fileStatusNames = map[FileStatus]string{
	FileStatusUploaded:       "UPLOADED",
	FileStatusParsing:        "PARSING",
	FileStatusParseFailed:    "PARSE_FAILED",
	FileStatusParseSucceeded: "PARSE_SUCCEEDED",
	FileStatusEmbedding:      "EMBEDDING",
	FileStatusEmbedFailed:    "EMBED_FAILED",
	FileStatusEmbedSucceeded: "EMBED_SUCCEEDED",
}

func (s FileStatus) String() string {
	if name, ok := fileStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsFailed 是否处于失败状态
func (s FileStatus) IsFailed() bool {
	return s == FileStatusParseFailed || s == FileStatusEmbedFailed
}

// FileRecord 上传文件记录
type FileRecord struct {
	ID            uint64       `gorm:"primaryKey;column:id" json:"id"`
	UUID          string       `gorm:"column:uuid;size:64;uniqueIndex;not null" json:"uuid"`
	SourceID      string       `gorm:"column:source_id;size:64;index" json:"source_id"`
	PriorSourceID string       `gorm:"column:prior_source_id;size:64" json:"prior_source_id"`
	RepositoryID  uint64       `gorm:"column:repository_id;not null;index" json:"repository_id"`
	BackendKind   BackendKind  `gorm:"column:backend_kind;size:16;not null" json:"backend_kind"`
	Name          string       `gorm:"column:name;size:255;not null" json:"name"`
	FileType      string       `gorm:"column:file_type;size:32" json:"file_type"`
	StorageKey    string       `gorm:"column:storage_key;size:512" json:"storage_key"`
	SizeBytes     int64        `gorm:"column:size_bytes" json:"size_bytes"`
	CharCount     int64        `gorm:"column:char_count" json:"char_count"`
	Status        FileStatus   `gorm:"column:status;not null;default:0;index" json:"status"`
	Enabled       bool         `gorm:"column:enabled;default:false" json:"enabled"`
	SliceConfig   *SliceConfig `gorm:"column:last_slice_config;type:jsonb" json:"last_slice_config,omitempty"`
	FailureReason *string      `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (FileRecord) TableName() string { return "file_records" }

// CurrentEngineDocID 返回当前应在引擎侧使用的文档ID。
// CBG每次上传都会生成新文档ID，AIUI始终使用文件UUID。
func CurrentEngineDocID(f *FileRecord) string {
	if f == nil {
		return ""
	}
	if f.SourceID != "" {
		return f.SourceID
	}
	return f.UUID
}

var imageTypes = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "bmp": {},
}

var pictureTypes = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "bmp": {}, "gif": {}, "webp": {}, "tif": {}, "tiff": {},
}

// NormalizeFileType 统一为小写且去掉前导点的扩展名
func NormalizeFileType(t string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(t)), ".")
}

// IsImage 是否为可OCR的图片类型
func (f *FileRecord) IsImage() bool {
	_, ok := imageTypes[NormalizeFileType(f.FileType)]
	return ok
}

// IsPictureType 判断扩展名是否属于图片
func IsPictureType(t string) bool {
	_, ok := pictureTypes[NormalizeFileType(t)]
	return ok
}
