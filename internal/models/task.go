package models

import "time"

// TaskStatus 抽取任务执行状态
type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusDone
	TaskStatusFailed
)

// FollowUpStatus 抽取任务跟进状态
type FollowUpStatus int

const (
	// FollowUpNotFollowed 结果尚未应用
	FollowUpNotFollowed FollowUpStatus = iota
	// FollowUpFollowed 结果已应用
	FollowUpFollowed
	// FollowUpAwaitEmbed 结果应用后需要继续向量化
	FollowUpAwaitEmbed
)

// ExtractionTask 知识抽取任务
type ExtractionTask struct {
	ID        uint64         `gorm:"primaryKey;column:id" json:"id"`
	TaskID    string         `gorm:"column:task_id;size:64;uniqueIndex;not null" json:"task_id"`
	FileID    uint64         `gorm:"column:file_id;not null;index" json:"file_id"`
	Status    TaskStatus     `gorm:"column:status;not null;default:0;index" json:"status"`
	FollowUp  FollowUpStatus `gorm:"column:task_status;not null;default:0" json:"task_status"`
	Reason    *string        `gorm:"column:reason;type:text" json:"reason,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (ExtractionTask) TableName() string { return "extraction_tasks" }

// IsPending 是否仍在进行中
func (t *ExtractionTask) IsPending() bool {
	return t != nil && t.Status == TaskStatusPending
}
