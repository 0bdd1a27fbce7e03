package models

import "time"

// TaskStatus tracks a catalog task through its lifecycle. Status advances
// monotonically; finished_at is stamped on any terminal status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskScanning  TaskStatus = "scanning"
	TaskScanned   TaskStatus = "scanned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a catalog row describing a crawl or download run.
type Task struct {
	ID              int64      `json:"id"`
	SourceURL       string     `json:"source_url"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      time.Time  `json:"finished_at,omitzero"`
	TotalItems      int        `json:"total_items"`
	DownloadedItems int        `json:"downloaded_items"`
	SavePath        string     `json:"save_path"`
}

// ResourceRecord is a catalog row for a discovered or downloaded resource.
// (task_id, url) is unique; a second insert of the same pair is a no-op.
type ResourceRecord struct {
	ID        int64        `json:"id"`
	TaskID    int64        `json:"task_id"`
	URL       string       `json:"url"`
	Type      ResourceType `json:"type"`
	Filename  string       `json:"filename,omitempty"`
	LocalPath string       `json:"local_path,omitempty"`
	FileSize  int64        `json:"file_size"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}
