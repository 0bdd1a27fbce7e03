package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// Catalog is the durable store of tasks and resources. Implementations log
// and swallow storage failures so the data plane never crashes on them;
// operations that matter to callers return sentinel values (-1) on failure.
type Catalog interface {
	// CreateTask inserts a task row and returns its id, or -1 on failure.
	CreateTask(ctx context.Context, sourceURL, savePath string) int64

	// UpdateTaskStatus advances a task's status; when finished is true the
	// finished_at timestamp is stamped as well.
	UpdateTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, finished bool)

	// UpdateTaskProgress updates the downloaded/total item counters.
	UpdateTaskProgress(ctx context.Context, taskID int64, downloaded, total int)

	// DeleteTask removes a task and cascades to its resources.
	DeleteTask(ctx context.Context, taskID int64) error

	// ClearAllTasks removes every task and resource row.
	ClearAllTasks(ctx context.Context) error

	// AddResource inserts a resource row and returns its id. Returns -1
	// when (task_id, url) already exists; the duplicate insert is a no-op,
	// not an error.
	AddResource(ctx context.Context, taskID int64, r *models.Resource) int64

	// UpdateResourceStatus records the outcome of a download attempt.
	// Empty localPath/errMsg and zero size leave those columns untouched.
	UpdateResourceStatus(ctx context.Context, taskID int64, url, status, localPath string, size int64, errMsg string)

	// GetAllTasks returns all tasks, newest first.
	GetAllTasks(ctx context.Context) ([]*models.Task, error)

	// GetTaskDetails returns one task and its resource rows.
	GetTaskDetails(ctx context.Context, taskID int64) (*models.Task, []*models.ResourceRecord, error)

	Close() error
}
