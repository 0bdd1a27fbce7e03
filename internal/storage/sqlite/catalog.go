package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Catalog is the SQLite-backed implementation of interfaces.Catalog.
// Storage failures are logged and swallowed; the pipeline keeps running
// and callers check the -1 sentinels where ids matter.
type Catalog struct {
	db     *sql.DB
	logger arbor.ILogger
}

// NewCatalog opens the database at config.Path and returns a ready catalog.
func NewCatalog(config *common.SQLiteConfig, logger arbor.ILogger) (*Catalog, error) {
	db, err := Open(config, logger)
	if err != nil {
		return nil, err
	}
	return &Catalog{db: db, logger: logger}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) CreateTask(ctx context.Context, sourceURL, savePath string) int64 {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO tasks (source_url, status, created_at, save_path) VALUES (?, ?, ?, ?)`,
		sourceURL, models.TaskPending, time.Now().UTC(), savePath)
	if err != nil {
		c.logger.Error().Err(err).Str("source_url", sourceURL).Msg("Failed to create task")
		return -1
	}

	id, err := res.LastInsertId()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read task id")
		return -1
	}
	return id
}

func (c *Catalog) UpdateTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, finished bool) {
	var err error
	if finished {
		_, err = c.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?`,
			status, time.Now().UTC(), taskID)
	} else {
		_, err = c.db.ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE id = ?`,
			status, taskID)
	}
	if err != nil {
		c.logger.Error().Err(err).Int64("task_id", taskID).Str("status", string(status)).Msg("Failed to update task status")
	}
}

func (c *Catalog) UpdateTaskProgress(ctx context.Context, taskID int64, downloaded, total int) {
	_, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET downloaded_items = ?, total_items = ? WHERE id = ?`,
		downloaded, total, taskID)
	if err != nil {
		c.logger.Error().Err(err).Int64("task_id", taskID).Msg("Failed to update task progress")
	}
}

func (c *Catalog) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		c.logger.Error().Err(err).Int64("task_id", taskID).Msg("Failed to delete task")
		return &common.StorageError{Op: "delete task", Err: err}
	}
	return nil
}

func (c *Catalog) ClearAllTasks(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM resources`); err != nil {
		return &common.StorageError{Op: "clear resources", Err: err}
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return &common.StorageError{Op: "clear tasks", Err: err}
	}
	return nil
}

func (c *Catalog) AddResource(ctx context.Context, taskID int64, r *models.Resource) int64 {
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO resources (task_id, url, type, filename, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, r.CatalogKey(), r.Type, r.Title, models.StatusPending, time.Now().UTC())
	if err != nil {
		c.logger.Error().Err(err).Int64("task_id", taskID).Str("url", r.URL).Msg("Failed to add resource")
		return -1
	}

	affected, err := res.RowsAffected()
	if err != nil || affected == 0 {
		// (task_id, url) already present; idempotent, not an error.
		return -1
	}

	id, err := res.LastInsertId()
	if err != nil {
		return -1
	}
	return id
}

func (c *Catalog) UpdateResourceStatus(ctx context.Context, taskID int64, url, status, localPath string, size int64, errMsg string) {
	_, err := c.db.ExecContext(ctx,
		`UPDATE resources SET
			status = ?,
			updated_at = ?,
			local_path = CASE WHEN ? <> '' THEN ? ELSE local_path END,
			file_size  = CASE WHEN ? > 0 THEN ? ELSE file_size END,
			error      = CASE WHEN ? <> '' THEN ? ELSE error END
		 WHERE task_id = ? AND url = ?`,
		status, time.Now().UTC(),
		localPath, localPath,
		size, size,
		errMsg, errMsg,
		taskID, url)
	if err != nil {
		c.logger.Error().Err(err).Int64("task_id", taskID).Str("url", url).Msg("Failed to update resource status")
	}
}

func (c *Catalog) GetAllTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, source_url, status, created_at, finished_at, total_items, downloaded_items, save_path
		 FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, &common.StorageError{Op: "list tasks", Err: err}
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, &common.StorageError{Op: "scan task", Err: err}
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (c *Catalog) GetTaskDetails(ctx context.Context, taskID int64) (*models.Task, []*models.ResourceRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, source_url, status, created_at, finished_at, total_items, downloaded_items, save_path
		 FROM tasks WHERE id = ?`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, &common.StorageError{Op: "load task", Err: err}
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, task_id, url, type, COALESCE(filename, ''), COALESCE(local_path, ''),
		        file_size, status, COALESCE(error, ''), updated_at
		 FROM resources WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, nil, &common.StorageError{Op: "list resources", Err: err}
	}
	defer rows.Close()

	var records []*models.ResourceRecord
	for rows.Next() {
		var r models.ResourceRecord
		if err := rows.Scan(&r.ID, &r.TaskID, &r.URL, &r.Type, &r.Filename, &r.LocalPath,
			&r.FileSize, &r.Status, &r.Error, &r.UpdatedAt); err != nil {
			return nil, nil, &common.StorageError{Op: "scan resource", Err: err}
		}
		records = append(records, &r)
	}
	return task, records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var finished sql.NullTime
	if err := row.Scan(&task.ID, &task.SourceURL, &task.Status, &task.CreatedAt, &finished,
		&task.TotalItems, &task.DownloadedItems, &task.SavePath); err != nil {
		return nil, err
	}
	if finished.Valid {
		task.FinishedAt = finished.Time
	}
	return &task, nil
}

var _ interfaces.Catalog = (*Catalog)(nil)
