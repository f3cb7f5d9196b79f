package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskroom/taskroom-api/internal/models"
)

const taskColumns = "id, title, description, assigned_to, status, due_date, created_by, created_at, updated_at"

// TaskRepository manages persistence for tasks and their attached files.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository constructs a TaskRepository.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a task row.
func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	const query = `INSERT INTO tasks (id, title, description, assigned_to, status, due_date, created_by, created_at, updated_at) VALUES (:id, :title, :description, :assigned_to, :status, :due_date, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// FindByID fetches a task by ID.
func (r *TaskRepository) FindByID(ctx context.Context, id string) (*models.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1 LIMIT 1", taskColumns)
	var task models.Task
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find task by id: %w", err)
	}
	return &task, nil
}

// ListByCreator returns tasks created by the given user, newest first.
func (r *TaskRepository) ListByCreator(ctx context.Context, userID string, filter models.TaskFilter) ([]models.Task, int, error) {
	return r.list(ctx, "created_by", userID, filter)
}

// ListByAssignee returns tasks assigned to the given user, newest first.
func (r *TaskRepository) ListByAssignee(ctx context.Context, userID string, filter models.TaskFilter) ([]models.Task, int, error) {
	return r.list(ctx, "assigned_to", userID, filter)
}

func (r *TaskRepository) list(ctx context.Context, column, userID string, filter models.TaskFilter) ([]models.Task, int, error) {
	base := fmt.Sprintf("FROM tasks WHERE %s = $1", column)
	args := []interface{}{userID}

	if filter.Status != nil {
		base += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, *filter.Status)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", taskColumns, base, size, offset)
	var tasks []models.Task
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	return tasks, total, nil
}

// ListAllByCreator returns every task created by the given user, newest
// first, without pagination. Used by the export flow.
func (r *TaskRepository) ListAllByCreator(ctx context.Context, userID string) ([]models.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE created_by = $1 ORDER BY created_at DESC", taskColumns)
	var tasks []models.Task
	if err := r.db.SelectContext(ctx, &tasks, query, userID); err != nil {
		return nil, fmt.Errorf("list tasks for export: %w", err)
	}
	return tasks, nil
}

// ListByStatus returns every task in the given state, oldest first. Used by
// the digest job.
func (r *TaskRepository) ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE status = $1 ORDER BY created_at ASC", taskColumns)
	var tasks []models.Task
	if err := r.db.SelectContext(ctx, &tasks, query, status); err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return tasks, nil
}

// Update rewrites the teacher-editable fields of a task.
func (r *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	const query = `UPDATE tasks SET title = :title, description = :description, assigned_to = :assigned_to, status = :status, due_date = :due_date, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// UpdateStatus changes only the status column.
func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, updatedAt time.Time) error {
	const query = `UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, updatedAt); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// Delete removes a task row. Attached task_files rows are removed by the
// schema's ON DELETE CASCADE; blob cleanup is the caller's responsibility.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM tasks WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CreateFile records an uploaded file attached to a task.
func (r *TaskRepository) CreateFile(ctx context.Context, file *models.TaskFile) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.UploadedAt.IsZero() {
		file.UploadedAt = time.Now().UTC()
	}
	const query = `INSERT INTO task_files (id, task_id, uploaded_by, file_name, file_path, uploaded_at) VALUES (:id, :task_id, :uploaded_by, :file_name, :file_path, :uploaded_at)`
	if _, err := r.db.NamedExecContext(ctx, query, file); err != nil {
		return fmt.Errorf("create task file: %w", err)
	}
	return nil
}

// ListFiles returns the files attached to a task, oldest first.
func (r *TaskRepository) ListFiles(ctx context.Context, taskID string) ([]models.TaskFile, error) {
	const query = `SELECT id, task_id, uploaded_by, file_name, file_path, uploaded_at FROM task_files WHERE task_id = $1 ORDER BY uploaded_at ASC`
	var files []models.TaskFile
	if err := r.db.SelectContext(ctx, &files, query, taskID); err != nil {
		return nil, fmt.Errorf("list task files: %w", err)
	}
	return files, nil
}

// FindFileByID fetches a single attached file.
func (r *TaskRepository) FindFileByID(ctx context.Context, id string) (*models.TaskFile, error) {
	const query = `SELECT id, task_id, uploaded_by, file_name, file_path, uploaded_at FROM task_files WHERE id = $1 LIMIT 1`
	var file models.TaskFile
	if err := r.db.GetContext(ctx, &file, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find task file: %w", err)
	}
	return &file, nil
}
