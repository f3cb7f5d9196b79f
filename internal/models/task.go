package models

import "time"

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// ValidStatus reports whether the given status is a recognized lifecycle state.
// All three states are freely reachable from any other; no transition graph is enforced.
func ValidStatus(s TaskStatus) bool {
	return s == StatusPending || s == StatusInProgress || s == StatusCompleted
}

// Task represents an assignment created by a teacher.
// AssignedTo and CreatedBy are non-owning references: deleting the referenced
// user nulls them without touching the task.
type Task struct {
	ID          string     `db:"id" json:"id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	AssignedTo  *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	Status      TaskStatus `db:"status" json:"status"`
	DueDate     *time.Time `db:"due_date" json:"due_date,omitempty"`
	CreatedBy   *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// TaskFile records a file a student attached to a task. Files are owned by the
// task and removed with it.
type TaskFile struct {
	ID         string    `db:"id" json:"id"`
	TaskID     string    `db:"task_id" json:"task_id"`
	UploadedBy *string   `db:"uploaded_by" json:"uploaded_by,omitempty"`
	FileName   string    `db:"file_name" json:"file_name"`
	FilePath   string    `db:"file_path" json:"-"`
	UploadedAt time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// TaskFilter captures filtering criteria for listing tasks.
type TaskFilter struct {
	Status   *TaskStatus
	Page     int
	PageSize int
}

// CreateTaskRequest is the payload for creating a task.
type CreateTaskRequest struct {
	Title       string     `json:"title" validate:"required,max=255"`
	Description string     `json:"description"`
	AssignedTo  *string    `json:"assigned_to" validate:"omitempty,uuid"`
	DueDate     *time.Time `json:"due_date"`
}

// UpdateTaskRequest is the payload for rewriting a task's fields.
type UpdateTaskRequest struct {
	Title       string     `json:"title" validate:"required,max=255"`
	Description string     `json:"description"`
	AssignedTo  *string    `json:"assigned_to" validate:"omitempty,uuid"`
	Status      TaskStatus `json:"status" validate:"required"`
	DueDate     *time.Time `json:"due_date"`
}

// UpdateTaskStatusRequest changes only the lifecycle state.
type UpdateTaskStatusRequest struct {
	Status TaskStatus `json:"status" validate:"required"`
}

// TaskDetail bundles a task with its attached files.
type TaskDetail struct {
	Task  Task       `json:"task"`
	Files []TaskFile `json:"files"`
}

// DownloadLink is a time-limited signed URL for fetching an attached file.
type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
