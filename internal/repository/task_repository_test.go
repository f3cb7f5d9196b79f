package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskroom/taskroom-api/internal/models"
)

func taskRows(tasks ...models.Task) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "title", "description", "assigned_to", "status", "due_date", "created_by", "created_at", "updated_at"})
	for _, task := range tasks {
		rows.AddRow(task.ID, task.Title, task.Description, task.AssignedTo, task.Status, task.DueDate, task.CreatedBy, task.CreatedAt, task.UpdatedAt)
	}
	return rows
}

func TestTaskRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	mock.ExpectExec("INSERT INTO tasks").
		WillReturnResult(sqlmock.NewResult(1, 1))

	task := &models.Task{Title: "Essay"}
	require.NoError(t, repo.Create(context.Background(), task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestTaskRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("t1").
		WillReturnRows(taskRows(models.Task{ID: "t1", Title: "Essay", Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}))

	task, err := repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Essay", task.Title)
}

func TestTaskRepositoryListByCreatorWithStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	now := time.Now().UTC()
	status := models.StatusPending
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE created_by").
		WithArgs("u1", status).
		WillReturnRows(taskRows(models.Task{ID: "t1", Title: "Essay", Status: status, CreatedAt: now, UpdatedAt: now}))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("u1", status).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	tasks, total, err := repo.ListByCreator(context.Background(), "u1", models.TaskFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, total)
}

func TestTaskRepositoryListByAssignee(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	now := time.Now().UTC()
	assignee := "s1"
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE assigned_to").
		WithArgs("s1").
		WillReturnRows(taskRows(models.Task{ID: "t1", Title: "Lab report", AssignedTo: &assignee, Status: models.StatusInProgress, CreatedAt: now, UpdatedAt: now}))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	tasks, total, err := repo.ListByAssignee(context.Background(), "s1", models.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, models.StatusInProgress, tasks[0].Status)
}

func TestTaskRepositoryUpdateStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("t1", models.StatusCompleted, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), "t1", models.StatusCompleted, now))
}

func TestTaskRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	mock.ExpectExec("DELETE FROM tasks").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "t1"))
}

func TestTaskRepositoryCreateFile(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	mock.ExpectExec("INSERT INTO task_files").
		WillReturnResult(sqlmock.NewResult(1, 1))

	uploader := "s1"
	file := &models.TaskFile{TaskID: "t1", UploadedBy: &uploader, FileName: "essay.pdf", FilePath: "tasks/t1/essay.pdf"}
	require.NoError(t, repo.CreateFile(context.Background(), file))
	assert.NotEmpty(t, file.ID)
	assert.False(t, file.UploadedAt.IsZero())
}

func TestTaskRepositoryListFiles(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTaskRepository(db)

	now := time.Now().UTC()
	uploader := "s1"
	rows := sqlmock.NewRows([]string{"id", "task_id", "uploaded_by", "file_name", "file_path", "uploaded_at"}).
		AddRow("f1", "t1", &uploader, "essay.pdf", "tasks/t1/essay.pdf", now)
	mock.ExpectQuery("SELECT (.+) FROM task_files WHERE task_id").
		WithArgs("t1").
		WillReturnRows(rows)

	files, err := repo.ListFiles(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "essay.pdf", files[0].FileName)
}
