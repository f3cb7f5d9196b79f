package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskroom/taskroom-api/internal/models"
	appErrors "github.com/taskroom/taskroom-api/pkg/errors"
	"github.com/taskroom/taskroom-api/pkg/export"
)

type taskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	FindByID(ctx context.Context, id string) (*models.Task, error)
	ListByCreator(ctx context.Context, userID string, filter models.TaskFilter) ([]models.Task, int, error)
	ListByAssignee(ctx context.Context, userID string, filter models.TaskFilter) ([]models.Task, int, error)
	ListAllByCreator(ctx context.Context, userID string) ([]models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	CreateFile(ctx context.Context, file *models.TaskFile) error
	ListFiles(ctx context.Context, taskID string) ([]models.TaskFile, error)
	FindFileByID(ctx context.Context, id string) (*models.TaskFile, error)
}

type taskUserRepository interface {
	RolesOf(ctx context.Context, userID string) (models.RoleSet, error)
	ListByRole(ctx context.Context, role models.Role, filter models.UserFilter) ([]models.User, int, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type blobStorage interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type downloadSigner interface {
	Generate(fileID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (fileID, relPath string, expiresAt time.Time, err error)
}

// TaskService implements the task lifecycle with role-gated access. Teachers
// create, edit, delete and export tasks; students move their assigned tasks
// through the lifecycle and attach files.
type TaskService struct {
	tasks     taskRepository
	users     taskUserRepository
	cache     *CacheService
	storage   blobStorage
	signer    downloadSigner
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTaskService constructs a TaskService.
func NewTaskService(tasks taskRepository, users taskUserRepository, cache *CacheService, storage blobStorage, signer downloadSigner, validate *validator.Validate, logger *zap.Logger) *TaskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &TaskService{
		tasks:     tasks,
		users:     users,
		cache:     cache,
		storage:   storage,
		signer:    signer,
		csv:       export.NewCSVExporter(),
		pdf:       export.NewPDFExporter(),
		validator: validate,
		logger:    logger,
	}
}

// Create makes a new task. Teacher only; an assignee, when given, must hold
// the student role.
func (s *TaskService) Create(ctx context.Context, actor models.Actor, req models.CreateTaskRequest) (*models.Task, error) {
	if !actor.IsTeacher() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers can create tasks")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid task payload")
	}
	if err := s.checkAssignee(ctx, req.AssignedTo); err != nil {
		return nil, err
	}

	task := &models.Task{
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  req.AssignedTo,
		Status:      models.StatusPending,
		DueDate:     req.DueDate,
		CreatedBy:   &actor.ID,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create task")
	}

	s.invalidateTaskCaches(ctx, task)
	s.audit(ctx, actor.ID, models.AuditActionTaskCreate, task.ID)
	return task, nil
}

// List returns the caller's slice of the task table: teachers see the tasks
// they created, students the tasks assigned to them. Results are cached per
// user and filter.
func (s *TaskService) List(ctx context.Context, actor models.Actor, filter models.TaskFilter) ([]models.Task, int, error) {
	type cached struct {
		Tasks []models.Task `json:"tasks"`
		Total int           `json:"total"`
	}

	key := s.listCacheKey(actor.ID, filter)
	var hit cached
	if ok, _ := s.cache.Get(ctx, key, &hit); ok {
		return hit.Tasks, hit.Total, nil
	}

	var (
		tasks []models.Task
		total int
		err   error
	)
	switch {
	case actor.IsTeacher():
		tasks, total, err = s.tasks.ListByCreator(ctx, actor.ID, filter)
	case actor.IsStudent():
		tasks, total, err = s.tasks.ListByAssignee(ctx, actor.ID, filter)
	default:
		// A caller with no recognized role sees an empty list, not an error.
		return []models.Task{}, 0, nil
	}
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list tasks")
	}

	if err := s.cache.Set(ctx, key, cached{Tasks: tasks, Total: total}, 0); err != nil {
		s.logger.Warn("failed to cache task list", zap.Error(err))
	}
	return tasks, total, nil
}

// ListStudents returns the students a teacher can assign tasks to.
func (s *TaskService) ListStudents(ctx context.Context, actor models.Actor, filter models.UserFilter) ([]models.UserInfo, int, error) {
	if !actor.IsTeacher() {
		return nil, 0, appErrors.Clone(appErrors.ErrForbidden, "only teachers can list students")
	}

	users, total, err := s.users.ListByRole(ctx, models.RoleStudent, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}

	infos := make([]models.UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, models.UserInfo{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Roles:    models.RoleSet{models.RoleStudent},
		})
	}
	return infos, total, nil
}

// Get returns a task with its attached files. Teachers may open any task;
// students only tasks assigned to them.
func (s *TaskService) Get(ctx context.Context, actor models.Actor, taskID string) (*models.TaskDetail, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(actor, task); err != nil {
		return nil, err
	}

	files, err := s.tasks.ListFiles(ctx, taskID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list task files")
	}
	return &models.TaskDetail{Task: *task, Files: files}, nil
}

// Update rewrites a task's fields. Teacher only.
func (s *TaskService) Update(ctx context.Context, actor models.Actor, taskID string, req models.UpdateTaskRequest) (*models.Task, error) {
	if !actor.IsTeacher() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers can edit tasks")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid task payload")
	}
	if !models.ValidStatus(req.Status) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "status must be pending, in_progress or completed")
	}
	if err := s.checkAssignee(ctx, req.AssignedTo); err != nil {
		return nil, err
	}

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	previousAssignee := task.AssignedTo
	task.Title = req.Title
	task.Description = req.Description
	task.AssignedTo = req.AssignedTo
	task.Status = req.Status
	task.DueDate = req.DueDate

	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update task")
	}

	s.invalidateTaskCaches(ctx, task)
	if previousAssignee != nil {
		s.invalidateUserCache(ctx, *previousAssignee)
	}
	s.audit(ctx, actor.ID, models.AuditActionTaskUpdate, task.ID)
	return task, nil
}

// UpdateStatus moves a task through its lifecycle. Only the assigned student
// may move a task this way; teachers change status through the full edit.
// Every state is reachable from every other.
func (s *TaskService) UpdateStatus(ctx context.Context, actor models.Actor, taskID string, req models.UpdateTaskStatusRequest) (*models.Task, error) {
	if !models.ValidStatus(req.Status) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "status must be pending, in_progress or completed")
	}

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAssignee(actor, task); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.tasks.UpdateStatus(ctx, taskID, req.Status, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update task status")
	}
	task.Status = req.Status
	task.UpdatedAt = now

	s.invalidateTaskCaches(ctx, task)
	s.audit(ctx, actor.ID, models.AuditActionTaskUpdate, task.ID)
	return task, nil
}

// Delete removes a task, its file rows and their blobs. Teacher only.
func (s *TaskService) Delete(ctx context.Context, actor models.Actor, taskID string) error {
	if !actor.IsTeacher() {
		return appErrors.Clone(appErrors.ErrForbidden, "only teachers can delete tasks")
	}

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	files, err := s.tasks.ListFiles(ctx, taskID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list task files")
	}

	if err := s.tasks.Delete(ctx, taskID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete task")
	}

	// Blobs go after the row so a failed delete never leaves rows pointing at
	// missing files.
	for _, file := range files {
		if err := s.storage.Delete(file.FilePath); err != nil {
			s.logger.Warn("failed to delete task file blob", zap.String("file_id", file.ID), zap.Error(err))
		}
	}

	s.invalidateTaskCaches(ctx, task)
	s.audit(ctx, actor.ID, models.AuditActionTaskDelete, taskID)
	return nil
}

// AttachFile stores an uploaded file and records it against the task. Only
// the assigned student may attach files.
func (s *TaskService) AttachFile(ctx context.Context, actor models.Actor, taskID, fileName string, r io.Reader) (*models.TaskFile, error) {
	if fileName == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file name is required")
	}

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAssignee(actor, task); err != nil {
		return nil, err
	}

	fileID := uuid.NewString()
	relPath := filepath.Join("tasks", taskID, fileID+"_"+filepath.Base(fileName))
	if _, err := s.storage.SaveStream(relPath, r); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store file")
	}

	file := &models.TaskFile{
		ID:         fileID,
		TaskID:     taskID,
		UploadedBy: &actor.ID,
		FileName:   filepath.Base(fileName),
		FilePath:   relPath,
	}
	if err := s.tasks.CreateFile(ctx, file); err != nil {
		if derr := s.storage.Delete(relPath); derr != nil {
			s.logger.Warn("failed to clean up orphaned blob", zap.String("path", relPath), zap.Error(derr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record file")
	}

	s.audit(ctx, actor.ID, models.AuditActionFileUpload, file.ID)
	return file, nil
}

// ListFiles returns the files attached to a task. Allowed for the task's
// participants.
func (s *TaskService) ListFiles(ctx context.Context, actor models.Actor, taskID string) ([]models.TaskFile, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(actor, task); err != nil {
		return nil, err
	}

	files, err := s.tasks.ListFiles(ctx, taskID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list task files")
	}
	return files, nil
}

// DownloadLink issues a time-limited signed URL for an attached file. Allowed
// for the task's participants.
func (s *TaskService) DownloadLink(ctx context.Context, actor models.Actor, taskID, fileID string) (*models.DownloadLink, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(actor, task); err != nil {
		return nil, err
	}

	file, err := s.tasks.FindFileByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	if file.TaskID != taskID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
	}

	token, expiresAt, err := s.signer.Generate(file.ID, file.FilePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download URL")
	}

	return &models.DownloadLink{
		URL:       fmt.Sprintf("/api/v1/files/download?token=%s", token),
		ExpiresAt: expiresAt,
	}, nil
}

// ResolveDownload validates a signed download token and opens the blob. The
// token itself authorizes the request; no session is required.
func (s *TaskService) ResolveDownload(ctx context.Context, token string) (*models.TaskFile, *os.File, error) {
	fileID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download token")
	}

	file, err := s.tasks.FindFileByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	if file.FilePath != relPath {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid download token")
	}

	handle, err := s.storage.Open(file.FilePath)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file")
	}
	return file, handle, nil
}

// Export renders every task the teacher created as CSV or PDF bytes.
func (s *TaskService) Export(ctx context.Context, actor models.Actor, format string) ([]byte, string, error) {
	if !actor.IsTeacher() {
		return nil, "", appErrors.Clone(appErrors.ErrForbidden, "only teachers can export tasks")
	}

	tasks, err := s.tasks.ListAllByCreator(ctx, actor.ID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list tasks")
	}

	dataset := export.Dataset{
		Headers: []string{"Title", "Status", "Assigned To", "Due Date", "Created At"},
	}
	for _, task := range tasks {
		row := map[string]string{
			"Title":      task.Title,
			"Status":     string(task.Status),
			"Created At": task.CreatedAt.Format("2006-01-02"),
		}
		if task.AssignedTo != nil {
			row["Assigned To"] = *task.AssignedTo
		}
		if task.DueDate != nil {
			row["Due Date"] = task.DueDate.Format("2006-01-02")
		}
		dataset.Rows = append(dataset.Rows, row)
	}

	switch format {
	case "csv", "":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return payload, "text/csv", nil
	case "pdf":
		payload, err := s.pdf.Render(dataset, "Task Report")
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
}

func (s *TaskService) loadTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "task not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load task")
	}
	return task, nil
}

// requireParticipant admits teachers and the assigned student.
func (s *TaskService) requireParticipant(actor models.Actor, task *models.Task) error {
	if actor.IsTeacher() {
		return nil
	}
	return s.requireAssignee(actor, task)
}

// requireAssignee admits only the student the task is assigned to.
func (s *TaskService) requireAssignee(actor models.Actor, task *models.Task) error {
	if actor.IsStudent() && task.AssignedTo != nil && *task.AssignedTo == actor.ID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "task is not assigned to you")
}

func (s *TaskService) checkAssignee(ctx context.Context, assignee *string) error {
	if assignee == nil {
		return nil
	}
	roles, err := s.users.RolesOf(ctx, *assignee)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrValidation, "assignee does not exist")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check assignee")
	}
	if !roles.Has(models.RoleStudent) {
		return appErrors.Clone(appErrors.ErrValidation, "tasks can only be assigned to students")
	}
	return nil
}

func (s *TaskService) listCacheKey(userID string, filter models.TaskFilter) string {
	status := "all"
	if filter.Status != nil {
		status = string(*filter.Status)
	}
	return fmt.Sprintf("tasks:user:%s:status:%s:page:%d:size:%d", userID, status, filter.Page, filter.PageSize)
}

func (s *TaskService) invalidateTaskCaches(ctx context.Context, task *models.Task) {
	if task.CreatedBy != nil {
		s.invalidateUserCache(ctx, *task.CreatedBy)
	}
	if task.AssignedTo != nil {
		s.invalidateUserCache(ctx, *task.AssignedTo)
	}
}

func (s *TaskService) invalidateUserCache(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, fmt.Sprintf("tasks:user:%s:*", userID)); err != nil {
		s.logger.Warn("failed to invalidate task cache", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *TaskService) audit(ctx context.Context, actorID string, action string, resourceID string) {
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actorID,
		Action:     action,
		Resource:   "task",
		ResourceID: &resourceID,
	}); err != nil {
		s.logger.Warn("failed to record task audit log", zap.Error(err))
	}
}
