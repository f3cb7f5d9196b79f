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

func TestUserRepositoryCreateWithRoles(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO user_roles").
		WithArgs(sqlmock.AnyArg(), models.RoleStudent).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	user := &models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "hash", Roles: models.RoleSet{models.RoleStudent}}
	require.NoError(t, repo.Create(context.Background(), user))
	assert.NotEmpty(t, user.ID)
}

func TestUserRepositoryFindByUsernameLoadsRoles(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now().UTC()
	userRows := sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "active", "last_login", "created_at", "updated_at"}).
		AddRow("u1", "alice", "alice@example.com", "hash", true, nil, now, now)
	mock.ExpectQuery("SELECT id, username, email").
		WithArgs("alice").
		WillReturnRows(userRows)
	mock.ExpectQuery("SELECT role FROM user_roles").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("STUDENT"))

	user, err := repo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, user.Roles.Has(models.RoleStudent))
	assert.False(t, user.Roles.Has(models.RoleTeacher))
}

func TestUserRepositoryListByRole(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "active", "last_login", "created_at", "updated_at"}).
		AddRow("u1", "alice", "alice@example.com", "hash", true, nil, now, now).
		AddRow("u2", "bob", "bob@example.com", "hash", true, nil, now, now)
	mock.ExpectQuery("SELECT u.id, u.username").
		WithArgs(models.RoleStudent).
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(models.RoleStudent).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	users, total, err := repo.ListByRole(context.Background(), models.RoleStudent, models.UserFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
}

func TestUserRepositoryExistsByUsernameMiss(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery("SELECT 1 FROM users").
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err := repo.ExistsByUsername(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUserRepositoryActivate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE users SET active = TRUE").
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Activate(context.Background(), "u1", now))
}

func TestUserRepositoryRevokeUserRefreshTokens(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE").
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.RevokeUserRefreshTokens(context.Background(), "u1"))
}
