package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskroom/taskroom-api/internal/models"
	appErrors "github.com/taskroom/taskroom-api/pkg/errors"
)

type fakeAccountUserRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	auditLogs []*models.AuditLog
	revoked   []string
}

func newFakeAccountUserRepo(users ...*models.User) *fakeAccountUserRepo {
	repo := &fakeAccountUserRepo{users: make(map[string]*models.User)}
	for _, user := range users {
		repo.users[user.ID] = user
	}
	return repo
}

func (f *fakeAccountUserRepo) Create(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.ID == "" {
		user.ID = "u" + time.Now().Format("150405.000000000")
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeAccountUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeAccountUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeAccountUserRepo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAccountUserRepo) Activate(ctx context.Context, id string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		user.Active = true
	}
	return nil
}

func (f *fakeAccountUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		user.PasswordHash = passwordHash
	}
	return nil
}

func (f *fakeAccountUserRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, userID)
	return nil
}

func (f *fakeAccountUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogs = append(f.auditLogs, log)
	return nil
}

type fakeAccountTokenRepo struct {
	mu           sync.Mutex
	verification map[string]*models.EmailVerificationToken // keyed by user ID
	resets       map[string]*models.PasswordResetToken     // keyed by token value
}

func newFakeAccountTokenRepo() *fakeAccountTokenRepo {
	return &fakeAccountTokenRepo{
		verification: make(map[string]*models.EmailVerificationToken),
		resets:       make(map[string]*models.PasswordResetToken),
	}
}

func (f *fakeAccountTokenRepo) UpsertVerification(ctx context.Context, token *models.EmailVerificationToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verification[token.UserID] = token
	return nil
}

func (f *fakeAccountTokenRepo) FindVerificationByToken(ctx context.Context, token string) (*models.EmailVerificationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.verification {
		if t.Token == token {
			copied := *t
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeAccountTokenRepo) MarkVerified(ctx context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.verification {
		if t.Token == token {
			if t.Verified {
				return false, nil
			}
			t.Verified = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAccountTokenRepo) DeleteVerification(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.verification, userID)
	return nil
}

func (f *fakeAccountTokenRepo) HasVerified(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.verification[userID]
	return ok && t.Verified, nil
}

func (f *fakeAccountTokenRepo) CreateReset(ctx context.Context, token *models.PasswordResetToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token.Token] = token
	return nil
}

func (f *fakeAccountTokenRepo) FindResetByToken(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.resets[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *t
	return &copied, nil
}

func (f *fakeAccountTokenRepo) MarkResetUsed(ctx context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.resets[token]
	if !ok || t.Used {
		return false, nil
	}
	t.Used = true
	return true, nil
}

type fakeNotifier struct {
	mu                sync.Mutex
	verificationSent  int
	verificationFails bool
	welcomeSent       int
	resetSent         int
	lastToken         string
}

func (f *fakeNotifier) SendVerification(user *models.User, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = token
	if f.verificationFails {
		return errors.New("smtp unavailable")
	}
	f.verificationSent++
	return nil
}

func (f *fakeNotifier) QueueWelcome(user *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcomeSent++
}

func (f *fakeNotifier) QueueReset(user *models.User, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetSent++
	f.lastToken = token
}

func newAccountService(users *fakeAccountUserRepo, tokens *fakeAccountTokenRepo, notifier *fakeNotifier) *AccountService {
	return NewAccountService(users, tokens, notifier, validator.New(), zap.NewNop(), AccountConfig{
		VerificationTTL: 5 * time.Minute,
		ResetTTL:        15 * time.Minute,
	})
}

func registerReq(username, email string, role models.Role) models.RegisterRequest {
	return models.RegisterRequest{
		Username:        username,
		Email:           email,
		Password:        "secret1",
		ConfirmPassword: "secret1",
		Role:            role,
	}
}

func TestAccountServiceRegisterSuccess(t *testing.T) {
	users := newFakeAccountUserRepo()
	tokens := newFakeAccountTokenRepo()
	notifier := &fakeNotifier{}
	svc := newAccountService(users, tokens, notifier)

	res, err := svc.Register(context.Background(), registerReq("alice", "alice@example.com", models.RoleStudent))
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Equal(t, models.RoleSet{models.RoleStudent}, res.User.Roles)
	assert.Equal(t, 1, notifier.verificationSent)

	created, err := users.FindByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.False(t, created.Active)
	require.Contains(t, tokens.verification, created.ID)
	assert.False(t, tokens.verification[created.ID].Verified)
}

func TestAccountServiceRegisterPasswordMismatch(t *testing.T) {
	svc := newAccountService(newFakeAccountUserRepo(), newFakeAccountTokenRepo(), &fakeNotifier{})

	req := registerReq("alice", "alice@example.com", models.RoleStudent)
	req.ConfirmPassword = "different"
	_, err := svc.Register(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceRegisterInvalidRole(t *testing.T) {
	svc := newAccountService(newFakeAccountUserRepo(), newFakeAccountTokenRepo(), &fakeNotifier{})

	_, err := svc.Register(context.Background(), registerReq("alice", "alice@example.com", "ADMIN"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceRegisterEmailTakenByVerifiedAccount(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Username: "alice", Email: "alice@example.com", Active: true})
	tokens := newFakeAccountTokenRepo()
	tokens.verification["u1"] = &models.EmailVerificationToken{UserID: "u1", Token: "old", Verified: true}
	svc := newAccountService(users, tokens, &fakeNotifier{})

	_, err := svc.Register(context.Background(), registerReq("alice2", "alice@example.com", models.RoleStudent))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceRegisterReissuesForUnverifiedAccount(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Username: "alice", Email: "alice@example.com", Active: false, Roles: models.RoleSet{models.RoleStudent}})
	tokens := newFakeAccountTokenRepo()
	tokens.verification["u1"] = &models.EmailVerificationToken{UserID: "u1", Token: "stale", ExpiresAt: time.Now().Add(-time.Hour)}
	notifier := &fakeNotifier{}
	svc := newAccountService(users, tokens, notifier)

	res, err := svc.Register(context.Background(), registerReq("alice", "alice@example.com", models.RoleStudent))
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, 1, notifier.verificationSent)
	assert.NotEqual(t, "stale", tokens.verification["u1"].Token)
}

func TestAccountServiceRegisterUsernameTaken(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Username: "alice", Email: "other@example.com"})
	svc := newAccountService(users, newFakeAccountTokenRepo(), &fakeNotifier{})

	_, err := svc.Register(context.Background(), registerReq("alice", "alice@example.com", models.RoleStudent))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceRegisterSendFailureReturnsWarning(t *testing.T) {
	users := newFakeAccountUserRepo()
	notifier := &fakeNotifier{verificationFails: true}
	svc := newAccountService(users, newFakeAccountTokenRepo(), notifier)

	res, err := svc.Register(context.Background(), registerReq("alice", "alice@example.com", models.RoleStudent))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)

	// The account and its token survive the delivery failure.
	_, err = users.FindByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
}

func TestAccountServiceVerifyEmailSuccess(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Username: "alice", Email: "alice@example.com", Active: false})
	tokens := newFakeAccountTokenRepo()
	tokens.verification["u1"] = &models.EmailVerificationToken{UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(5 * time.Minute)}
	notifier := &fakeNotifier{}
	svc := newAccountService(users, tokens, notifier)

	user, err := svc.VerifyEmail(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.Equal(t, 1, notifier.welcomeSent)
}

func TestAccountServiceVerifyEmailUnknownToken(t *testing.T) {
	svc := newAccountService(newFakeAccountUserRepo(), newFakeAccountTokenRepo(), &fakeNotifier{})

	_, err := svc.VerifyEmail(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceVerifyEmailExpiredTokenDeleted(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Email: "alice@example.com"})
	tokens := newFakeAccountTokenRepo()
	tokens.verification["u1"] = &models.EmailVerificationToken{UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(-time.Minute)}
	svc := newAccountService(users, tokens, &fakeNotifier{})

	_, err := svc.VerifyEmail(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)
	assert.NotContains(t, tokens.verification, "u1")
}

func TestAccountServiceVerifyEmailDoubleConsume(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Email: "alice@example.com"})
	tokens := newFakeAccountTokenRepo()
	tokens.verification["u1"] = &models.EmailVerificationToken{UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(5 * time.Minute)}
	notifier := &fakeNotifier{}
	svc := newAccountService(users, tokens, notifier)

	_, err := svc.VerifyEmail(context.Background(), "tok")
	require.NoError(t, err)

	_, err = svc.VerifyEmail(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenUsed.Code, appErrors.FromError(err).Code)
	assert.Equal(t, 1, notifier.welcomeSent)
}

func TestAccountServiceVerifyEmailConcurrentSingleWinner(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Email: "alice@example.com"})
	tokens := newFakeAccountTokenRepo()
	tokens.verification["u1"] = &models.EmailVerificationToken{UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(5 * time.Minute)}
	notifier := &fakeNotifier{}
	svc := newAccountService(users, tokens, notifier)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.VerifyEmail(context.Background(), "tok")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes int
	for err := range errs {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, notifier.welcomeSent)
}

func TestAccountServiceForgotPasswordUnknownEmail(t *testing.T) {
	svc := newAccountService(newFakeAccountUserRepo(), newFakeAccountTokenRepo(), &fakeNotifier{})

	err := svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "ghost@example.com"})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "no user found")
}

func TestAccountServiceForgotPasswordIssuesToken(t *testing.T) {
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Username: "alice", Email: "alice@example.com", Active: true})
	tokens := newFakeAccountTokenRepo()
	notifier := &fakeNotifier{}
	svc := newAccountService(users, tokens, notifier)

	require.NoError(t, svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "alice@example.com"}))
	assert.Equal(t, 1, notifier.resetSent)
	require.Contains(t, tokens.resets, notifier.lastToken)
	reset := tokens.resets[notifier.lastToken]
	assert.Equal(t, "u1", reset.UserID)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), reset.ExpiresAt, time.Minute)
}

func TestAccountServiceResetPasswordSuccess(t *testing.T) {
	oldHash, _ := bcrypt.GenerateFromPassword([]byte("old"), bcrypt.DefaultCost)
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Email: "alice@example.com", PasswordHash: string(oldHash)})
	tokens := newFakeAccountTokenRepo()
	tokens.resets["tok"] = &models.PasswordResetToken{ID: "r1", UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(10 * time.Minute)}
	svc := newAccountService(users, tokens, &fakeNotifier{})

	err := svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: "tok", NewPassword: "brandnew", ConfirmPassword: "brandnew"})
	require.NoError(t, err)
	assert.NotEqual(t, string(oldHash), users.users["u1"].PasswordHash)
	assert.Contains(t, users.revoked, "u1")
	assert.True(t, tokens.resets["tok"].Used)
}

func TestAccountServiceResetPasswordExpired(t *testing.T) {
	tokens := newFakeAccountTokenRepo()
	tokens.resets["tok"] = &models.PasswordResetToken{ID: "r1", UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(-time.Minute)}
	svc := newAccountService(newFakeAccountUserRepo(), tokens, &fakeNotifier{})

	err := svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: "tok", NewPassword: "brandnew", ConfirmPassword: "brandnew"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceResetPasswordAlreadyUsed(t *testing.T) {
	tokens := newFakeAccountTokenRepo()
	tokens.resets["tok"] = &models.PasswordResetToken{ID: "r1", UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(10 * time.Minute), Used: true}
	svc := newAccountService(newFakeAccountUserRepo(), tokens, &fakeNotifier{})

	err := svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: "tok", NewPassword: "brandnew", ConfirmPassword: "brandnew"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenUsed.Code, appErrors.FromError(err).Code)
}

func TestAccountServiceResetPasswordConcurrentSingleWinner(t *testing.T) {
	oldHash, _ := bcrypt.GenerateFromPassword([]byte("old"), bcrypt.DefaultCost)
	users := newFakeAccountUserRepo(&models.User{ID: "u1", Email: "alice@example.com", PasswordHash: string(oldHash)})
	tokens := newFakeAccountTokenRepo()
	tokens.resets["tok"] = &models.PasswordResetToken{ID: "r1", UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(10 * time.Minute)}
	svc := newAccountService(users, tokens, &fakeNotifier{})

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: "tok", NewPassword: "brandnew", ConfirmPassword: "brandnew"})
		}()
	}
	wg.Wait()
	close(errs)

	var successes int
	for err := range errs {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}
