package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskroom/taskroom-api/internal/models"
	appErrors "github.com/taskroom/taskroom-api/pkg/errors"
)

type accountUserRepository interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	Activate(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type accountTokenRepository interface {
	UpsertVerification(ctx context.Context, token *models.EmailVerificationToken) error
	FindVerificationByToken(ctx context.Context, token string) (*models.EmailVerificationToken, error)
	MarkVerified(ctx context.Context, token string) (bool, error)
	DeleteVerification(ctx context.Context, userID string) error
	HasVerified(ctx context.Context, userID string) (bool, error)
	CreateReset(ctx context.Context, token *models.PasswordResetToken) error
	FindResetByToken(ctx context.Context, token string) (*models.PasswordResetToken, error)
	MarkResetUsed(ctx context.Context, token string) (bool, error)
}

type accountNotifier interface {
	SendVerification(user *models.User, token string) error
	QueueWelcome(user *models.User)
	QueueReset(user *models.User, token string)
}

// AccountConfig defines token validity windows for the account flows.
type AccountConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// AccountService implements registration, email verification and the
// password reset flow.
type AccountService struct {
	users     accountUserRepository
	tokens    accountTokenRepository
	notifier  accountNotifier
	validator *validator.Validate
	logger    *zap.Logger
	config    AccountConfig
}

// NewAccountService constructs an AccountService.
func NewAccountService(users accountUserRepository, tokens accountTokenRepository, notifier accountNotifier, validate *validator.Validate, logger *zap.Logger, config AccountConfig) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.VerificationTTL <= 0 {
		config.VerificationTTL = 5 * time.Minute
	}
	if config.ResetTTL <= 0 {
		config.ResetTTL = 15 * time.Minute
	}
	return &AccountService{users: users, tokens: tokens, notifier: notifier, validator: validate, logger: logger, config: config}
}

// Register creates an inactive account with exactly one role, issues a
// verification token and attempts to deliver the verification email. A
// delivery failure is returned as a warning on the response; the account is
// committed regardless.
//
// An email already held by a still-unverified account is treated as a
// re-registration: the password is replaced and a fresh token issued, so an
// expired verification attempt does not strand the address.
func (s *AccountService) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if !models.ValidRole(req.Role) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "role must be TEACHER or STUDENT")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	switch {
	case err == nil:
		verified, verr := s.tokens.HasVerified(ctx, user.ID)
		if verr != nil {
			return nil, appErrors.Wrap(verr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check verification")
		}
		if user.Active || verified {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email is already registered")
		}
		if err := s.users.UpdatePassword(ctx, user.ID, string(hash), time.Now().UTC()); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update credentials")
		}
	case errors.Is(err, sql.ErrNoRows):
		taken, terr := s.users.ExistsByUsername(ctx, req.Username)
		if terr != nil {
			return nil, appErrors.Wrap(terr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check username")
		}
		if taken {
			return nil, appErrors.Clone(appErrors.ErrConflict, "username is already taken")
		}
		user = &models.User{
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: string(hash),
			Active:       false,
			Roles:        models.RoleSet{req.Role},
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
		}
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	tokenValue, err := s.issueVerificationToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	resp := &models.RegisterResponse{
		User: models.UserInfo{ID: user.ID, Username: user.Username, Email: user.Email, Roles: user.Roles},
	}

	if err := s.notifier.SendVerification(user, tokenValue); err != nil {
		s.logger.Warn("verification email failed", zap.String("user_id", user.ID), zap.Error(err))
		resp.Warning = "account created, but the verification email could not be sent"
	}

	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionRegister,
		Resource:   "account",
		ResourceID: &user.ID,
		NewValues:  []byte(`{"status":"registered"}`),
	}); err != nil {
		s.logger.Warn("failed to record registration audit log", zap.Error(err))
	}

	return resp, nil
}

// VerifyEmail consumes a verification token. A token past its expiry is
// removed from the store so a fresh registration can issue a new one; an
// already-consumed token is rejected.
func (s *AccountService) VerifyEmail(ctx context.Context, tokenValue string) (*models.User, error) {
	token, err := s.tokens.FindVerificationByToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invalid verification token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load verification token")
	}

	if time.Now().UTC().After(token.ExpiresAt) {
		if err := s.tokens.DeleteVerification(ctx, token.UserID); err != nil {
			s.logger.Warn("failed to delete expired verification token", zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "verification token has expired, please register again")
	}

	ok, err := s.tokens.MarkVerified(ctx, tokenValue)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume verification token")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrTokenUsed, "email is already verified")
	}

	if err := s.users.Activate(ctx, token.UserID, time.Now().UTC()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate user")
	}

	user, err := s.users.FindByID(ctx, token.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	// Enqueued only by the consumer that won the conditional update, so the
	// welcome mail goes out at most once.
	s.notifier.QueueWelcome(user)

	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionVerifyEmail,
		Resource:   "account",
		ResourceID: &user.ID,
		NewValues:  []byte(`{"status":"verified"}`),
	}); err != nil {
		s.logger.Warn("failed to record verification audit log", zap.Error(err))
	}

	return user, nil
}

// ForgotPassword issues a reset token for the account holding the email.
// The distinct "no user found" message mirrors the legacy behaviour and is
// flagged as an information leak in the design notes.
func (s *AccountService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid forgot password payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "no user found with this email")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	tokenValue, err := GenerateTokenValue()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate reset token")
	}

	now := time.Now().UTC()
	token := &models.PasswordResetToken{
		UserID:    user.ID,
		Token:     tokenValue,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.ResetTTL),
	}
	if err := s.tokens.CreateReset(ctx, token); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist reset token")
	}

	s.notifier.QueueReset(user, tokenValue)
	return nil
}

// ResetPassword consumes a reset token. A used or expired token is never
// accepted; the update-if-unused consumption guarantees a single winner under
// concurrent replays.
func (s *AccountService) ResetPassword(ctx context.Context, req models.ResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "passwords do not match")
	}

	token, err := s.tokens.FindResetByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "invalid reset token")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reset token")
	}

	if time.Now().UTC().After(token.ExpiresAt) {
		return appErrors.Clone(appErrors.ErrTokenExpired, "reset token has expired, please request a new one")
	}
	if token.Used {
		return appErrors.Clone(appErrors.ErrTokenUsed, "reset token has already been used")
	}

	ok, err := s.tokens.MarkResetUsed(ctx, req.Token)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume reset token")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrTokenUsed, "reset token has already been used")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	if err := s.users.UpdatePassword(ctx, token.UserID, string(hash), time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.users.RevokeUserRefreshTokens(ctx, token.UserID); err != nil {
		s.logger.Warn("failed to revoke sessions after password reset", zap.Error(err))
	}

	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &token.UserID,
		Action:     models.AuditActionPasswordReset,
		Resource:   "account",
		ResourceID: &token.UserID,
		NewValues:  []byte(`{"status":"reset"}`),
	}); err != nil {
		s.logger.Warn("failed to record reset audit log", zap.Error(err))
	}

	return nil
}

func (s *AccountService) issueVerificationToken(ctx context.Context, userID string) (string, error) {
	tokenValue, err := GenerateTokenValue()
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate verification token")
	}
	now := time.Now().UTC()
	token := &models.EmailVerificationToken{
		UserID:    userID,
		Token:     tokenValue,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.VerificationTTL),
	}
	if err := s.tokens.UpsertVerification(ctx, token); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist verification token")
	}
	return tokenValue, nil
}
