package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	minPasswordLength = 8

	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"
	opLookup       = "users.lookup"
	opBlock        = "users.block"
	opSetAdmin     = "users.set_admin"
)

var errMissingDatabase = errors.New("users: database connection required")

// ServiceConfig describes the dependencies required for user management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	BcryptCost int
}

// Service manages user records, password credentials and block-lists.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	logger    *zap.Logger
	cost      int
	dummyHash []byte
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("livery-unknown-account"), cost)
	if err != nil {
		return nil, fmt.Errorf("users: prepare dummy hash: %w", err)
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		logger:    logger,
		cost:      cost,
		dummyHash: dummyHash,
	}, nil
}

// RegisterRequest describes a new account.
type RegisterRequest struct {
	Email       string
	Password    string
	DisplayName string
	IsAdmin     bool
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (User, error) {
	email := normalizeEmail(request.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, apperrors.New(apperrors.KindInvalid, opRegister, "invalid_email")
	}
	if len(request.Password) < minPasswordLength {
		return User{}, apperrors.New(apperrors.KindInvalid, opRegister, "password_too_short")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.cost)
	if err != nil {
		return User{}, apperrors.Wrap(apperrors.KindInternal, opRegister, "hash_failed", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, apperrors.Wrap(apperrors.KindInternal, opRegister, "id_generation_failed", err)
	}

	user := User{
		ID:           id.String(),
		Email:        email,
		DisplayName:  normalize(request.DisplayName),
		PasswordHash: string(hash),
		IsAdmin:      request.IsAdmin,
		CreatedAt:    s.now().UTC(),
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return User{}, s.fail(opRegister, "lookup_failed", err)
	}
	if existing > 0 {
		return User{}, apperrors.New(apperrors.KindConflict, opRegister, "email_taken")
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, s.fail(opRegister, "insert_failed", err, zap.String("email", email))
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// Authenticate checks an email/password pair and returns the credential to mint a token for.
func (s *Service) Authenticate(ctx context.Context, email, password string) (auth.Credential, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Same bcrypt cost as a real comparison so latency does not reveal registered emails.
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return auth.Credential{}, apperrors.New(apperrors.KindInvalidCredential, opAuthenticate, "unknown_email")
	}
	if err != nil {
		return auth.Credential{}, s.fail(opAuthenticate, "lookup_failed", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return auth.Credential{}, apperrors.New(apperrors.KindInvalidCredential, opAuthenticate, "password_mismatch")
	}
	return auth.Credential{
		UserID:         user.ID,
		CredentialHash: auth.CredentialFingerprint(user.PasswordHash),
	}, nil
}

// LookupCredential implements auth.CredentialStore.
func (s *Service) LookupCredential(ctx context.Context, userID string) (auth.StoredCredential, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return auth.StoredCredential{}, auth.ErrUnknownUser
		}
		return auth.StoredCredential{}, err
	}
	return auth.StoredCredential{
		UserID:         user.ID,
		CredentialHash: auth.CredentialFingerprint(user.PasswordHash),
		IsAdmin:        user.IsAdmin,
	}, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, apperrors.New(apperrors.KindNotFound, opLookup, "empty_user_id")
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperrors.New(apperrors.KindNotFound, opLookup, "unknown_user")
	}
	if err != nil {
		return User{}, s.fail(opLookup, "query_failed", err, zap.String("user_id", userID))
	}
	return user, nil
}

// Exists reports whether a user id is registered.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", normalize(userID)).Count(&count).Error; err != nil {
		return false, s.fail(opLookup, "count_failed", err)
	}
	return count > 0, nil
}

// Block adds blockedUserID to userID's block-list.
func (s *Service) Block(ctx context.Context, userID, blockedUserID string) error {
	userID, blockedUserID = normalize(userID), normalize(blockedUserID)
	if userID == "" || blockedUserID == "" || userID == blockedUserID {
		return apperrors.New(apperrors.KindInvalid, opBlock, "invalid_pair")
	}
	record := Block{UserID: userID, BlockedUserID: blockedUserID, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return s.fail(opBlock, "insert_failed", err)
	}
	return nil
}

// Unblock removes blockedUserID from userID's block-list.
func (s *Service) Unblock(ctx context.Context, userID, blockedUserID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND blocked_user_id = ?", normalize(userID), normalize(blockedUserID)).
		Delete(&Block{}).Error
	if err != nil {
		return s.fail(opBlock, "delete_failed", err)
	}
	return nil
}

// SetAdmin toggles the administrator flag.
func (s *Service) SetAdmin(ctx context.Context, userID string, isAdmin bool) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", normalize(userID)).Update("is_admin", isAdmin)
	if result.Error != nil {
		return s.fail(opSetAdmin, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.KindNotFound, opSetAdmin, "unknown_user")
	}
	return nil
}

// BlockedEitherWay reports whether a or b has blocked the other, reading through db
// so callers can evaluate it inside their own transaction.
func BlockedEitherWay(db *gorm.DB, a, b string) (bool, error) {
	var count int64
	err := db.Model(&Block{}).
		Where("(user_id = ? AND blocked_user_id = ?) OR (user_id = ? AND blocked_user_id = ?)", a, b, b, a).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("users: block lookup: %w", err)
	}
	return count > 0, nil
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
	return apperrors.FromContext(operation, err)
}
