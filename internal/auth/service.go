package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"bizinbox/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidRole        = errors.New("invalid role")
	ErrUnknownBusiness    = errors.New("business not found")
)

type RegisterInput struct {
	BusinessName string
	Name         string
	Email        string
	Password     string
}

type UserInput struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// Service owns users and refresh-token sessions.
type Service struct {
	db     *gorm.DB
	tokens *TokenIssuer
	log    *zap.Logger
}

func NewService(db *gorm.DB, tokens *TokenIssuer, log *zap.Logger) *Service {
	return &Service{db: db, tokens: tokens, log: log}
}

func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Register creates a business profile together with its owner and signs the owner in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, *models.BusinessProfile, TokenPair, error) {
	email := normalizeEmail(in.Email)
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, nil, TokenPair{}, err
	}

	profile := &models.BusinessProfile{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(in.BusinessName),
		Provider: models.ProviderMeta,
	}
	user := &models.User{
		ID:           uuid.NewString(),
		BusinessID:   profile.ID,
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		Role:         models.RoleOwner,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if taken, err := emailExists(tx, email); err != nil {
			return err
		} else if taken {
			return ErrEmailTaken
		}
		slug, err := uniqueSlug(tx, profile.Name)
		if err != nil {
			return err
		}
		profile.Slug = slug
		if err := tx.Create(profile).Error; err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, TokenPair{}, err
	}

	pair, err := s.startSession(ctx, user)
	if err != nil {
		return nil, nil, TokenPair{}, err
	}
	s.log.Info("business registered", zap.String("business_id", profile.ID), zap.String("slug", profile.Slug))
	return user, profile, pair, nil
}

// CreateUser adds a user to a business. An empty businessID is only valid for admins.
func (s *Service) CreateUser(ctx context.Context, businessID string, in UserInput) (*models.User, error) {
	switch in.Role {
	case models.RoleAgent, models.RoleOwner:
		if businessID == "" {
			return nil, fmt.Errorf("%w: %s requires a business", ErrInvalidRole, in.Role)
		}
	case models.RoleAdmin:
		if businessID != "" {
			return nil, fmt.Errorf("%w: admins do not belong to a business", ErrInvalidRole)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}

	email := normalizeEmail(in.Email)
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:           uuid.NewString(),
		BusinessID:   businessID,
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		Role:         in.Role,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if businessID != "" {
			var n int64
			if err := tx.Model(&models.BusinessProfile{}).Where("id = ?", businessID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrUnknownBusiness
			}
		}
		if taken, err := emailExists(tx, email); err != nil {
			return err
		} else if taken {
			return ErrEmailTaken
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*models.User, TokenPair, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return nil, TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if !checkPassword(user.PasswordHash, password) {
		return nil, TokenPair{}, ErrInvalidCredentials
	}

	pair, err := s.startSession(ctx, &user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return &user, pair, nil
}

// Refresh rotates a refresh token. Presenting an already rotated token
// revokes every session of that user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	var (
		user models.User
		pair TokenPair
	)
	reused := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		err := tx.Where("refresh_token_hash = ?", hashToken(refreshToken)).First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess.ID != claims.SessionID || sess.UserID != claims.UserID {
			return ErrInvalidToken
		}
		now := s.tokens.now()
		if sess.RevokedAt != nil {
			reused = true
			return tx.Model(&models.Session{}).
				Where("user_id = ? AND revoked_at IS NULL", sess.UserID).
				Update("revoked_at", now).Error
		}
		if now.After(sess.ExpiresAt) {
			return ErrSessionExpired
		}

		if err := tx.First(&user, "id = ?", sess.UserID).Error; err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		// Conditional revoke so two concurrent refreshes cannot both succeed.
		res := tx.Model(&models.Session{}).
			Where("id = ? AND revoked_at IS NULL", sess.ID).
			Update("revoked_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionRevoked
		}

		pair, err = s.createSession(tx, &user)
		return err
	})
	if reused {
		s.log.Warn("refresh token reuse detected, sessions revoked", zap.String("user_id", claims.UserID))
		return TokenPair{}, ErrSessionRevoked
	}
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Logout revokes the session behind a refresh token. Unknown or already
// revoked tokens are not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if _, err := s.tokens.Parse(refreshToken, TokenTypeRefresh); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("refresh_token_hash = ? AND revoked_at IS NULL", hashToken(refreshToken)).
		Update("revoked_at", s.tokens.now()).Error
}

func (s *Service) startSession(ctx context.Context, user *models.User) (TokenPair, error) {
	var pair TokenPair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pair, err = s.createSession(tx, user)
		return err
	})
	return pair, err
}

func (s *Service) createSession(tx *gorm.DB, user *models.User) (TokenPair, error) {
	sessionID := uuid.NewString()
	pair, err := s.tokens.Issue(user.ID, user.BusinessID, user.Role, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	sess := models.Session{
		ID:               sessionID,
		UserID:           user.ID,
		RefreshTokenHash: hashToken(pair.RefreshToken),
		ExpiresAt:        pair.RefreshExpiresAt,
	}
	if err := tx.Create(&sess).Error; err != nil {
		return TokenPair{}, fmt.Errorf("create session: %w", err)
	}
	return pair, nil
}

func emailExists(tx *gorm.DB, email string) (bool, error) {
	var n int64
	if err := tx.Model(&models.User{}).Where("email = ?", email).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return n > 0, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "business"
	}
	return s
}

func uniqueSlug(tx *gorm.DB, name string) (string, error) {
	base := slugify(name)
	slug := base
	for i := 0; i < 5; i++ {
		var n int64
		if err := tx.Model(&models.BusinessProfile{}).Where("slug = ?", slug).Count(&n).Error; err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if n == 0 {
			return slug, nil
		}
		slug = base + "-" + uuid.NewString()[:6]
	}
	return "", fmt.Errorf("could not allocate slug for %q", name)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
