package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for principal resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims into principals and mirrors them locally.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the principal directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolvePrincipal returns the principal for the provided session claims.
// The user row is created on first sight and refreshed when email or role change.
func (s *Service) ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (Principal, error) {
	userID, err := strconv.ParseInt(normalize(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, ErrInvalidIdentity
	}
	principal := Principal{
		UserID: userID,
		Email:  normalize(claims.UserEmail),
		Role:   RoleUser,
	}
	if claims.HasRole(string(RoleAdmin)) {
		principal.Role = RoleAdmin
	}

	if cached, ok := s.cache.Load(userID); ok {
		if cachedPrincipal, ok := cached.(Principal); ok && cachedPrincipal == principal {
			return principal, nil
		}
	}

	var user User
	err = s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{
			ID:         userID,
			Email:      principal.Email,
			Role:       principal.Role,
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return Principal{}, err
		}
	case err != nil:
		return Principal{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if principal.Email != "" && principal.Email != user.Email {
			updates["email"] = principal.Email
		}
		if principal.Role != user.Role {
			updates["role"] = principal.Role
		}
		if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			return Principal{}, err
		}
	}

	s.cache.Store(userID, principal)
	return principal, nil
}

// AdminIDs lists every known support staff user id in ascending order.
func (s *Service) AdminIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("role = ?", RoleAdmin).
		Order("id ASC").
		Pluck("id", &ids).
		Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
