package users

import (
	"strings"
	"time"
)

// Role distinguishes customers from support staff.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole maps a free-form role string to a known Role, defaulting to RoleUser.
func ParseRole(value string) Role {
	if strings.EqualFold(strings.TrimSpace(value), string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleUser
}

// User is the locally mirrored record of a principal seen through session tokens.
type User struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	Email      string    `gorm:"column:email;size:320"`
	Role       Role      `gorm:"column:role;size:16;not null;default:user;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID int64
	Email  string
	Role   Role
}

// IsAdmin reports whether the principal is support staff.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
