package users

import (
	"strings"
	"time"
)

// User is a registered account. Only the block-list and credential fields are read by the engine.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	IsAdmin      bool      `gorm:"column:is_admin;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Block records that UserID refuses interaction with BlockedUserID.
type Block struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	BlockedUserID string    `gorm:"column:blocked_user_id;primaryKey;size:190;not null;index"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing block-lists.
func (Block) TableName() string {
	return "user_blocks"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
