package models

import "time"

// User is an operator account for the dashboard/API. Agent identities live in
// Agent; this table only backs jwt sessions for humans.
type User struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	PasswordHash string    `gorm:"size:128;not null" json:"-"`
	Role         string    `gorm:"size:32;not null;default:'operator'" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
