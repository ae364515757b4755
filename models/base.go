package models

import "gorm.io/gorm"

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Paginate is a gorm scope for page/limit list endpoints. Pages are 1-based.
func Paginate(page int, limit int) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if page <= 0 {
			page = 1
		}
		if limit <= 0 {
			limit = DefaultPageLimit
		}
		if limit > MaxPageLimit {
			limit = MaxPageLimit
		}
		return db.Offset((page - 1) * limit).Limit(limit)
	}
}
