package model

import "time"

type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`  // UUID, also the invoice owner key
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`      // login
	PasswordHash string    `gorm:"not null" json:"-"`                      // bcrypt
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
