package repository

import (
	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRepository interface {
	Create(user *model.User) error
	FindByID(id string) (*model.User, error)
	FindByEmail(email string) (*model.User, error)
	Delete(id string) error
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	logger.Debug("Creating user in database", logger.Fields{
		"email": user.Email,
	})

	if err := r.db.Create(user).Error; err != nil {
		logger.Error("Failed to create user in database", err, logger.Fields{
			"email": user.Email,
		})
		return err
	}

	logger.Debug("User created in database", logger.Fields{
		"user_id": user.ID,
		"email":   user.Email,
	})
	return nil
}

func (r *userRepository) FindByID(id string) (*model.User, error) {
	logger.Debug("Finding user by ID in database", logger.Fields{
		"user_id": id,
	})

	var user model.User
	err := r.db.Where("id = ?", id).First(&user).Error
	if err != nil {
		logger.Error("Failed to find user by ID in database", err, logger.Fields{
			"user_id": id,
		})
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) FindByEmail(email string) (*model.User, error) {
	logger.Debug("Finding user by email in database", logger.Fields{
		"email": email,
	})

	var user model.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		logger.Error("Failed to find user by email in database", err, logger.Fields{
			"email": email,
		})
		return nil, err
	}

	logger.Debug("User found by email in database", logger.Fields{
		"user_id": user.ID,
		"email":   user.Email,
	})
	return &user, nil
}

func (r *userRepository) Delete(id string) error {
	logger.Debug("Deleting user from database", logger.Fields{
		"user_id": id,
	})

	if err := r.db.Where("id = ?", id).Delete(&model.User{}).Error; err != nil {
		logger.Error("Failed to delete user from database", err, logger.Fields{
			"user_id": id,
		})
		return err
	}
	return nil
}
