package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User.CreditBalance is written only by AwardCredits and DebitCredits.
type User struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Username      string      `gorm:"size:100;not null;unique" json:"username"`
	Name          string      `gorm:"size:100;not null" json:"name"`
	Email         *string     `gorm:"size:100;unique" json:"email"`
	Role          UserRole    `gorm:"size:10;not null;default:citizen" json:"role"`
	Department    *Department `gorm:"size:50" json:"department"`
	Area          string      `gorm:"size:100" json:"area"`
	CreditBalance int         `gorm:"not null;default:0;check:credit_balance >= 0" json:"credit_balance"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username   string      `json:"username" validate:"required,max=100"`
	Name       string      `json:"name" validate:"required,max=100"`
	Email      string      `json:"email" validate:"omitempty,email"`
	Role       UserRole    `json:"role" validate:"required,oneof=citizen admin"`
	Department *Department `json:"department"`
	Area       string      `json:"area" validate:"max=100"`
}

func (input *NewUser) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	// admins must belong to a department, citizens must not
	if input.Role == UserRoleAdmin && (input.Department == nil || !input.Department.IsValid()) {
		return errors.New("department must be set for admin users")
	}
	if input.Role == UserRoleCitizen && input.Department != nil {
		return errors.New("citizens should not have a department assigned")
	}
	return nil
}

func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	user := User{
		Username:   strings.TrimSpace(input.Username),
		Name:       input.Name,
		Role:       input.Role,
		Department: input.Department,
		Area:       input.Area,
	}
	if input.Email != "" {
		user.Email = &input.Email
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUser(ctx context.Context, id int) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdateUserProfile never touches credit_balance.
func UpdateUserProfile(ctx context.Context, id int, name string, area string) (*User, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Select("name", "area").
		Updates(map[string]interface{}{"name": name, "area": area})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	return GetUser(ctx, id)
}

/*
caches:
	Token:$token -> username
	Tokens:$username (set of live tokens)
*/

// StartSession stores a fresh token for username. Login itself happens upstream.
func StartSession(ctx context.Context, username string, ttl time.Duration) (string, error) {
	if _, err := GetUserByUsername(ctx, username); err != nil {
		return "", err
	}
	token := uuid.New().String()
	if err := config.SetRedisValue("Token:"+token, username, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// EndSession destroys the current session token.
func EndSession(ctx context.Context) error {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return errors.New("token is required")
	}
	return config.RemoveRedisKey("Token:" + fmt.Sprint(token))
}
