package users

import (
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// RoleType is the dashboard a user signs into
type RoleType string

const (
	RoleConsumer RoleType = "consumer" // Books services
	RoleProvider RoleType = "provider" // Offers services and manages bookings
	RoleAdmin    RoleType = "admin"    // Platform administration
)

func (r RoleType) Valid() bool {
	switch r {
	case RoleConsumer, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// User is the profile record held in a session and persisted alongside its tokens.
type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Phone  string   `json:"phone,omitempty"`
	Role   RoleType `json:"role"`
	Avatar string   `json:"avatar,omitempty"`
	About  string   `json:"about,omitempty"`
}

// Patch carries the profile fields to change; nil fields are left as they are.
type Patch struct {
	Name   *string   `json:"name,omitempty"`
	Email  *string   `json:"email,omitempty"`
	Phone  *string   `json:"phone,omitempty"`
	Role   *RoleType `json:"role,omitempty"`
	Avatar *string   `json:"avatar,omitempty"`
	About  *string   `json:"about,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Email == nil && p.Phone == nil && p.Role == nil && p.Avatar == nil && p.About == nil
}

// Apply returns a copy of u with the patch applied. The ID is never changed.
func (p Patch) Apply(u User) User {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.Avatar != nil {
		u.Avatar = *p.Avatar
	}
	if p.About != nil {
		u.About = *p.About
	}
	return u
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		} else if unicode.IsLower(char) {
			hasLower = true
		} else if unicode.IsDigit(char) {
			hasNumber = true
		}
	}

	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}

	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
