package users

import "errors"

var ErrNotFound = errors.New("user not found")

// UserRepo holds the accounts behind a backend. Lookups that miss return ErrNotFound.
type UserRepo interface {
	Upsert(user *User) error
	GetByEmail(email string) (*User, error)
	GetByPhone(phone string) (*User, error)
	GetByID(id string) (*User, error)
}
