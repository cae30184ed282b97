// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36

	DefaultUsername = "guest"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// User is the display identity a player attaches to its calls.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	u.Username = username
	return nil
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return "", ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return username, nil
}
