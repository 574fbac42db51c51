package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"skyfleet/internal/models"
)

// ErrUserNotFound indicates no user row for the given username.
var ErrUserNotFound = errors.New("user not found")

// ErrDuplicateUser indicates the username is already registered.
var ErrDuplicateUser = errors.New("username already taken")

// UserRecord is a user row including credential material. Only the auth
// service reads it; API responses use models.User.
type UserRecord struct {
	models.User
	PasswordHash string
	Salt         string
}

// InsertUser persists a new user row.
func (s *Store) InsertUser(username, passwordHash, salt, email string) (*models.User, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, salt, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, passwordHash, salt, nullString(email), now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return nil, ErrDuplicateUser
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &models.User{ID: id, Username: username, Email: email, CreatedAt: now}, nil
}

// GetUserByUsername retrieves a user row with credential material.
func (s *Store) GetUserByUsername(username string) (*UserRecord, error) {
	record := &UserRecord{}
	var email sql.NullString

	err := s.db.QueryRow(
		`SELECT id, username, password_hash, salt, email, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&record.ID, &record.Username, &record.PasswordHash, &record.Salt, &email, &record.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if email.Valid {
		record.Email = email.String
	}
	return record, nil
}
