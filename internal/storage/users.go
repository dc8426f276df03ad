package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID            uuid.UUID
	Email         string
	PasswordHash  string
	PreferredFiat string
}

func (s *Store) GetUser(ctx context.Context, userID uuid.UUID) (User, error) {
	var user User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, COALESCE(preferred_fiat, 'USD')
		FROM users
		WHERE id = $1
	`, userID)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.PreferredFiat); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return User{}, err
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, COALESCE(preferred_fiat, 'USD')
		FROM users
		WHERE email = $1
	`, email)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.PreferredFiat); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		return User{}, err
	}
	return user, nil
}
