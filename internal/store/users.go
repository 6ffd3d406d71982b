package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/CZERTAINLY/Conan/internal/model"
)

// UserByName returns the user or model.ErrNotFound.
func (s *Store) UserByName(ctx context.Context, name string) (model.User, error) {
	var (
		u          model.User
		permission string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, first_name, last_name, email, permission FROM users WHERE name=?`, name,
	)
	err := row.Scan(&u.ID, &u.Name, &u.FirstName, &u.LastName, &u.Email, &permission)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.User{}, fmt.Errorf("user %q: %w", name, model.ErrNotFound)
	case err != nil:
		return model.User{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	u.Permission = parsePermission(permission)
	return u, nil
}

// CreateUser stores a new user and returns it with its id set.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE name=?`, u.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Name)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (name, first_name, last_name, email, permission) VALUES (?,?,?,?,?)`,
			u.Name, u.FirstName, u.LastName, u.Email, u.Permission.String(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		u.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

// UpdateEmail changes the notification address of a user.
func (s *Store) UpdateEmail(ctx context.Context, name, email string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET email=? WHERE name=?`, email, name)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("user %q: %w", name, model.ErrNotFound)
	}
	return nil
}

// SyncUsers creates the configured users which do not exist yet and
// updates the permission and email of the others.
func (s *Store) SyncUsers(ctx context.Context, entries []model.UserEntry) error {
	for _, e := range entries {
		perm, err := model.ParsePermission(e.Permission)
		if err != nil {
			return fmt.Errorf("user %q: %w", e.Name, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users (name, email, permission) VALUES (?,?,?)
			ON CONFLICT(name) DO UPDATE SET email = excluded.email, permission = excluded.permission`,
			e.Name, e.Email, perm.String(),
		)
		if err != nil {
			return fmt.Errorf("executing sql upsert failed: %w", err)
		}
	}
	return nil
}
