package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves notification recipients from the users table.
type Directory interface {
	Approvers(ctx context.Context, locationID int64) ([]Recipient, error)
	User(ctx context.Context, userID int64) (Recipient, error)
}

// ErrUnknownUser is returned when a user id has no active account.
var ErrUnknownUser = errors.New("notify: unknown user")

// PGDirectory implements Directory on Postgres.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewDirectory constructs a PGDirectory.
func NewDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// Approvers returns active supervisors assigned to the location plus every
// active admin.
func (d *PGDirectory) Approvers(ctx context.Context, locationID int64) ([]Recipient, error) {
	rows, err := d.pool.Query(ctx, `SELECT DISTINCT u.id, u.name, u.email
FROM users u
LEFT JOIN user_locations ul ON ul.user_id = u.id
WHERE u.active
  AND (u.role = 'ADMIN' OR (u.role = 'SUPERVISOR' AND ul.location_id = $1))
ORDER BY u.id`, locationID)
	if err != nil {
		return nil, fmt.Errorf("notify: query approvers: %w", err)
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.UserID, &r.Name, &r.Email); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// User returns a single active user.
func (d *PGDirectory) User(ctx context.Context, userID int64) (Recipient, error) {
	var r Recipient
	err := d.pool.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id=$1 AND active`, userID).Scan(&r.UserID, &r.Name, &r.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Recipient{}, ErrUnknownUser
		}
		return Recipient{}, err
	}
	return r, nil
}
