package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, officeID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(office_id, actor_id, role) VALUES (?,?,?)`, officeID, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, officeID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE office_id=? AND actor_id=? AND role=?`, officeID, actorID, role)
	return err
}

// SubjectInRole reports whether the actor holds the role in the office.
func (r Repo) SubjectInRole(ctx context.Context, officeID, actorID, role string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE office_id=? AND actor_id=? AND role=? LIMIT 1`,
		officeID, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ActorRoles(ctx context.Context, officeID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE office_id=? AND actor_id=?`, officeID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
