package auth

import (
	"context"
	"database/sql"
	"fmt"

	"deedflow/internal/domain"
)

// DeniedError indicates the actor may not invoke a command.
type DeniedError struct {
	Command domain.CommandType
	Actor   string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("command %s denied for %s", e.Command, e.Actor)
}

// Service answers command authorization questions, combining the
// configured role requirements with per-transaction ownership rules.
type Service struct {
	DB *sql.DB
	// Commands maps each command to the role required to invoke it.
	// An empty role admits any authenticated actor; commands absent
	// from the map are denied outright.
	Commands map[domain.CommandType]string
}

func NewService(db *sql.DB, commandRoles map[string]string) Service {
	cmds := make(map[domain.CommandType]string, len(commandRoles))
	for c, r := range commandRoles {
		cmds[domain.CommandType(c)] = r
	}
	return Service{DB: db, Commands: cmds}
}

func (s Service) SubjectInRole(ctx context.Context, officeID, actorID, role string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles
WHERE office_id=? AND actor_id=? AND role=? LIMIT 1`,
		officeID, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Allowed reports whether the actor's roles permit the command at all,
// independent of any particular transaction.
func (s Service) Allowed(ctx context.Context, officeID, actorID string, cmd domain.CommandType) (bool, error) {
	role, ok := s.Commands[cmd]
	if !ok {
		return false, nil
	}
	if role == "" {
		return actorID != "", nil
	}
	return s.SubjectInRole(ctx, officeID, actorID, role)
}

// AllowedOn applies the per-transaction ownership and state rules on
// top of Allowed.
func (s Service) AllowedOn(ctx context.Context, cmd domain.CommandType, txn domain.Transaction, last domain.Task, actorID string) (bool, error) {
	ok, err := s.Allowed(ctx, txn.OfficeID, actorID, cmd)
	if err != nil || !ok {
		return false, err
	}
	switch cmd {
	case domain.CommandTake:
		if last.NextStatus == domain.StatusEndPoint {
			return false, nil
		}
		// Holders may not hand a task to themselves, except to pick a
		// reentered transaction back up.
		if last.Responsible == actorID && last.CurrentStatus != domain.StatusReentry {
			return false, nil
		}
		return true, nil
	case domain.CommandReturnToMe:
		return last.Responsible == actorID && last.NextStatus != domain.StatusEndPoint, nil
	case domain.CommandFinish:
		return txn.Status == domain.StatusToDeliver || txn.Status == domain.StatusToReturn, nil
	case domain.CommandReentry:
		return txn.Status == domain.StatusReturned || txn.Status == domain.StatusDelivered, nil
	case domain.CommandUnarchive:
		return txn.Status == domain.StatusArchived, nil
	case domain.CommandSign:
		return txn.Status == domain.StatusOnSign && !txn.Signed, nil
	case domain.CommandUnsign:
		return txn.Status == domain.StatusOnSign && txn.Signed, nil
	case domain.CommandPullToControlDesk:
		return !txn.Status.Terminal() && txn.Status != domain.StatusControl && txn.Status != domain.StatusPayment, nil
	case domain.CommandSetNextStatus, domain.CommandAssignTo:
		return !txn.Status.Terminal(), nil
	case domain.CommandDelete:
		switch txn.Status {
		case domain.StatusPayment, domain.StatusReceived, domain.StatusControl:
			return true, nil
		}
		return false, nil
	}
	return true, nil
}
