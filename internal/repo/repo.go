package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deedflow/internal/config"
	"deedflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOffice(ctx context.Context, tx *sql.Tx, o domain.Office) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO offices(id,name,created_at) VALUES (?,?,?)`,
		o.ID, nullable(o.Name), o.CreatedAt)
	return err
}

func (r Repo) GetOffice(ctx context.Context, id string) (domain.Office, error) {
	var o domain.Office
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM offices WHERE id=?`, id).
		Scan(&o.ID, &name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if name.Valid {
		o.Name = name.String
	}
	return o, err
}

func (r Repo) ListOffices(ctx context.Context) ([]domain.Office, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM offices ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Office
	for rows.Next() {
		var o domain.Office
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// SingleOffice returns the office iff exactly one exists.
func (r Repo) SingleOffice(ctx context.Context) (domain.Office, error) {
	offices, err := r.ListOffices(ctx)
	if err != nil {
		return domain.Office{}, err
	}
	if len(offices) != 1 {
		return domain.Office{}, ErrNotFound
	}
	return offices[0], nil
}

func (r Repo) UpsertOfficeConfig(ctx context.Context, officeID string, cfg *config.Config) error {
	return upsertOfficeConfig(ctx, r.DB, nil, officeID, cfg)
}

func (r Repo) UpsertOfficeConfigTx(ctx context.Context, tx *sql.Tx, officeID string, cfg *config.Config) error {
	return upsertOfficeConfig(ctx, nil, tx, officeID, cfg)
}

func upsertOfficeConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, officeID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Office.ID = officeID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO office_configs(office_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(office_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, officeID, string(payload), now, now)
	return err
}

func (r Repo) GetOfficeConfig(ctx context.Context, officeID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM office_configs WHERE office_id=?`, officeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Office.ID == "" {
		cfg.Office.ID = officeID
	}
	return &cfg, cfg.Validate()
}

const transactionColumns = `id,office_id,COALESCE(control_number,''),kind,status,certificate_issue,elaboration_only,archivable,signed,COALESCE(delivery_message_uid,''),COALESCE(presented_at,''),COALESCE(closed_at,''),created_at`

func scanTransaction(scan func(dest ...any) error) (domain.Transaction, error) {
	var t domain.Transaction
	var kind, status string
	err := scan(&t.ID, &t.OfficeID, &t.ControlNumber, &kind, &status,
		&t.CertificateIssue, &t.ElaborationOnly, &t.Archivable, &t.Signed,
		&t.DeliveryMessageUID, &t.PresentedAt, &t.ClosedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Kind = domain.ResourceKind(kind)
	t.Status, err = domain.StatusFromCode(status)
	return t, err
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,office_id,control_number,kind,status,certificate_issue,elaboration_only,archivable,signed,delivery_message_uid,presented_at,closed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OfficeID, nullable(t.ControlNumber), string(t.Kind), t.Status.Code(),
		t.CertificateIssue, t.ElaborationOnly, t.Archivable, t.Signed,
		nullable(t.DeliveryMessageUID), nullable(t.PresentedAt), nullable(t.ClosedAt), t.CreatedAt)
	return err
}

func (r Repo) UpdateTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `UPDATE transactions SET control_number=?, status=?, certificate_issue=?, elaboration_only=?, archivable=?, signed=?, delivery_message_uid=?, presented_at=?, closed_at=? WHERE id=?`,
		nullable(t.ControlNumber), t.Status.Code(), t.CertificateIssue, t.ElaborationOnly, t.Archivable, t.Signed,
		nullable(t.DeliveryMessageUID), nullable(t.PresentedAt), nullable(t.ClosedAt), t.ID)
	return err
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id)
	return scanTransaction(row.Scan)
}

func (r Repo) GetTransactionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Transaction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id)
	return scanTransaction(row.Scan)
}

type TransactionFilters struct {
	OfficeID    string
	Status      domain.Status
	Responsible string
	Limit       int
}

func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.Transaction, error) {
	var clauses []string
	var args []any
	if f.OfficeID != "" {
		clauses = append(clauses, "office_id=?")
		args = append(args, f.OfficeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status.Code())
	}
	if f.Responsible != "" {
		clauses = append(clauses, `id IN (
			SELECT transaction_id FROM tasks WHERE responsible=? AND state NOT IN ('closed','deleted','historic')
		)`)
		args = append(args, f.Responsible)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextControlNumber allocates the next sequential control number for an
// office within the given year. Callers run it inside the same SQL
// transaction as the update that stores the number.
func (r Repo) NextControlNumber(ctx context.Context, tx *sql.Tx, officeID string, year int) (string, error) {
	prefix := fmt.Sprintf("%s-%d-", officeID, year)
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE office_id=? AND control_number LIKE ?`,
		officeID, prefix+"%").Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%06d", prefix, count+1), nil
}

const taskColumns = `id,transaction_id,current_status,next_status,responsible,assigned_by,COALESCE(next_contact,''),check_in_time,end_process_time,check_out_time,COALESCE(notes,''),mode,state,prev_task_id,next_task_id`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var current, next, mode, state string
	var prev, nextTask sql.NullString
	err := scan(&t.ID, &t.TransactionID, &current, &next, &t.Responsible, &t.AssignedBy,
		&t.NextContact, &t.CheckInTime, &t.EndProcessTime, &t.CheckOutTime, &t.Notes,
		&mode, &state, &prev, &nextTask)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.CurrentStatus, err = domain.StatusFromCode(current); err != nil {
		return t, err
	}
	if t.NextStatus, err = domain.StatusFromCode(next); err != nil {
		return t, err
	}
	t.Mode = domain.AssignMode(mode)
	t.State = domain.TaskState(state)
	if prev.Valid {
		t.PrevTaskID = &prev.String
	}
	if nextTask.Valid {
		t.NextTaskID = &nextTask.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,transaction_id,current_status,next_status,responsible,assigned_by,next_contact,check_in_time,end_process_time,check_out_time,notes,mode,state,prev_task_id,next_task_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TransactionID, t.CurrentStatus.Code(), t.NextStatus.Code(), t.Responsible, t.AssignedBy,
		nullable(t.NextContact), t.CheckInTime, t.EndProcessTime, t.CheckOutTime, nullable(t.Notes),
		string(t.Mode), string(t.State), nullableStringPtr(t.PrevTaskID), nullableStringPtr(t.NextTaskID))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET current_status=?, next_status=?, responsible=?, assigned_by=?, next_contact=?, check_in_time=?, end_process_time=?, check_out_time=?, notes=?, mode=?, state=?, prev_task_id=?, next_task_id=? WHERE id=?`,
		t.CurrentStatus.Code(), t.NextStatus.Code(), t.Responsible, t.AssignedBy, nullable(t.NextContact),
		t.CheckInTime, t.EndProcessTime, t.CheckOutTime, nullable(t.Notes),
		string(t.Mode), string(t.State), nullableStringPtr(t.PrevTaskID), nullableStringPtr(t.NextTaskID), t.ID)
	return err
}

// LastTask returns the most recent task record for a transaction.
func (r Repo) LastTask(ctx context.Context, transactionID string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE transaction_id=? ORDER BY check_in_time DESC, rowid DESC LIMIT 1`, transactionID)
	return scanTask(row.Scan)
}

func (r Repo) LastTaskTx(ctx context.Context, tx *sql.Tx, transactionID string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE transaction_id=? ORDER BY check_in_time DESC, rowid DESC LIMIT 1`, transactionID)
	return scanTask(row.Scan)
}

// TaskChain returns all task records for a transaction ordered by
// check-in time, oldest first.
func (r Repo) TaskChain(ctx context.Context, transactionID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE transaction_id=? ORDER BY check_in_time ASC, rowid ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, officeID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if officeID != "" {
		clauses = append(clauses, "office_id=?")
		args = append(args, officeID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(office_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OfficeID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, officeID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if officeID != "" {
		clauses = append(clauses, "office_id=?")
		args = append(args, officeID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(office_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OfficeID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for an office.
func (r Repo) LatestEventID(ctx context.Context, officeID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE office_id=?`, officeID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
