package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deedflow/internal/config"
	"deedflow/internal/domain"
	"deedflow/internal/engine/auth"
	"deedflow/internal/events"
	"deedflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Model  *Model
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.NewService(db, cfg.Commands.Roles),
		Model:  model,
		Config: cfg,
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) load(ctx context.Context, transactionID string) (domain.Transaction, domain.Task, error) {
	txn, err := e.Repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, domain.Task{}, err
	}
	last, err := e.Repo.LastTask(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, domain.Task{}, err
	}
	return txn, last, nil
}

func (e Engine) authorize(ctx context.Context, cmd domain.CommandType, txn domain.Transaction, last domain.Task, actorID string) error {
	ok, err := e.Auth.AllowedOn(ctx, cmd, txn, last, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return auth.DeniedError{Command: cmd, Actor: actorID}
	}
	return nil
}

// InitOffice registers an office with migrations already run.
func (e Engine) InitOffice(ctx context.Context, officeID, name, actorID string) (domain.Office, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Office{}, err
	}
	defer tx.Rollback()

	o := domain.Office{
		ID:        officeID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertOffice(ctx, tx, o); err != nil {
		return domain.Office{}, fmt.Errorf("insert office: %w", err)
	}
	cfg := e.Config
	if cfg == nil || cfg.Office.ID != officeID {
		cfg = config.Default(officeID)
	}
	if err := e.Repo.UpsertOfficeConfigTx(ctx, tx, officeID, cfg); err != nil {
		return domain.Office{}, fmt.Errorf("insert office config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "office.init", o.ID, "office", o.ID, actorID, events.EventPayload{"name": o.Name}); err != nil {
		return domain.Office{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Office{}, err
	}
	return o, nil
}

// GrantRole gives an actor a role within an office.
func (e Engine) GrantRole(ctx context.Context, officeID, actorID, role, grantedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, ts); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, officeID, actorID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", officeID, "actor", actorID, grantedBy, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes an actor's role within an office.
func (e Engine) RevokeRole(ctx context.Context, officeID, actorID, role, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, officeID, actorID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", officeID, "actor", actorID, revokedBy, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// OpenOptions are parameters for opening a transaction.
type OpenOptions struct {
	ID                 string
	OfficeID           string
	Kind               domain.ResourceKind
	CertificateIssue   bool
	ElaborationOnly    bool
	Archivable         bool
	DeliveryMessageUID string
	ActorID            string
}

// OpenTransaction registers a filing at the payment desk and starts
// its task chain.
func (e Engine) OpenTransaction(ctx context.Context, opts OpenOptions) (domain.Transaction, error) {
	if !opts.Kind.Valid() {
		return domain.Transaction{}, fmt.Errorf("unknown resource kind %q", opts.Kind)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	txn := domain.Transaction{
		ID:                 id,
		OfficeID:           opts.OfficeID,
		Kind:               opts.Kind,
		Status:             domain.StatusPayment,
		CertificateIssue:   opts.CertificateIssue,
		ElaborationOnly:    opts.ElaborationOnly,
		Archivable:         opts.Archivable,
		DeliveryMessageUID: opts.DeliveryMessageUID,
		CreatedAt:          ts,
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, ts); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if _, err := e.createFirstTask(ctx, tx, txn, opts.ActorID, now); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "transaction.created", txn.OfficeID, "transaction", txn.ID, opts.ActorID, events.EventPayload{
		"kind": string(txn.Kind),
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// nextAfterReceive picks the desk a freshly received filing routes to.
func (e Engine) nextAfterReceive(txn domain.Transaction) domain.Status {
	switch {
	case e.Model.ElaborationOffice(txn.OfficeID):
		return domain.StatusElaboration
	case txn.CertificateIssue:
		return domain.StatusJuridic
	default:
		return domain.StatusControl
	}
}

// Receive checks a paid filing in at the receiving desk: it assigns
// the yearly control number, stamps the presentation time and routes
// the transaction toward its first processing desk.
func (e Engine) Receive(ctx context.Context, transactionID, notes, actorID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if txn.Status != domain.StatusPayment {
		return domain.Transaction{}, PreconditionError{Op: "receive", Reason: "transaction already received"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, ts); err != nil {
		return domain.Transaction{}, err
	}
	cn, err := e.Repo.NextControlNumber(ctx, tx, txn.OfficeID, now.UTC().Year())
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("control number: %w", err)
	}
	cur, err := e.createNext(ctx, tx, &last, actorID, notes, domain.AssignAutomatic, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	propose(&cur, e.nextAfterReceive(txn), "", "", now)
	if err := e.Repo.UpdateTask(ctx, tx, cur); err != nil {
		return domain.Transaction{}, err
	}
	txn.Status = domain.StatusReceived
	txn.ControlNumber = cn
	txn.PresentedAt = ts
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TransactionReceived, txn.OfficeID, "transaction", txn.ID, actorID, events.EventPayload{
		"control_number": cn,
		"next_status":    string(cur.NextStatus),
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// TakeOptions are parameters for taking a transaction.
type TakeOptions struct {
	// Responsible overrides the taker as the new holder.
	Responsible string
	Notes       string
	// At overrides the check-in time, for recording work done earlier.
	At time.Time
}

// Take advances the transaction to the open task's proposed next
// status and puts it on the taker's desk. Arrival at a delivery or
// archival status stamps the transaction's closing time.
func (e Engine) Take(ctx context.Context, transactionID, actorID string, opts TakeOptions) (domain.Task, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.authorize(ctx, domain.CommandTake, txn, last, actorID); err != nil {
		return domain.Task{}, err
	}
	next := last.NextStatus
	if !next.Terminal() && !e.Model.Allows(txn, last.CurrentStatus, next) {
		return domain.Task{}, TransitionError{From: last.CurrentStatus, To: next}
	}
	// Arriving at delivered or returned is a closure, not a hand-off:
	// the chain must end sealed, never with an open task at a terminal
	// status.
	if next == domain.StatusDelivered || next == domain.StatusReturned {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Task{}, err
		}
		defer tx.Rollback()
		final, err := e.closeOut(ctx, tx, &txn, &last, next, actorID, opts.Notes)
		if err != nil {
			return domain.Task{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Task{}, err
		}
		return final, nil
	}
	responsible := actorID
	mode := domain.AssignAutomatic
	if opts.Responsible != "" && opts.Responsible != actorID {
		responsible = opts.Responsible
		mode = domain.AssignManual
	}
	at := e.now()
	if !opts.At.IsZero() {
		at = opts.At
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	ts := at.UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, ts); err != nil {
		return domain.Task{}, err
	}
	cur, err := e.createNext(ctx, tx, &last, responsible, opts.Notes, mode, at)
	if err != nil {
		return domain.Task{}, err
	}
	txn.Status = cur.CurrentStatus
	switch cur.CurrentStatus {
	case domain.StatusToDeliver:
		txn.ClosedAt = ts
		if err := e.Events.Append(ctx, tx, events.TransactionReadyToDelivery, txn.OfficeID, "transaction", txn.ID, actorID, nil); err != nil {
			return domain.Task{}, err
		}
	case domain.StatusToReturn:
		txn.ClosedAt = ts
		if err := e.Events.Append(ctx, tx, events.TransactionReturned, txn.OfficeID, "transaction", txn.ID, actorID, nil); err != nil {
			return domain.Task{}, err
		}
	case domain.StatusArchived:
		closeTask(&cur, at)
		if err := e.Repo.UpdateTask(ctx, tx, cur); err != nil {
			return domain.Task{}, err
		}
		txn.ClosedAt = ts
		if err := e.Events.Append(ctx, tx, events.TransactionArchived, txn.OfficeID, "transaction", txn.ID, actorID, nil); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.taken", txn.OfficeID, "task", cur.ID, actorID, events.EventPayload{
		"transaction_id": txn.ID,
		"status":         string(cur.CurrentStatus),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return cur, nil
}

// SetNextStatus proposes where the open task hands off next. Proposing
// delivered, returned or archived closes the transaction outright; any
// other target must be reachable under the office's workflow model.
func (e Engine) SetNextStatus(ctx context.Context, transactionID, actorID string, next domain.Status, contact, notes string) (domain.Task, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.authorize(ctx, domain.CommandSetNextStatus, txn, last, actorID); err != nil {
		return domain.Task{}, err
	}
	if next == domain.StatusDelivered || next == domain.StatusReturned || next == domain.StatusArchived {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Task{}, err
		}
		defer tx.Rollback()
		final, err := e.closeOut(ctx, tx, &txn, &last, next, actorID, notes)
		if err != nil {
			return domain.Task{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Task{}, err
		}
		return final, nil
	}
	if !e.Model.Allows(txn, last.CurrentStatus, next) {
		return domain.Task{}, TransitionError{From: last.CurrentStatus, To: next}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	propose(&last, next, contact, notes, e.now())
	if err := e.Repo.UpdateTask(ctx, tx, last); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.proposed", txn.OfficeID, "task", last.ID, actorID, events.EventPayload{
		"transaction_id": txn.ID,
		"next_status":    string(next),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return last, nil
}

// ReturnToMe cancels the open task's proposed hand-off, keeping the
// transaction on the holder's desk.
func (e Engine) ReturnToMe(ctx context.Context, transactionID, actorID string) (domain.Task, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.authorize(ctx, domain.CommandReturnToMe, txn, last, actorID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	unpropose(&last)
	if err := e.Repo.UpdateTask(ctx, tx, last); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.pending", txn.OfficeID, "task", last.ID, actorID, events.EventPayload{
		"transaction_id": txn.ID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return last, nil
}

// nextAfterReentry picks the desk a reopened filing routes to.
func (e Engine) nextAfterReentry(txn domain.Transaction) domain.Status {
	if txn.Signed {
		return domain.StatusOnSign
	}
	return domain.StatusRecording
}

// Reentry reopens a delivered or returned transaction: the sealed
// chain grows a reentry task proposing the desk the filing resumes at.
func (e Engine) Reentry(ctx context.Context, transactionID, notes, actorID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.authorize(ctx, domain.CommandReentry, txn, last, actorID); err != nil {
		return domain.Transaction{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	now := e.now()
	last.NextStatus = domain.StatusReentry
	cur, err := e.createNext(ctx, tx, &last, actorID, notes, domain.AssignAutomatic, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	propose(&cur, e.nextAfterReentry(txn), "", "", now)
	if err := e.Repo.UpdateTask(ctx, tx, cur); err != nil {
		return domain.Transaction{}, err
	}
	txn.Status = domain.StatusReentry
	txn.ClosedAt = ""
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TransactionReentered, txn.OfficeID, "transaction", txn.ID, actorID, events.EventPayload{
		"next_status": string(cur.NextStatus),
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// PullToControlDesk lets a control clerk yank an in-flight transaction
// onto their own desk, regardless of where it currently sits.
func (e Engine) PullToControlDesk(ctx context.Context, transactionID, actorID, notes string) (domain.Task, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.authorize(ctx, domain.CommandPullToControlDesk, txn, last, actorID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, ts); err != nil {
		return domain.Task{}, err
	}
	propose(&last, domain.StatusControl, actorID, notes, now)
	cur, err := e.createNext(ctx, tx, &last, actorID, notes, domain.AssignManual, now)
	if err != nil {
		return domain.Task{}, err
	}
	txn.Status = domain.StatusControl
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.pulled", txn.OfficeID, "task", cur.ID, actorID, events.EventPayload{
		"transaction_id": txn.ID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return cur, nil
}

// Finish hands a waiting filing over the counter: to_deliver closes as
// delivered and to_return closes as returned, credited to the clerk.
func (e Engine) Finish(ctx context.Context, transactionID, notes, actorID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.authorize(ctx, domain.CommandFinish, txn, last, actorID); err != nil {
		return domain.Transaction{}, err
	}
	terminal := domain.StatusDelivered
	if txn.Status == domain.StatusToReturn {
		terminal = domain.StatusReturned
	}
	return e.close(ctx, &txn, &last, terminal, actorID, notes)
}

// DeliverElectronicallyToAgency closes a waiting filing picked up
// through the inter-agency channel. The closure is credited to the
// interested party, not an operator.
func (e Engine) DeliverElectronicallyToAgency(ctx context.Context, transactionID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if txn.Status != domain.StatusToDeliver && txn.Status != domain.StatusToReturn {
		return domain.Transaction{}, PreconditionError{Op: "deliver", Reason: "transaction is not awaiting delivery"}
	}
	terminal := domain.StatusDelivered
	if txn.Status == domain.StatusToReturn {
		terminal = domain.StatusReturned
	}
	return e.close(ctx, &txn, &last, terminal, domain.InterestedParty, "")
}

// DeliverElectronicallyToRequester closes a waiting filing fetched by
// the requester, authenticated by the delivery message UID issued to
// them at filing time.
func (e Engine) DeliverElectronicallyToRequester(ctx context.Context, transactionID, messageUID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if txn.Status != domain.StatusToDeliver {
		return domain.Transaction{}, PreconditionError{Op: "deliver", Reason: "transaction is not awaiting delivery"}
	}
	if messageUID == "" || txn.DeliveryMessageUID != messageUID {
		return domain.Transaction{}, PreconditionError{Op: "deliver", Reason: "delivery message uid mismatch"}
	}
	return e.close(ctx, &txn, &last, domain.StatusDelivered, domain.InterestedParty, "")
}

// Delete withdraws a filing that has not progressed past the control
// desk. The chain is sealed with an audit note naming who withdrew it.
func (e Engine) Delete(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	switch txn.Status {
	case domain.StatusPayment, domain.StatusReceived, domain.StatusControl:
	default:
		return domain.Transaction{}, PreconditionError{Op: "delete", Reason: "transaction is past the control desk"}
	}
	if err := e.authorize(ctx, domain.CommandDelete, txn, last, actorID); err != nil {
		return domain.Transaction{}, err
	}
	ts := e.now().UTC().Format(time.RFC3339)
	note := fmt.Sprintf("deleted by %s at %s", actorID, ts)
	return e.close(ctx, &txn, &last, domain.StatusDeleted, actorID, note)
}

// Sign marks the transaction's certificate as signed.
func (e Engine) Sign(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	return e.setSigned(ctx, transactionID, actorID, domain.CommandSign, true)
}

// Unsign withdraws the signature.
func (e Engine) Unsign(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	return e.setSigned(ctx, transactionID, actorID, domain.CommandUnsign, false)
}

func (e Engine) setSigned(ctx context.Context, transactionID, actorID string, cmd domain.CommandType, signed bool) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.authorize(ctx, cmd, txn, last, actorID); err != nil {
		return domain.Transaction{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	txn.Signed = signed
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "transaction."+string(cmd)+"ed", txn.OfficeID, "transaction", txn.ID, actorID, nil); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// Unarchive reopens an archived transaction at the signing desk, or at
// digitalization when the certificate is already signed.
func (e Engine) Unarchive(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.authorize(ctx, domain.CommandUnarchive, txn, last, actorID); err != nil {
		return domain.Transaction{}, err
	}
	reopen := domain.StatusOnSign
	if txn.Signed {
		reopen = domain.StatusDigitalization
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	now := e.now()
	last.NextStatus = reopen
	cur, err := e.createNext(ctx, tx, &last, actorID, "", domain.AssignAutomatic, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn.Status = cur.CurrentStatus
	txn.ClosedAt = ""
	if err := e.Repo.UpdateTransaction(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "transaction.unarchived", txn.OfficeID, "transaction", txn.ID, actorID, events.EventPayload{
		"status": string(txn.Status),
	}); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// AssignTo reassigns the open task to another holder.
func (e Engine) AssignTo(ctx context.Context, transactionID, actorID, responsible string) (domain.Task, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.authorize(ctx, domain.CommandAssignTo, txn, last, actorID); err != nil {
		return domain.Task{}, err
	}
	if !last.Open() {
		return domain.Task{}, PreconditionError{Op: "assign", Reason: "no open task"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, responsible, ts); err != nil {
		return domain.Task{}, err
	}
	last.Responsible = responsible
	last.AssignedBy = actorID
	last.Mode = domain.AssignManual
	if err := e.Repo.UpdateTask(ctx, tx, last); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", txn.OfficeID, "task", last.ID, actorID, events.EventPayload{
		"transaction_id": txn.ID,
		"responsible":    responsible,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return last, nil
}

// NextStatuses returns the statuses the transaction may hand off to
// from its current position, in rule-table order.
func (e Engine) NextStatuses(ctx context.Context, transactionID string) ([]domain.Status, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return e.Model.NextStatuses(txn, last.CurrentStatus), nil
}

// close runs closeOut in its own SQL transaction.
func (e Engine) close(ctx context.Context, txn *domain.Transaction, last *domain.Task, terminal domain.Status, actorID, notes string) (domain.Transaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()
	if _, err := e.closeOut(ctx, tx, txn, last, terminal, actorID, notes); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return *txn, nil
}

// closeOut drives the chain to a terminal status: the open task hands
// off to it, a final task arrives there and is sealed, and the
// transaction records its closing time.
func (e Engine) closeOut(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, last *domain.Task, terminal domain.Status, actorID, notes string) (domain.Task, error) {
	now := e.now()
	from := last.CurrentStatus
	last.NextStatus = terminal
	final, err := e.createNext(ctx, tx, last, actorID, notes, domain.AssignAutomatic, now)
	if err != nil {
		return domain.Task{}, err
	}
	closeTask(&final, now)
	if terminal == domain.StatusDeleted {
		final.State = domain.TaskDeleted
	}
	if err := e.Repo.UpdateTask(ctx, tx, final); err != nil {
		return domain.Task{}, err
	}
	txn.Status = terminal
	txn.ClosedAt = now.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTransaction(ctx, tx, *txn); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "transaction.closed", txn.OfficeID, "transaction", txn.ID, actorID, events.EventPayload{
		"status": string(terminal),
	}); err != nil {
		return domain.Task{}, err
	}
	switch terminal {
	case domain.StatusReturned:
		// the return notification already went out when the filing
		// reached the return counter
		if from != domain.StatusToReturn {
			if err := e.Events.Append(ctx, tx, events.TransactionReturned, txn.OfficeID, "transaction", txn.ID, actorID, nil); err != nil {
				return domain.Task{}, err
			}
		}
	case domain.StatusArchived:
		if err := e.Events.Append(ctx, tx, events.TransactionArchived, txn.OfficeID, "transaction", txn.ID, actorID, nil); err != nil {
			return domain.Task{}, err
		}
	}
	return final, nil
}
