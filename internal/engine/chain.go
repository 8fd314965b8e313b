package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"deedflow/internal/domain"
)

// createFirstTask opens a transaction's chain: a payment-desk task
// already proposing the hand-off to the receiving desk.
func (e Engine) createFirstTask(ctx context.Context, tx *sql.Tx, txn domain.Transaction, actorID string, at time.Time) (domain.Task, error) {
	now := at.UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:             uuid.NewString(),
		TransactionID:  txn.ID,
		CurrentStatus:  domain.StatusPayment,
		NextStatus:     domain.StatusReceived,
		Responsible:    actorID,
		AssignedBy:     actorID,
		CheckInTime:    now,
		EndProcessTime: domain.MaxTime,
		CheckOutTime:   domain.MaxTime,
		Mode:           domain.AssignAutomatic,
		State:          domain.TaskOnDelivery,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// createNext closes cur and appends its successor, which becomes the
// chain's only open task. The successor arrives at cur's proposed next
// status. Delivery hand-offs come pre-addressed to the interested
// party so the counter only has to finish them.
func (e Engine) createNext(ctx context.Context, tx *sql.Tx, cur *domain.Task, responsible, notes string, mode domain.AssignMode, at time.Time) (domain.Task, error) {
	now := at.UTC().Format(time.RFC3339)
	next := domain.Task{
		ID:             uuid.NewString(),
		TransactionID:  cur.TransactionID,
		CurrentStatus:  cur.NextStatus,
		NextStatus:     domain.StatusEndPoint,
		Responsible:    responsible,
		AssignedBy:     cur.Responsible,
		CheckInTime:    now,
		EndProcessTime: domain.MaxTime,
		CheckOutTime:   domain.MaxTime,
		Notes:          notes,
		Mode:           mode,
		State:          domain.TaskPending,
		PrevTaskID:     &cur.ID,
	}
	switch next.CurrentStatus {
	case domain.StatusToDeliver:
		next.NextStatus = domain.StatusDelivered
		next.NextContact = domain.InterestedParty
		next.State = domain.TaskOnDelivery
	case domain.StatusToReturn:
		next.NextStatus = domain.StatusReturned
		next.NextContact = domain.InterestedParty
		next.State = domain.TaskOnDelivery
	}
	if err := e.Repo.InsertTask(ctx, tx, next); err != nil {
		return domain.Task{}, err
	}
	cur.State = domain.TaskClosed
	cur.CheckOutTime = now
	if cur.EndProcessTime == domain.MaxTime || cur.EndProcessTime == "" {
		cur.EndProcessTime = now
	}
	cur.NextTaskID = &next.ID
	if err := e.Repo.UpdateTask(ctx, tx, *cur); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

// closeTask seals t as the chain's terminal record. Calling it on an
// already closed task changes nothing.
func closeTask(t *domain.Task, at time.Time) {
	now := at.UTC().Format(time.RFC3339)
	t.NextStatus = domain.StatusEndPoint
	t.NextContact = domain.InterestedParty
	t.NextTaskID = nil
	t.State = domain.TaskClosed
	if t.EndProcessTime == domain.MaxTime || t.EndProcessTime == "" {
		t.EndProcessTime = now
	}
	if t.CheckOutTime == domain.MaxTime || t.CheckOutTime == "" {
		t.CheckOutTime = now
	}
}

// propose records next as the open task's pending hand-off.
func propose(t *domain.Task, next domain.Status, contact, notes string, at time.Time) {
	t.NextStatus = next
	t.NextContact = contact
	if notes != "" {
		t.Notes = notes
	}
	t.State = domain.TaskOnDelivery
	t.EndProcessTime = at.UTC().Format(time.RFC3339)
}

// unpropose cancels the open task's hand-off, returning it to the
// holder's desk.
func unpropose(t *domain.Task) {
	t.NextStatus = domain.StatusEndPoint
	t.NextContact = ""
	t.State = domain.TaskPending
	t.EndProcessTime = domain.MaxTime
	t.CheckOutTime = domain.MaxTime
}
