package engine

import (
	"context"

	"deedflow/internal/domain"
)

// ApplicableCommands returns the commands the actor can invoke on the
// transaction right now, in canonical order.
func (e Engine) ApplicableCommands(ctx context.Context, transactionID, actorID string) ([]domain.CommandType, error) {
	txn, last, err := e.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	set := map[domain.CommandType]bool{}
	for _, cmd := range CommandCandidates(last.CurrentStatus, last.NextStatus) {
		ok, err := e.Auth.AllowedOn(ctx, cmd, txn, last, actorID)
		if err != nil {
			return nil, err
		}
		if ok {
			set[cmd] = true
		}
	}
	return ordered(set), nil
}

// UserCommands returns the commands the actor's roles admit at all,
// regardless of any transaction's state.
func (e Engine) UserCommands(ctx context.Context, officeID, actorID string) ([]domain.CommandType, error) {
	set := map[domain.CommandType]bool{}
	for _, cmd := range domain.CommandOrder {
		ok, err := e.Auth.Allowed(ctx, officeID, actorID, cmd)
		if err != nil {
			return nil, err
		}
		if ok {
			set[cmd] = true
		}
	}
	return ordered(set), nil
}

// Aggregator intersects applicable command sets across a selection of
// transactions. A command survives aggregation only if the actor can
// invoke it on every transaction added.
type Aggregator struct {
	engine  Engine
	actorID string
	acc     map[domain.CommandType]bool
	primed  bool
}

func (e Engine) NewAggregator(actorID string) *Aggregator {
	return &Aggregator{engine: e, actorID: actorID}
}

func (a *Aggregator) Add(ctx context.Context, transactionID string) error {
	cmds, err := a.engine.ApplicableCommands(ctx, transactionID, a.actorID)
	if err != nil {
		return err
	}
	set := make(map[domain.CommandType]bool, len(cmds))
	for _, cmd := range cmds {
		set[cmd] = true
	}
	if !a.primed {
		a.acc = set
		a.primed = true
		return nil
	}
	for cmd := range a.acc {
		if !set[cmd] {
			delete(a.acc, cmd)
		}
	}
	return nil
}

// Commands returns the intersection in canonical order. Before any
// transaction is added it is empty.
func (a *Aggregator) Commands() []domain.CommandType {
	if !a.primed {
		return nil
	}
	return ordered(a.acc)
}

func ordered(set map[domain.CommandType]bool) []domain.CommandType {
	out := make([]domain.CommandType, 0, len(set))
	for _, cmd := range domain.CommandOrder {
		if set[cmd] {
			out = append(out, cmd)
		}
	}
	return out
}
