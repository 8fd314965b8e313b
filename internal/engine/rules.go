package engine

import (
	"fmt"

	"deedflow/internal/config"
	"deedflow/internal/domain"
)

// Guard inspects a transaction attribute and decides whether a
// conditional rule applies to it.
type Guard func(domain.Transaction) bool

var guards = map[string]Guard{
	"certificate_issue": func(t domain.Transaction) bool { return t.CertificateIssue },
	"elaboration_only":  func(t domain.Transaction) bool { return t.ElaborationOnly },
	"archivable":        func(t domain.Transaction) bool { return t.Archivable },
}

type rule struct {
	from   domain.Status
	to     []domain.Status
	guard  Guard
	negate bool
}

// Model is the workflow transition table bound to an office
// configuration. It answers which statuses a transaction may move to
// from its current position.
type Model struct {
	rules              []rule
	elaborationOffices map[string]bool
}

func NewModel(cfg *config.Config) (*Model, error) {
	m := &Model{elaborationOffices: map[string]bool{}}
	for _, id := range cfg.Workflow.ElaborationOffices {
		m.elaborationOffices[id] = true
	}
	for i, r := range cfg.Workflow.Rules {
		from, err := domain.ParseStatus(r.From)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		parsed := rule{from: from}
		for _, s := range r.To {
			to, err := domain.ParseStatus(s)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			parsed.to = append(parsed.to, to)
		}
		switch {
		case r.If != "":
			g, ok := guards[r.If]
			if !ok {
				return nil, fmt.Errorf("rule %d: unknown guard %q", i, r.If)
			}
			parsed.guard = g
		case r.IfNot != "":
			g, ok := guards[r.IfNot]
			if !ok {
				return nil, fmt.Errorf("rule %d: unknown guard %q", i, r.IfNot)
			}
			parsed.guard = g
			parsed.negate = true
		}
		m.rules = append(m.rules, parsed)
	}
	if len(m.elaborationOffices) > 0 && !m.hasEdge(domain.StatusReceived, domain.StatusElaboration) {
		return nil, fmt.Errorf("elaboration_offices configured but no received -> elaboration rule; received filings would dead-end")
	}
	return m, nil
}

// hasEdge reports whether any rule maps from to to, ignoring guards.
func (m *Model) hasEdge(from, to domain.Status) bool {
	for _, r := range m.rules {
		if r.from != from {
			continue
		}
		for _, s := range r.to {
			if s == to {
				return true
			}
		}
	}
	return false
}

func (r rule) applies(t domain.Transaction) bool {
	if r.guard == nil {
		return true
	}
	v := r.guard(t)
	if r.negate {
		return !v
	}
	return v
}

// NextStatuses returns the statuses reachable from current for the
// given transaction, in rule-table order. A status listed by more than
// one matching rule appears once per listing; callers that need a set
// dedupe themselves.
func (m *Model) NextStatuses(t domain.Transaction, current domain.Status) []domain.Status {
	var out []domain.Status
	for _, r := range m.rules {
		if r.from != current || !r.applies(t) {
			continue
		}
		out = append(out, r.to...)
	}
	return out
}

func (m *Model) Allows(t domain.Transaction, from, to domain.Status) bool {
	for _, s := range m.NextStatuses(t, from) {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Model) ElaborationOffice(officeID string) bool {
	return m.elaborationOffices[officeID]
}

// openNext reports whether a proposed next status leaves the task
// workable, as opposed to parked on a terminal hand-off.
func openNext(next domain.Status) bool {
	switch next {
	case domain.StatusEndPoint, domain.StatusDelivered, domain.StatusReturned, domain.StatusArchived:
		return false
	}
	return true
}

// CommandCandidates returns the commands that are structurally
// meaningful for a task at the given position in the chain, before any
// role or ownership filtering.
func CommandCandidates(current, next domain.Status) []domain.CommandType {
	switch current {
	case domain.StatusPayment, domain.StatusDeleted:
		return nil
	case domain.StatusReturned, domain.StatusDelivered:
		return []domain.CommandType{domain.CommandReentry}
	case domain.StatusArchived:
		return []domain.CommandType{domain.CommandUnarchive}
	case domain.StatusToDeliver, domain.StatusToReturn:
		if openNext(next) {
			return []domain.CommandType{domain.CommandTake, domain.CommandReturnToMe, domain.CommandSetNextStatus}
		}
		return []domain.CommandType{domain.CommandFinish, domain.CommandSetNextStatus}
	case domain.StatusOnSign:
		if openNext(next) {
			return []domain.CommandType{
				domain.CommandTake, domain.CommandReturnToMe, domain.CommandSetNextStatus,
				domain.CommandSign, domain.CommandUnsign,
			}
		}
		return []domain.CommandType{domain.CommandSetNextStatus, domain.CommandSign, domain.CommandUnsign}
	}
	out := []domain.CommandType{domain.CommandSetNextStatus, domain.CommandAssignTo}
	if openNext(next) {
		out = append(out, domain.CommandTake, domain.CommandReturnToMe)
	}
	if current != domain.StatusControl {
		out = append(out, domain.CommandPullToControlDesk)
	}
	return out
}
