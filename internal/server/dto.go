package server

import (
	"deedflow/internal/domain"
)

// Request payloads

type CreateOfficeRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateTransactionRequest struct {
	ID                 *string `json:"id,omitempty"`
	OfficeID           string  `json:"office_id,omitempty"`
	Kind               string  `json:"kind" enum:"real_estate,association,no_property"`
	CertificateIssue   bool    `json:"certificate_issue,omitempty"`
	ElaborationOnly    bool    `json:"elaboration_only,omitempty"`
	Archivable         bool    `json:"archivable,omitempty"`
	DeliveryMessageUID string  `json:"delivery_message_uid,omitempty"`
}

type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}

type TakeRequest struct {
	Responsible string `json:"responsible,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type SetNextStatusRequest struct {
	Status  string `json:"status"`
	Contact string `json:"contact,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type DeliverToRequesterRequest struct {
	MessageUID string `json:"message_uid"`
}

type AssignRequest struct {
	Responsible string `json:"responsible"`
}

type AggregateRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

type RoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"control_clerk,signer,supervisor,delivery_clerk"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type OfficeResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TransactionResponse struct {
	ID                 string `json:"id"`
	OfficeID           string `json:"office_id"`
	ControlNumber      string `json:"control_number,omitempty"`
	Kind               string `json:"kind" enum:"real_estate,association,no_property"`
	Status             string `json:"status"`
	CertificateIssue   bool   `json:"certificate_issue"`
	ElaborationOnly    bool   `json:"elaboration_only"`
	Archivable         bool   `json:"archivable"`
	Signed             bool   `json:"signed"`
	DeliveryMessageUID string `json:"delivery_message_uid,omitempty"`
	PresentedAt        string `json:"presented_at,omitempty" format:"date-time"`
	ClosedAt           string `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID             string  `json:"id"`
	TransactionID  string  `json:"transaction_id"`
	CurrentStatus  string  `json:"current_status"`
	NextStatus     string  `json:"next_status"`
	Responsible    string  `json:"responsible"`
	AssignedBy     string  `json:"assigned_by"`
	NextContact    string  `json:"next_contact,omitempty"`
	CheckInTime    string  `json:"check_in_time" format:"date-time"`
	EndProcessTime string  `json:"end_process_time" format:"date-time"`
	CheckOutTime   string  `json:"check_out_time" format:"date-time"`
	Notes          string  `json:"notes,omitempty"`
	Mode           string  `json:"mode" enum:"automatic,manual"`
	State          string  `json:"state" enum:"pending,on_delivery,closed,deleted,historic"`
	PrevTaskID     *string `json:"prev_task_id,omitempty"`
	NextTaskID     *string `json:"next_task_id,omitempty"`
}

type CommandsResponse struct {
	Commands []string `json:"commands"`
}

type NextStatusesResponse struct {
	Statuses []string `json:"statuses"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OfficeID   string `json:"office_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

type RolesResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the plaintext secret, returned exactly once at creation.
	Key string `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

// Mappers

func officeResponse(o domain.Office) OfficeResponse {
	return OfficeResponse{ID: o.ID, Name: o.Name, CreatedAt: o.CreatedAt}
}

func transactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:                 t.ID,
		OfficeID:           t.OfficeID,
		ControlNumber:      t.ControlNumber,
		Kind:               string(t.Kind),
		Status:             string(t.Status),
		CertificateIssue:   t.CertificateIssue,
		ElaborationOnly:    t.ElaborationOnly,
		Archivable:         t.Archivable,
		Signed:             t.Signed,
		DeliveryMessageUID: t.DeliveryMessageUID,
		PresentedAt:        t.PresentedAt,
		ClosedAt:           t.ClosedAt,
		CreatedAt:          t.CreatedAt,
	}
}

func mapTransactions(in []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(in))
	for _, t := range in {
		out = append(out, transactionResponse(t))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		TransactionID:  t.TransactionID,
		CurrentStatus:  string(t.CurrentStatus),
		NextStatus:     string(t.NextStatus),
		Responsible:    t.Responsible,
		AssignedBy:     t.AssignedBy,
		NextContact:    t.NextContact,
		CheckInTime:    t.CheckInTime,
		EndProcessTime: t.EndProcessTime,
		CheckOutTime:   t.CheckOutTime,
		Notes:          t.Notes,
		Mode:           string(t.Mode),
		State:          string(t.State),
		PrevTaskID:     t.PrevTaskID,
		NextTaskID:     t.NextTaskID,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

func commandsResponse(cmds []domain.CommandType) CommandsResponse {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, string(c))
	}
	return CommandsResponse{Commands: out}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OfficeID:   e.OfficeID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}
