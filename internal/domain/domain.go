package domain

import "fmt"

// Status is a transaction workflow status. Statuses are persisted as
// single-character legacy codes (see Code) for compatibility with the
// registry's historical data.
type Status string

const (
	StatusPayment        Status = "payment"
	StatusReceived       Status = "received"
	StatusReentry        Status = "reentry"
	StatusControl        Status = "control"
	StatusRecording      Status = "recording"
	StatusElaboration    Status = "elaboration"
	StatusRevision       Status = "revision"
	StatusJuridic        Status = "juridic"
	StatusProcess        Status = "process"
	StatusOnSign         Status = "on_sign"
	StatusDigitalization Status = "digitalization"
	StatusToDeliver      Status = "to_deliver"
	StatusDelivered      Status = "delivered"
	StatusToReturn       Status = "to_return"
	StatusReturned       Status = "returned"
	StatusDeleted        Status = "deleted"
	StatusArchived       Status = "archived"
	StatusAll            Status = "all"

	// StatusEndPoint marks a task with no further step. It has no
	// persisted code; the empty column value round-trips to it.
	StatusEndPoint Status = "end_point"
)

var statusCodes = map[Status]string{
	StatusPayment:        "Y",
	StatusReceived:       "R",
	StatusReentry:        "N",
	StatusControl:        "K",
	StatusRecording:      "G",
	StatusElaboration:    "E",
	StatusRevision:       "V",
	StatusJuridic:        "J",
	StatusProcess:        "P",
	StatusOnSign:         "S",
	StatusDigitalization: "A",
	StatusToDeliver:      "D",
	StatusDelivered:      "C",
	StatusToReturn:       "L",
	StatusReturned:       "Q",
	StatusDeleted:        "X",
	StatusArchived:       "H",
	StatusAll:            "@",
	StatusEndPoint:       "",
}

var codeStatuses = func() map[string]Status {
	m := make(map[string]Status, len(statusCodes))
	for s, c := range statusCodes {
		m[c] = s
	}
	return m
}()

// Code returns the single-character persisted form of the status.
func (s Status) Code() string {
	return statusCodes[s]
}

// StatusFromCode resolves a persisted status code.
func StatusFromCode(code string) (Status, error) {
	s, ok := codeStatuses[code]
	if !ok {
		return "", fmt.Errorf("unknown status code %q", code)
	}
	return s, nil
}

// ParseStatus resolves a status by its long name.
func ParseStatus(name string) (Status, error) {
	s := Status(name)
	if _, ok := statusCodes[s]; !ok {
		return "", fmt.Errorf("unknown status %q", name)
	}
	return s, nil
}

// Terminal reports whether the status closes a transaction's chain.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeleted, StatusDelivered, StatusReturned, StatusArchived:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a single task record.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskOnDelivery TaskState = "on_delivery"
	TaskClosed     TaskState = "closed"
	TaskDeleted    TaskState = "deleted"
	TaskHistoric   TaskState = "historic"
)

// AssignMode records how a task's responsible party was chosen.
type AssignMode string

const (
	AssignAutomatic AssignMode = "automatic"
	AssignManual    AssignMode = "manual"
)

// CommandType is a caller-invocable workflow verb, distinct from a raw
// status value.
type CommandType string

const (
	CommandTake              CommandType = "take"
	CommandSetNextStatus     CommandType = "set_next_status"
	CommandReturnToMe        CommandType = "return_to_me"
	CommandReentry           CommandType = "reentry"
	CommandPullToControlDesk CommandType = "pull_to_control_desk"
	CommandFinish            CommandType = "finish"
	CommandSign              CommandType = "sign"
	CommandUnsign            CommandType = "unsign"
	CommandUnarchive         CommandType = "unarchive"
	CommandAssignTo          CommandType = "assign_to"
	CommandDelete            CommandType = "delete"
)

// CommandOrder is the canonical presentation order for command lists.
var CommandOrder = []CommandType{
	CommandTake,
	CommandSetNextStatus,
	CommandReturnToMe,
	CommandReentry,
	CommandPullToControlDesk,
	CommandFinish,
	CommandSign,
	CommandUnsign,
	CommandUnarchive,
	CommandAssignTo,
	CommandDelete,
}

// Role names known to the authorizer.
const (
	RoleControlClerk  = "control_clerk"
	RoleSigner        = "signer"
	RoleSupervisor    = "supervisor"
	RoleDeliveryClerk = "delivery_clerk"
)

// ResourceKind discriminates the recordable subject of a transaction.
type ResourceKind string

const (
	ResourceRealEstate  ResourceKind = "real_estate"
	ResourceAssociation ResourceKind = "association"
	ResourceNoProperty  ResourceKind = "no_property"
)

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceRealEstate, ResourceAssociation, ResourceNoProperty:
		return true
	}
	return false
}

// MaxTime is the sentinel timestamp stored while a task is still open.
const MaxTime = "9999-12-31T23:59:59Z"

// InterestedParty is the sentinel actor credited with terminal closures
// performed on behalf of the requesting party rather than an operator.
const InterestedParty = "interested-party"

// Transaction is one filing routed through the registration office.
type Transaction struct {
	ID                 string       `json:"id"`
	OfficeID           string       `json:"office_id"`
	ControlNumber      string       `json:"control_number,omitempty"`
	Kind               ResourceKind `json:"kind"`
	Status             Status       `json:"status"`
	CertificateIssue   bool         `json:"certificate_issue"`
	ElaborationOnly    bool         `json:"elaboration_only"`
	Archivable         bool         `json:"archivable"`
	Signed             bool         `json:"signed"`
	DeliveryMessageUID string       `json:"delivery_message_uid,omitempty"`
	PresentedAt        string       `json:"presented_at,omitempty" format:"date-time"`
	ClosedAt           string       `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
}

// Closed reports whether the transaction has a real closing time.
func (t Transaction) Closed() bool {
	return t.ClosedAt != "" && t.ClosedAt != MaxTime
}

// Task is one node of a transaction's audit chain: who held the
// transaction, from which status, toward which proposed next status,
// and when.
type Task struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"transaction_id"`
	CurrentStatus  Status     `json:"current_status"`
	NextStatus     Status     `json:"next_status"`
	Responsible    string     `json:"responsible"`
	AssignedBy     string     `json:"assigned_by"`
	NextContact    string     `json:"next_contact,omitempty"`
	CheckInTime    string     `json:"check_in_time" format:"date-time"`
	EndProcessTime string     `json:"end_process_time" format:"date-time"`
	CheckOutTime   string     `json:"check_out_time" format:"date-time"`
	Notes          string     `json:"notes,omitempty"`
	Mode           AssignMode `json:"mode"`
	State          TaskState  `json:"state"`
	PrevTaskID     *string    `json:"prev_task_id,omitempty"`
	NextTaskID     *string    `json:"next_task_id,omitempty"`
}

// Open reports whether the task is the chain's live record.
func (t Task) Open() bool {
	return t.State != TaskClosed && t.State != TaskDeleted && t.State != TaskHistoric
}

// Office is a recorder office; each office binds its own workflow model.
type Office struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OfficeID   string `json:"office_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a non-interactive caller.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
