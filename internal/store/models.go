package store

import (
	"strings"
	"time"

	"github.com/roach88/provflow/internal/ir"
)

// Kind is the stored type tag of a node. Dispatch on capabilities
// (IsData, IsProcess) rather than on concrete kinds where possible.
type Kind string

const (
	KindData     Kind = "data"
	KindCode     Kind = "data.code"
	KindCalcJob  Kind = "process.calcjob"
	KindWorkflow Kind = "process.workflow"
)

// IsData reports whether nodes of this kind carry a content payload.
func (k Kind) IsData() bool { return k == KindData || strings.HasPrefix(string(k), "data.") }

// IsProcess reports whether nodes of this kind record a process execution.
func (k Kind) IsProcess() bool { return strings.HasPrefix(string(k), "process.") }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindData, KindCode, KindCalcJob, KindWorkflow:
		return true
	}
	return false
}

// Node is a provenance record. Attributes are immutable once Sealed is true.
type Node struct {
	ID         int64     `json:"id"`
	UUID       string    `json:"uuid"`
	Kind       Kind      `json:"kind"`
	Label      string    `json:"label,omitempty"`
	UserID     int64     `json:"user_id"`
	Attributes ir.Object `json:"attributes"`
	Sealed     bool      `json:"sealed"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NewNode describes a node to create.
type NewNode struct {
	UUID       string
	Kind       Kind
	Label      string
	UserID     int64
	Attributes ir.Object
	// Sealed creates the node already sealed, in the same write.
	Sealed bool
}

// Role labels a link.
type Role string

const (
	RoleInput  Role = "INPUT"
	RoleCreate Role = "CREATE"
	RoleReturn Role = "RETURN"
	RoleCall   Role = "CALL"
)

// Valid reports whether r is one of the four link roles.
func (r Role) Valid() bool {
	switch r {
	case RoleInput, RoleCreate, RoleReturn, RoleCall:
		return true
	}
	return false
}

// Direction selects which end of a link QueryLinks matches.
type Direction int

const (
	// Incoming matches links whose target is the node.
	Incoming Direction = iota + 1
	// Outgoing matches links whose source is the node.
	Outgoing
)

// Link is a directed, append-only edge between two nodes.
type Link struct {
	ID        int64     `json:"id"`
	SourceID  int64     `json:"source_id"`
	TargetID  int64     `json:"target_id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User owns nodes.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessState is the lifecycle state of a ProcessNode.
type ProcessState string

const (
	StateCreated  ProcessState = "CREATED"
	StateWaiting  ProcessState = "WAITING"
	StateRunning  ProcessState = "RUNNING"
	StateFinished ProcessState = "FINISHED"
	StateExcepted ProcessState = "EXCEPTED"
	StateKilled   ProcessState = "KILLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ProcessState) IsTerminal() bool {
	switch s {
	case StateFinished, StateExcepted, StateKilled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed. Self transitions of
// non-terminal states are allowed so a step can persist progress.
func CanTransition(from, to ProcessState) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateCreated:
		return from == StateCreated
	case StateWaiting, StateRunning, StateFinished, StateExcepted, StateKilled:
		return true
	}
	return false
}

// ProcessRecord is the mutable bookkeeping of one ProcessNode.
type ProcessRecord struct {
	NodeID        int64
	Type          Kind
	State         ProcessState
	Stage         string
	ExitCode      *int
	ExitMessage   string
	Checkpoint    []byte
	Version       int64
	RetryCount    int
	FailureStreak int
	LastError     string
	KillRequested bool
	NextRunAt     time.Time
	LeaseOwner    string
	LeaseExpires  time.Time
	UpdatedAt     time.Time

	// AddAttributes are merged into the node's attributes by SaveProcess,
	// monotonically, before the node is sealed. Cleared after a save.
	AddAttributes ir.Object
}

// InputLink names a Data node fed into a new process.
type InputLink struct {
	Name   string
	NodeID int64
}

// CallLink records the calling workflow of a new process.
type CallLink struct {
	ParentID int64
	Name     string
}

// NewProcess describes a ProcessNode to create together with its links.
type NewProcess struct {
	Node       NewNode
	Checkpoint []byte
	Inputs     []InputLink
	Caller     *CallLink
	NextRunAt  time.Time
}

// CheckpointEntry is one row of a process's checkpoint history.
type CheckpointEntry struct {
	NodeID     int64
	Version    int64
	State      ProcessState
	Stage      string
	Checkpoint []byte
	CreatedAt  time.Time
}

// Blob is a file repository entry.
type Blob struct {
	Hash    string
	Content []byte
	Size    int64
}

// ComputerRecord is a stored Computer configuration.
type ComputerRecord struct {
	Name                string        `json:"name"`
	Hostname            string        `json:"hostname"`
	Description         string        `json:"description,omitempty"`
	Transport           string        `json:"transport"`
	Scheduler           string        `json:"scheduler"`
	WorkDir             string        `json:"work_dir"`
	MinimumPollInterval time.Duration `json:"minimum_poll_interval"`
	DefaultMPIProcs     int           `json:"default_mpiprocs"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// CodeRow maps a code name on a computer to its sealed data.code node.
type CodeRow struct {
	Name     string
	Computer string
	NodeID   int64
}
