package goal

import "time"

// Type identifies a unit of research work.
type Type string

const (
	TypeIdentifyProduct        Type = "IDENTIFY_PRODUCT"
	TypeValidateIdentification Type = "VALIDATE_IDENTIFICATION"
	TypeGatherMetadata         Type = "GATHER_METADATA"
	TypeResearchMarket         Type = "RESEARCH_MARKET"
	TypeAssembleListing        Type = "ASSEMBLE_LISTING"
)

// StandardOrder is the fixed build sequence. Every type only depends on
// types that appear earlier in it.
var StandardOrder = []Type{
	TypeIdentifyProduct,
	TypeValidateIdentification,
	TypeGatherMetadata,
	TypeResearchMarket,
	TypeAssembleListing,
}

// Status represents the lifecycle state of a goal.
type Status string

const (
	StatusPending   Status = "pending"   // Set at construction
	StatusActive    Status = "active"    // Handler is running
	StatusCompleted Status = "completed" // Handler finished successfully
	StatusSkipped   Status = "skipped"   // Not run (no handler or blocked dependency)
	StatusFailed    Status = "failed"    // Handler returned an error or fell below threshold
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}

// Phase is a coarse label summarizing research progress.
type Phase string

const (
	PhaseIdentification Phase = "identification"
	PhaseParallel       Phase = "parallel"
	PhaseAssembly       Phase = "assembly"
)

// Goal is one node of the research DAG.
type Goal struct {
	ID           string   `json:"id"`
	Type         Type     `json:"type"`
	Status       Status   `json:"status"`
	Confidence   float64  `json:"confidence"`
	Dependencies []string `json:"dependencies"`

	// Copied from the registry at build time.
	Label               string  `json:"label"`
	Description         string  `json:"description"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxAttempts         int     `json:"max_attempts"`

	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunContext identifies the research run a DAG is built for.
type RunContext struct {
	ItemID string
	RunID  string
}

// Find returns the first goal of type t.
func Find(goals []Goal, t Type) (Goal, bool) {
	for _, g := range goals {
		if g.Type == t {
			return g, true
		}
	}
	return Goal{}, false
}

// ByID returns the goal with the given id.
func ByID(goals []Goal, id string) (Goal, bool) {
	for _, g := range goals {
		if g.ID == id {
			return g, true
		}
	}
	return Goal{}, false
}
