// Package schema defines the decision schema model: the ordered phases a
// process instance walks through and the rules governing what is allowed
// while each phase is current.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Advancement methods for a phase.
const (
	AdvanceManual = "manual"
	AdvanceDate   = "date"
)

// Instance statuses. Only published instances are eligible for scheduled
// advancement.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusCancelled = "cancelled"
)

var ErrUnknownPhase = errors.New("unknown phase")

// DecisionSchema is the template-of-templates owned by a process: an ordered
// list of phase definitions plus identifying metadata.
type DecisionSchema struct {
	ID      string  `json:"id"`
	Version int     `json:"version"`
	Name    string  `json:"name"`
	Phases  []Phase `json:"phases"`
}

// Phase is one named stage of a decision process.
type Phase struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Rules       PhaseRules `json:"rules"`
}

type PhaseRules struct {
	Proposals   SubmitRule  `json:"proposals"`
	Voting      SubmitRule  `json:"voting"`
	Advancement Advancement `json:"advancement"`
}

type SubmitRule struct {
	Submit bool `json:"submit"`
}

type Advancement struct {
	Method string `json:"method"`
}

// PhaseInstance is a per-instance override of a phase definition: scheduling
// dates and arbitrary per-phase settings. StartDate and EndDate are optional
// independently of each other.
type PhaseInstance struct {
	PhaseID   string         `json:"phaseId"`
	Name      string         `json:"name,omitempty"`
	StartDate *time.Time     `json:"startDate,omitempty"`
	EndDate   *time.Time     `json:"endDate,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// InstanceData is the mutable per-instance state blob. CurrentPhaseID must
// always agree with the instance row's denormalized current_state_id.
type InstanceData struct {
	CurrentPhaseID   string          `json:"currentPhaseId"`
	Phases           []PhaseInstance `json:"phases"`
	ProposalTemplate json.RawMessage `json:"proposalTemplate,omitempty"`
	Config           map[string]any  `json:"config,omitempty"`
}

// Parse decodes and sanity-checks a stored decision schema.
func Parse(raw []byte) (*DecisionSchema, error) {
	var s DecisionSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode decision schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks structural invariants: at least one phase, stable unique
// phase ids, known advancement methods.
func (s *DecisionSchema) Validate() error {
	if len(s.Phases) == 0 {
		return errors.New("decision schema has no phases")
	}
	seen := make(map[string]struct{}, len(s.Phases))
	for _, phase := range s.Phases {
		id := strings.TrimSpace(phase.ID)
		if id == "" {
			return errors.New("phase id is required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate phase id %q", id)
		}
		seen[id] = struct{}{}
		switch phase.Rules.Advancement.Method {
		case AdvanceManual, AdvanceDate, "":
		default:
			return fmt.Errorf("phase %q: unknown advancement method %q", id, phase.Rules.Advancement.Method)
		}
	}
	return nil
}

// Phase looks up a phase definition by id.
func (s *DecisionSchema) Phase(id string) (Phase, bool) {
	for _, phase := range s.Phases {
		if phase.ID == id {
			return phase, true
		}
	}
	return Phase{}, false
}

// InitialPhase is the first phase of the schema, where new instances start.
func (s *DecisionSchema) InitialPhase() Phase {
	if len(s.Phases) == 0 {
		return Phase{}
	}
	return s.Phases[0]
}

// IsTerminal reports whether a phase has no way to advance further: it is the
// last phase, or nothing schedules it onward and its advancement is exhausted.
func (s *DecisionSchema) IsTerminal(phaseID string) bool {
	if len(s.Phases) == 0 {
		return false
	}
	return s.Phases[len(s.Phases)-1].ID == phaseID
}
