package schema

import "fmt"

// Instance is the minimal view of a process instance the state machine needs.
// The store's row type embeds the same fields; keeping the machine on a small
// struct keeps guard evaluation independent of persistence.
type Instance struct {
	ID             string
	Status         string
	CurrentStateID string
	Data           InstanceData
}

// CurrentPhase resolves the instance's current phase definition. Guards must
// read the instance's current phase, never the schema default, since
// instances advance independently.
func CurrentPhase(s *DecisionSchema, inst *Instance) (Phase, bool) {
	return s.Phase(inst.Data.CurrentPhaseID)
}

// CanSubmitProposal reports whether proposals may be created or submitted
// while the instance's current phase is active.
func CanSubmitProposal(s *DecisionSchema, inst *Instance) bool {
	phase, ok := CurrentPhase(s, inst)
	return ok && phase.Rules.Proposals.Submit
}

// CanVote reports whether votes may be cast in the instance's current phase.
func CanVote(s *DecisionSchema, inst *Instance) bool {
	phase, ok := CurrentPhase(s, inst)
	return ok && phase.Rules.Voting.Submit
}

// AdvanceInstance moves the instance to toPhaseID, keeping the denormalized
// CurrentStateID and Data.CurrentPhaseID in lockstep. The two fields must
// never disagree; downstream readers use either one.
func AdvanceInstance(s *DecisionSchema, inst *Instance, toPhaseID string) error {
	if _, ok := s.Phase(toPhaseID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, toPhaseID)
	}
	inst.CurrentStateID = toPhaseID
	inst.Data.CurrentPhaseID = toPhaseID
	return nil
}

// PhaseOverride finds the per-instance override for a phase, if any.
func PhaseOverride(inst *Instance, phaseID string) (PhaseInstance, bool) {
	for _, p := range inst.Data.Phases {
		if p.PhaseID == phaseID {
			return p, true
		}
	}
	return PhaseInstance{}, false
}

// PhaseSettingInt reads an integer setting from the current phase's
// per-instance overrides, e.g. maxProposalsPerMember. Returns ok=false when
// the setting is absent or not numeric.
func PhaseSettingInt(inst *Instance, name string) (int, bool) {
	override, ok := PhaseOverride(inst, inst.Data.CurrentPhaseID)
	if !ok || override.Settings == nil {
		return 0, false
	}
	switch v := override.Settings[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
