package template

import (
	"bytes"
	"encoding/json"
)

// Resolution walks an ordered list of sources for a proposal template:
//
//  1. the instance's own instanceData.proposalTemplate (new format),
//  2. the parent process's stored legacy state-machine schema, which may
//     embed a proposal template,
//  3. nothing — proposals are then accepted with any payload that carries a
//     title.
//
// A malformed blob at any source is "no template here", never an error; the
// chain continues to the next source.

// legacyMachineSchema is the shape of the oldest stored process config: a
// state-machine definition with an embedded proposal template. The
// discriminating fields are checked explicitly rather than relying on a
// decode error.
type legacyMachineSchema struct {
	Version          int               `json:"version"`
	States           []json.RawMessage `json:"states"`
	ProposalTemplate json.RawMessage   `json:"proposalTemplate"`
}

// Template sources, in resolution order.
const (
	SourceInstance = "instance"
	SourceProcess  = "process"
	SourceNone     = "none"
)

// ResolveProposalTemplate finds the effective template for an instance.
// instanceTemplate is instanceData.proposalTemplate (may be empty);
// processConfig is the parent process's legacy schema container (may be
// empty). Returns nil when no source yields a usable template.
func ResolveProposalTemplate(instanceTemplate, processConfig json.RawMessage) *Template {
	_, t, _ := ResolveProposalTemplateSource(instanceTemplate, processConfig)
	return t
}

// ResolveProposalTemplateSource resolves like ResolveProposalTemplate and
// additionally reports which source won, together with that source's raw
// template blob. For the process source the raw blob is the embedded
// proposalTemplate, not the whole legacy container.
func ResolveProposalTemplateSource(instanceTemplate, processConfig json.RawMessage) (json.RawMessage, *Template, string) {
	if t := fromInstance(instanceTemplate); t != nil {
		return instanceTemplate, t, SourceInstance
	}
	if raw, t := fromLegacyProcess(processConfig); t != nil {
		return raw, t, SourceProcess
	}
	return nil, nil, SourceNone
}

func fromInstance(raw json.RawMessage) *Template {
	if !IsTemplate(raw) {
		return nil
	}
	t, err := Parse(raw)
	if err != nil {
		return nil
	}
	return t
}

func fromLegacyProcess(raw json.RawMessage) (json.RawMessage, *Template) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var legacy legacyMachineSchema
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, nil
	}
	// Safe-parse discriminant: a legacy machine schema either declares
	// states or embeds a template; a blob with neither is not one.
	if len(legacy.States) == 0 && len(legacy.ProposalTemplate) == 0 {
		return nil, nil
	}
	if !IsTemplate(legacy.ProposalTemplate) {
		return nil, nil
	}
	t, err := Parse(legacy.ProposalTemplate)
	if err != nil {
		return nil, nil
	}
	return legacy.ProposalTemplate, t
}
