// Package snapshot implements the Snapshot/Session subsystem (spec §4.6):
// capturing a deep, JSON-lossless copy of an agent's (or swarm's) durable
// state for persistence, and restoring it later. Field selection follows
// the teacher's registry-style "fail loudly on the unexpected" posture
// (runtime/agent/registry): an unknown preset or field name is an error,
// not a silently ignored no-op.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/runtime/block"
)

// SchemaVersion is the current Snapshot schema version. LoadSnapshot fails
// if a stored snapshot's version does not match exactly (spec §4.6).
const SchemaVersion = 1

// Scope identifies what kind of executor a Snapshot was captured from.
type Scope string

const (
	ScopeAgent      Scope = "agent"
	ScopeMultiAgent Scope = "multiAgent"
)

// Data carries the optional fields a Snapshot may include. A nil pointer or
// nil map means the field was not selected; an unselected field is left out
// of the JSON via `omitempty`. `omitempty` also drops an empty map, so a
// selected-but-empty State or ConversationManagerState reads back as not
// selected after a JSON round trip.
type Data struct {
	Messages *[]block.Message `json:"messages,omitempty"`
	State    map[string]any   `json:"state,omitempty"`
	// SystemPrompt is a pointer so that "absent" (nil, not selected) is
	// distinguishable from "selected and happens to be empty". loadSnapshot
	// treats a present-but-null systemPrompt the same way: a null value
	// means "do not replace" (spec §4.6).
	SystemPrompt             *string        `json:"systemPrompt,omitempty"`
	ConversationManagerState map[string]any `json:"conversationManagerState,omitempty"`
}

// Snapshot is the deep, JSON-serializable capture of an executor's durable
// state (spec §3 Snapshot).
type Snapshot struct {
	Scope         Scope          `json:"scope"`
	SchemaVersion int            `json:"schemaVersion"`
	CreatedAt     time.Time      `json:"createdAt"`
	Data          Data           `json:"data"`
	AppData       map[string]any `json:"appData,omitempty"`
}

// fieldName enumerates the selectable fields (spec §4.6 Field selection).
type fieldName string

const (
	fieldMessages                 fieldName = "messages"
	fieldState                    fieldName = "state"
	fieldSystemPrompt             fieldName = "systemPrompt"
	fieldConversationManagerState fieldName = "conversationManagerState"
)

var allFields = []fieldName{fieldMessages, fieldState, fieldSystemPrompt, fieldConversationManagerState}

// Options selects which fields a Take call includes, plus arbitrary
// caller-supplied metadata carried through unchanged (spec §4.6 opts).
type Options struct {
	// Preset, if set, must be "session" (every allowed field). Mutually
	// additive with Include: both contribute to the base field set.
	Preset string
	// Include lists specific fields to select. Ignored if Preset is set and
	// Include is empty; combined with Preset's fields otherwise.
	Include []string
	// Exclude removes fields from the selected set after Preset/Include are
	// applied.
	Exclude []string
	// AppData is opaque caller metadata echoed onto the resulting Snapshot.
	AppData map[string]any
}

// ErrEmptySelection is returned when Options resolve to no fields at all.
var ErrEmptySelection = errors.New("snapshot: field selection is empty")

// ErrUnknownField is returned when Options names a field or preset this
// package does not recognize.
var ErrUnknownField = errors.New("snapshot: unknown field or preset name")

func isAllowedField(name string) bool {
	for _, f := range allFields {
		if string(f) == name {
			return true
		}
	}
	return false
}

func resolveFields(opts Options) (map[fieldName]bool, error) {
	selected := make(map[fieldName]bool)

	switch opts.Preset {
	case "":
	case "session":
		for _, f := range allFields {
			selected[f] = true
		}
	default:
		return nil, fmt.Errorf("%w: preset %q", ErrUnknownField, opts.Preset)
	}

	for _, name := range opts.Include {
		if !isAllowedField(name) {
			return nil, fmt.Errorf("%w: field %q", ErrUnknownField, name)
		}
		selected[fieldName(name)] = true
	}

	if opts.Preset == "" && len(opts.Include) == 0 {
		for _, f := range allFields {
			selected[f] = true
		}
	}

	for _, name := range opts.Exclude {
		if !isAllowedField(name) {
			return nil, fmt.Errorf("%w: field %q", ErrUnknownField, name)
		}
		delete(selected, fieldName(name))
	}

	if len(selected) == 0 {
		return nil, ErrEmptySelection
	}
	return selected, nil
}

// Source is implemented by anything a Snapshot can be taken from. *agent.Agent
// satisfies this structurally (see agent.Agent's Messages/State/SystemPrompt/
// ConversationManagerState methods) without this package importing agent,
// avoiding an import cycle.
type Source interface {
	Messages() []block.Message
	State() map[string]any
	SystemPrompt() string
	ConversationManagerState() map[string]any
}

// Target is implemented by anything a Snapshot can be restored onto.
type Target interface {
	RestoreMessages([]block.Message)
	RestoreState(map[string]any)
	RestoreSystemPrompt(string)
	RestoreConversationManagerState(map[string]any) error
}

// Take captures a deep, JSON-lossless Snapshot of src under the fields opts
// selects (spec §4.6 takeSnapshot).
func Take(src Source, scope Scope, opts Options, now time.Time) (Snapshot, error) {
	fields, err := resolveFields(opts)
	if err != nil {
		return Snapshot{}, err
	}

	var data Data
	if fields[fieldMessages] {
		msgs, err := deepCopyJSON(src.Messages())
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: copying messages: %w", err)
		}
		data.Messages = &msgs
	}
	if fields[fieldState] {
		state, err := deepCopyJSON(src.State())
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: copying state: %w", err)
		}
		data.State = state
	}
	if fields[fieldSystemPrompt] {
		sp := src.SystemPrompt()
		data.SystemPrompt = &sp
	}
	if fields[fieldConversationManagerState] {
		// Omitted (not an empty object) when the manager reports no state,
		// per this repo's Open Question decision (DESIGN.md).
		if cms := src.ConversationManagerState(); cms != nil {
			copied, err := deepCopyJSON(cms)
			if err != nil {
				return Snapshot{}, fmt.Errorf("snapshot: copying conversation manager state: %w", err)
			}
			data.ConversationManagerState = copied
		}
	}

	return Snapshot{
		Scope:         scope,
		SchemaVersion: SchemaVersion,
		CreatedAt:     now,
		Data:          data,
		AppData:       opts.AppData,
	}, nil
}

// ErrSchemaVersionMismatch is returned by Load when a snapshot's
// SchemaVersion does not exactly match this package's SchemaVersion.
var ErrSchemaVersionMismatch = errors.New("snapshot: schema version mismatch")

// Load replaces dst's fields from snap (spec §4.6 loadSnapshot). Fields
// absent from snap.Data are left untouched on dst. A present-but-nil
// SystemPrompt pointer already means "absent" at the Go level, matching the
// spec's "null means do not replace" rule automatically.
func Load(snap Snapshot, dst Target) error {
	if snap.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: snapshot is v%d, this runtime is v%d", ErrSchemaVersionMismatch, snap.SchemaVersion, SchemaVersion)
	}
	if snap.Data.Messages != nil {
		dst.RestoreMessages(*snap.Data.Messages)
	}
	if snap.Data.State != nil {
		dst.RestoreState(snap.Data.State)
	}
	if snap.Data.SystemPrompt != nil {
		dst.RestoreSystemPrompt(*snap.Data.SystemPrompt)
	}
	if snap.Data.ConversationManagerState != nil {
		if err := dst.RestoreConversationManagerState(snap.Data.ConversationManagerState); err != nil {
			return fmt.Errorf("snapshot: restoring conversation manager state: %w", err)
		}
	}
	return nil
}

// deepCopyJSON produces an independent deep copy of v by round-tripping it
// through JSON, which for block.Message exercises the very encoding this
// package's losslessness guarantee depends on (spec §4.6: "JSON round-trip
// must be lossless for all included fields").
func deepCopyJSON[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
