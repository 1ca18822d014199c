package flow

import (
	"database/sql/driver"
	"sort"

	"github.com/BaSui01/flowdialog/types"
)

// Snapshot is the frozen form of a template that a session carries for its
// whole lifetime. It is built exactly once at session creation; later edits
// to the live template never reach it.
type Snapshot struct {
	TemplateID  string             `json:"template_id"`
	Name        string             `json:"name"`
	Topic       string             `json:"topic"`
	Termination *TerminationConfig `json:"termination,omitempty"`
	Steps       []StepSnapshot     `json:"steps"`
}

// StepSnapshot mirrors FlowStep with the step identity preserved so that
// current_step_id always resolves inside the snapshot.
type StepSnapshot struct {
	StepID         string               `json:"step_id"`
	Order          int                  `json:"order"`
	SpeakerRoleRef string               `json:"speaker_role_ref"`
	TargetRoleRef  string               `json:"target_role_ref,omitempty"`
	TaskType       types.TaskType       `json:"task_type"`
	ContextScope   types.ScopeSet       `json:"context_scope"`
	Logic          *LogicConfig         `json:"logic,omitempty"`
	Knowledge      *KnowledgeBaseConfig `json:"knowledge,omitempty"`
}

// NewSnapshot freezes a template and its steps, ordered by step order.
func NewSnapshot(tpl *FlowTemplate) *Snapshot {
	snap := &Snapshot{
		TemplateID:  tpl.ID,
		Name:        tpl.Name,
		Topic:       tpl.Topic,
		Termination: tpl.Termination,
		Steps:       make([]StepSnapshot, 0, len(tpl.Steps)),
	}
	for _, s := range tpl.Steps {
		scope := s.ContextScope
		if len(scope) == 0 {
			scope = types.ScopeSet{{Kind: types.ScopeNone}}
		}
		snap.Steps = append(snap.Steps, StepSnapshot{
			StepID:         s.ID,
			Order:          s.Order,
			SpeakerRoleRef: s.SpeakerRoleRef,
			TargetRoleRef:  s.TargetRoleRef,
			TaskType:       s.TaskType,
			ContextScope:   scope,
			Logic:          s.Logic,
			Knowledge:      s.Knowledge,
		})
	}
	sort.SliceStable(snap.Steps, func(i, j int) bool {
		return snap.Steps[i].Order < snap.Steps[j].Order
	})
	return snap
}

// First returns the step with the lowest order.
func (s *Snapshot) First() (*StepSnapshot, bool) {
	if len(s.Steps) == 0 {
		return nil, false
	}
	return &s.Steps[0], true
}

// StepByID resolves a step by its frozen identity.
func (s *Snapshot) StepByID(stepID string) (*StepSnapshot, bool) {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// StepByOrder resolves a step by its order value.
func (s *Snapshot) StepByOrder(order int) (*StepSnapshot, bool) {
	for i := range s.Steps {
		if s.Steps[i].Order == order {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// NextAfter returns the step with the lowest order strictly greater than
// order, i.e. the default progression target.
func (s *Snapshot) NextAfter(order int) (*StepSnapshot, bool) {
	for i := range s.Steps {
		if s.Steps[i].Order > order {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// RoleRefs returns the distinct role references that need a directory
// binding: speakers and role-valued targets, in first-appearance order. The
// topic sentinel and empty targets are not role references, and context
// scope role filters match message history without a binding.
func (s *Snapshot) RoleRefs() []string {
	seen := make(map[string]struct{})
	var refs []string
	add := func(ref string) {
		if ref == "" || ref == TargetTopic {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for i := range s.Steps {
		add(s.Steps[i].SpeakerRoleRef)
		add(s.Steps[i].TargetRoleRef)
	}
	return refs
}

// Value/Scan make Snapshot a JSON column on the session row.
func (s *Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return jsonValue(s)
}

func (s *Snapshot) Scan(value any) error { return jsonScan(s, value) }
