package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowdialog/types"
)

func templateFixture() *FlowTemplate {
	return &FlowTemplate{
		ID:          "tpl-1",
		Name:        "debate",
		Topic:       "caching strategy",
		Termination: &TerminationConfig{MaxRounds: 5},
		Steps: []FlowStep{
			// 乱序写入，快照负责排序
			{ID: "st-3", Order: 3, SpeakerRoleRef: "Judge", TargetRoleRef: TargetTopic,
				TaskType: types.TaskConclude},
			{ID: "st-1", Order: 1, SpeakerRoleRef: "Proposer", TaskType: types.TaskSuggest,
				ContextScope: types.ScopeSet{{Kind: types.ScopeTopic}}},
			{ID: "st-2", Order: 2, SpeakerRoleRef: "Critic", TargetRoleRef: "Proposer",
				TaskType:     types.TaskChallenge,
				ContextScope: types.ScopeSet{{Kind: types.ScopeLastMessage}},
				Logic:        &LogicConfig{NextStepOrder: 1, MaxLoops: 2}},
		},
	}
}

func TestNewSnapshot(t *testing.T) {
	t.Parallel()
	snap := NewSnapshot(templateFixture())

	assert.Equal(t, "tpl-1", snap.TemplateID)
	assert.Equal(t, "caching strategy", snap.Topic)
	require.NotNil(t, snap.Termination)
	assert.Equal(t, 5, snap.Termination.MaxRounds)

	require.Len(t, snap.Steps, 3)
	assert.Equal(t, []string{"st-1", "st-2", "st-3"},
		[]string{snap.Steps[0].StepID, snap.Steps[1].StepID, snap.Steps[2].StepID},
		"steps sorted by order")

	assert.Equal(t, types.ScopeSet{{Kind: types.ScopeNone}}, snap.Steps[2].ContextScope,
		"empty scope is normalized to none")
	require.NotNil(t, snap.Steps[1].Logic)
	assert.Equal(t, 1, snap.Steps[1].Logic.NextStepOrder)
}

func TestSnapshot_Lookups(t *testing.T) {
	t.Parallel()
	snap := NewSnapshot(templateFixture())

	first, ok := snap.First()
	require.True(t, ok)
	assert.Equal(t, "st-1", first.StepID)

	step, ok := snap.StepByID("st-2")
	require.True(t, ok)
	assert.Equal(t, 2, step.Order)
	_, ok = snap.StepByID("st-99")
	assert.False(t, ok)

	step, ok = snap.StepByOrder(3)
	require.True(t, ok)
	assert.Equal(t, "st-3", step.StepID)
	_, ok = snap.StepByOrder(9)
	assert.False(t, ok)

	next, ok := snap.NextAfter(1)
	require.True(t, ok)
	assert.Equal(t, "st-2", next.StepID)
	_, ok = snap.NextAfter(3)
	assert.False(t, ok, "no step after the last order")

	empty := &Snapshot{}
	_, ok = empty.First()
	assert.False(t, ok)
}

func TestSnapshot_RoleRefs(t *testing.T) {
	t.Parallel()
	snap := NewSnapshot(templateFixture())
	assert.Equal(t, []string{"Judge", "Proposer", "Critic"}, snap.RoleRefs(),
		"distinct refs in first-appearance order, topic target excluded")
}

func TestSnapshot_ColumnRoundTrip(t *testing.T) {
	t.Parallel()
	snap := NewSnapshot(templateFixture())

	v, err := snap.Value()
	require.NoError(t, err)

	var back Snapshot
	require.NoError(t, back.Scan(v))
	assert.Equal(t, *snap, back)

	var nilSnap *Snapshot
	v, err = nilSnap.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStepConfigs_ColumnRoundTrip(t *testing.T) {
	t.Parallel()

	logic := &LogicConfig{NextStepOrder: 2, ExitCondition: "approved", MaxLoops: 3}
	v, err := logic.Value()
	require.NoError(t, err)
	var gotLogic LogicConfig
	require.NoError(t, gotLogic.Scan(v))
	assert.Equal(t, *logic, gotLogic)

	kb := &KnowledgeBaseConfig{
		Enabled:          true,
		KnowledgeBaseIDs: []string{"kb-1", "kb-2"},
		RetrievalParams: RetrievalParams{
			TopK:                5,
			SimilarityThreshold: 0.7,
			MaxContextLength:    2048,
		},
	}
	v, err = kb.Value()
	require.NoError(t, err)
	var gotKB KnowledgeBaseConfig
	require.NoError(t, gotKB.Scan(v))
	assert.Equal(t, *kb, gotKB)

	var nilLogic *LogicConfig
	v, err = nilLogic.Value()
	require.NoError(t, err)
	assert.Nil(t, v, "nil config stores NULL")
}
