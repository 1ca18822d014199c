// Package engine implements the step executor: the session state machine
// that advances a dialogue session one step per call, assembling context,
// augmenting it with retrieved knowledge, invoking the generation
// collaborator, appending the resulting message and deciding the next step.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowdialog/flow"
	"github.com/BaSui01/flowdialog/internal/metrics"
	"github.com/BaSui01/flowdialog/knowledge"
	"github.com/BaSui01/flowdialog/llm"
	"github.com/BaSui01/flowdialog/roles"
	"github.com/BaSui01/flowdialog/session"
	"github.com/BaSui01/flowdialog/types"
)

// Config 引擎配置
type Config struct {
	// MaxLoopsPerPair 单个 (from,to) 覆盖对的硬上限，max_loops 未设置时兜底
	MaxLoopsPerPair int `yaml:"max_loops_per_pair" json:"max_loops_per_pair"`
	// MaxExecutedSteps 单会话执行步数的硬上限，超过即强制结束
	MaxExecutedSteps int `yaml:"max_executed_steps" json:"max_executed_steps"`
	// SummaryLength 消息摘要的最大字符数
	SummaryLength int `yaml:"summary_length" json:"summary_length"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		MaxLoopsPerPair:  64,
		MaxExecutedSteps: 1024,
		SummaryLength:    200,
	}
}

// Deps are the collaborators the engine is constructed with. All external
// services arrive as interfaces so tests can substitute fakes.
type Deps struct {
	Sessions  *session.Store
	Templates *flow.Store
	Binder    *roles.Binder
	Invoker   *llm.Invoker
	Knowledge *knowledge.Adapter
	Predicate Predicate
	Collector *metrics.Collector
	Logger    *zap.Logger
}

// Engine is the step executor / session state machine.
type Engine struct {
	sessions  *session.Store
	templates *flow.Store
	binder    *roles.Binder
	invoker   *llm.Invoker
	knowledge *knowledge.Adapter
	predicate Predicate
	collector *metrics.Collector
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer

	// 每会话互斥：同一会话同时只允许一个在途推进
	locks sync.Map // sessionID → *sessionLock
}

type sessionLock struct {
	mu sync.Mutex
}

// New creates the engine.
func New(deps Deps, config Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Predicate == nil {
		deps.Predicate = SubstringPredicate{}
	}
	if deps.Collector == nil {
		deps.Collector = metrics.Nop()
	}
	if config.MaxLoopsPerPair <= 0 {
		config.MaxLoopsPerPair = DefaultConfig().MaxLoopsPerPair
	}
	if config.MaxExecutedSteps <= 0 {
		config.MaxExecutedSteps = DefaultConfig().MaxExecutedSteps
	}
	if config.SummaryLength <= 0 {
		config.SummaryLength = DefaultConfig().SummaryLength
	}
	return &Engine{
		sessions:  deps.Sessions,
		templates: deps.Templates,
		binder:    deps.Binder,
		invoker:   deps.Invoker,
		knowledge: deps.Knowledge,
		predicate: deps.Predicate,
		collector: deps.Collector,
		config:    config,
		logger:    deps.Logger,
		tracer:    otel.Tracer("flowdialog/engine"),
	}
}

// AdvanceResult is the execution summary returned by Advance.
type AdvanceResult struct {
	Message       *session.Message `json:"message"`
	NextStepID    string           `json:"next_step_id,omitempty"`
	Finished      bool             `json:"finished"`
	CurrentRound  int              `json:"current_round"`
	ExecutedSteps int              `json:"executed_steps"`
}

// ExecutionState is the read-only introspection view.
type ExecutionState struct {
	Status        session.Status `json:"status"`
	CurrentStepID string         `json:"current_step_id"`
	CurrentRound  int            `json:"current_round"`
	ExecutedSteps int            `json:"executed_steps"`
	ErrorReason   string         `json:"error_reason,omitempty"`
}

// CreateSession validates the input, freezes the template snapshot and role
// mappings, and persists the new session in not_started state.
func (e *Engine) CreateSession(ctx context.Context, topic, templateID string, roleMappings map[string]string) (*session.Session, error) {
	tpl, err := e.templates.Get(ctx, templateID)
	if err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			return nil, types.NewErrorf(types.ErrValidation,
				"unknown template %s", templateID).WithCause(err)
		}
		return nil, err
	}
	if !tpl.Active {
		return nil, types.NewErrorf(types.ErrValidation,
			"template %s is not active", templateID)
	}
	if len(tpl.Steps) == 0 {
		return nil, types.NewErrorf(types.ErrValidation,
			"template %s has no steps", templateID)
	}

	snap := flow.NewSnapshot(tpl)
	for _, ref := range snap.RoleRefs() {
		if roleMappings[ref] == "" {
			return nil, types.NewErrorf(types.ErrValidation,
				"missing role mapping for ref %q", ref)
		}
	}

	if strings.TrimSpace(topic) == "" {
		topic = tpl.Topic
	}

	first, _ := snap.First()
	sess := &session.Session{
		Topic:         topic,
		TemplateID:    tpl.ID,
		Snapshot:      snap,
		RoleMappings:  roleMappings,
		Status:        session.StatusNotStarted,
		CurrentStepID: first.StepID,
		CurrentOrder:  first.Order,
		CurrentRound:  1,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	e.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("template_id", tpl.ID),
		zap.Int("steps", len(snap.Steps)))
	return sess, nil
}

// ExecutionState returns the session's current execution state.
func (e *Engine) ExecutionState(ctx context.Context, sessionID string) (*ExecutionState, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionState{
		Status:        sess.Status,
		CurrentStepID: sess.CurrentStepID,
		CurrentRound:  sess.CurrentRound,
		ExecutedSteps: sess.ExecutedSteps,
		ErrorReason:   sess.ErrorReason,
	}, nil
}

// Advance runs exactly one step of the session: resolve the current step and
// speaker, assemble context, optionally augment it, generate, append the
// message, and compute the next step. Exactly one message is appended per
// successful call; the database commit covers the message, loop counters and
// session update as one transaction.
func (e *Engine) Advance(ctx context.Context, sessionID string) (*AdvanceResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.Advance",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	lock := e.lockFor(sessionID)
	if !lock.mu.TryLock() {
		e.collector.ObserveAdvance("conflict", time.Since(start))
		return nil, types.NewErrorf(types.ErrConcurrencyConflict,
			"session %s already has an advance in flight", sessionID)
	}
	defer lock.mu.Unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		e.collector.ObserveAdvance("error", time.Since(start))
		return nil, err
	}

	readStatus := sess.Status
	switch sess.Status {
	case session.StatusRunning:
	case session.StatusNotStarted:
		// 隐式启动：首次推进把会话带入 running
		now := time.Now()
		sess.Status = session.StatusRunning
		sess.StartedAt = &now
		e.collector.ObserveTransition(string(session.StatusNotStarted), string(session.StatusRunning))
	default:
		e.collector.ObserveAdvance("rejected", time.Since(start))
		return nil, types.NewErrorf(types.ErrFlowExecution,
			"cannot advance session %s in status %s", sessionID, sess.Status)
	}

	step, ok := sess.Snapshot.StepByID(sess.CurrentStepID)
	if !ok {
		e.collector.ObserveAdvance("rejected", time.Since(start))
		return nil, types.NewErrorf(types.ErrFlowExecution,
			"current step %s missing from session snapshot", sess.CurrentStepID)
	}

	speaker, err := e.binder.Resolve(ctx, sess, step.SpeakerRoleRef)
	if err != nil {
		e.collector.ObserveAdvance("error", time.Since(start))
		return nil, types.NewErrorf(types.ErrFlowExecution,
			"resolve speaker %q", step.SpeakerRoleRef).WithCause(err)
	}

	history, err := e.sessions.Messages(ctx, sessionID)
	if err != nil {
		e.collector.ObserveAdvance("error", time.Since(start))
		return nil, err
	}
	contextSlice := BuildContext(history, step.ContextScope, sess.CurrentRound)

	var fragment string
	if step.Knowledge != nil && step.Knowledge.Enabled {
		assocs := e.binder.Associations(ctx, sess, step.SpeakerRoleRef)
		aug := e.knowledge.Augment(ctx, sess.ID, step.Knowledge, assocs,
			retrievalQuery(sess.Topic, contextSlice))
		fragment = aug.Fragment
		e.collector.ObserveRetrieval(!aug.Degraded)
	}

	invocation := &llm.Invocation{
		SessionID:    sess.ID,
		Persona:      speaker.Persona,
		RoleName:     speaker.RoleName,
		TaskType:     step.TaskType,
		Topic:        sess.Topic,
		IncludeTopic: step.ContextScope.Has(types.ScopeTopic),
		Context:      contextSlice,
		Knowledge:    fragment,
	}
	if err := e.resolveTarget(ctx, sess, step, invocation); err != nil {
		e.collector.ObserveAdvance("error", time.Since(start))
		return nil, err
	}

	res, err := e.invoker.Invoke(ctx, invocation)
	if err != nil {
		return nil, e.failAdvance(ctx, sess, readStatus, start, err)
	}

	msg := &session.Message{
		SessionID:     sess.ID,
		SessionRoleID: speaker.ID,
		RoleRef:       step.SpeakerRoleRef,
		Content:       res.Text,
		Summary:       session.Summarize(res.Text, e.config.SummaryLength),
		RoundIndex:    sess.CurrentRound,
		Section:       step.TaskType.SectionLabel(),
		CreatedAt:     time.Now(),
	}

	var result AdvanceResult
	err = e.sessions.Transaction(ctx, func(tx *gorm.DB) error {
		if err := e.sessions.AppendMessage(ctx, tx, msg); err != nil {
			return err
		}
		sess.ExecutedSteps++

		next, err := e.resolveNext(ctx, tx, sess, step, res.Text)
		if err != nil {
			return err
		}
		finished := next == nil
		if !finished {
			if next.Order <= step.Order {
				sess.CurrentRound++
			}
			sess.CurrentStepID = next.StepID
			sess.CurrentOrder = next.Order
		}
		if !finished && e.shouldTerminate(ctx, sess, step, res.Text) {
			finished = true
		}
		if finished {
			now := time.Now()
			sess.Status = session.StatusFinished
			sess.FinishedAt = &now
		} else {
			sess.Status = session.StatusRunning
		}
		if err := e.sessions.UpdateCAS(ctx, tx, sess, readStatus); err != nil {
			return err
		}

		result = AdvanceResult{
			Message:       msg,
			Finished:      finished,
			CurrentRound:  sess.CurrentRound,
			ExecutedSteps: sess.ExecutedSteps,
		}
		if !finished {
			result.NextStepID = sess.CurrentStepID
		}
		return nil
	})
	if err != nil {
		e.collector.ObserveAdvance(outcomeOf(err), time.Since(start))
		return nil, err
	}

	e.invoker.Finalize(ctx, res, msg.ID)
	if result.Finished {
		e.collector.ObserveTransition(string(session.StatusRunning), string(session.StatusFinished))
	}
	e.collector.ObserveAdvance("success", time.Since(start))
	e.logger.Info("session advanced",
		zap.String("session_id", sess.ID),
		zap.Int("executed_order", step.Order),
		zap.Int("round", result.CurrentRound),
		zap.Int("executed_steps", result.ExecutedSteps),
		zap.Bool("finished", result.Finished))
	return &result, nil
}

// failAdvance handles a fatal generation failure: unless the caller
// cancelled, the session transitions to error with the reason recorded and
// no message persisted.
func (e *Engine) failAdvance(ctx context.Context, sess *session.Session, readStatus session.Status, start time.Time, cause error) error {
	if ctx.Err() != nil {
		// 协作式取消：会话保持 running，调用方可安全重试
		e.collector.ObserveAdvance("cancelled", time.Since(start))
		e.logger.Warn("advance cancelled at generation boundary",
			zap.String("session_id", sess.ID))
		return cause
	}

	sess.Status = session.StatusError
	sess.ErrorReason = cause.Error()
	if err := e.sessions.UpdateCAS(context.WithoutCancel(ctx), nil, sess, readStatus); err != nil {
		e.logger.Error("failed to record session error state",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
	e.collector.ObserveTransition(string(readStatus), string(session.StatusError))
	e.collector.ObserveAdvance("error", time.Since(start))
	e.logger.Error("generation failed, session moved to error",
		zap.String("session_id", sess.ID),
		zap.Error(cause))
	return cause
}

// resolveTarget fills the invocation's target fields: a role's latest
// relevant content, the topic text, or nothing.
func (e *Engine) resolveTarget(ctx context.Context, sess *session.Session, step *flow.StepSnapshot, inv *llm.Invocation) error {
	switch step.TargetRoleRef {
	case "":
		return nil
	case flow.TargetTopic:
		inv.TargetContent = sess.Topic
		return nil
	default:
		target, err := e.binder.Resolve(ctx, sess, step.TargetRoleRef)
		if err != nil {
			return types.NewErrorf(types.ErrFlowExecution,
				"resolve target %q", step.TargetRoleRef).WithCause(err)
		}
		inv.TargetRole = target.RoleName
		latest, err := e.sessions.LatestMessageByRole(ctx, sess.ID, step.TargetRoleRef)
		if err != nil {
			return err
		}
		if latest != nil {
			inv.TargetContent = latest.Content
		}
		return nil
	}
}

func (e *Engine) lockFor(sessionID string) *sessionLock {
	v, _ := e.locks.LoadOrStore(sessionID, &sessionLock{})
	return v.(*sessionLock)
}

// retrievalQuery derives the knowledge query from the topic and the most
// recent visible context message.
func retrievalQuery(topic string, contextSlice []session.Message) string {
	if len(contextSlice) == 0 {
		return topic
	}
	last := contextSlice[len(contextSlice)-1]
	if topic == "" {
		return last.Summary
	}
	return topic + "\n" + last.Summary
}

func outcomeOf(err error) string {
	if types.IsCode(err, types.ErrConcurrencyConflict) {
		return "conflict"
	}
	return "error"
}
