package engine

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowdialog/flow"
	"github.com/BaSui01/flowdialog/session"
)

// resolveNext computes the step to run after current, applying the override
// and loop bookkeeping. A nil step means the flow is finished.
//
// 判定顺序：先评估 exit_condition（命中立即放弃覆盖，不计数），再递增
// (from,to) 计数器并检查 max_loops 与硬上限，最后才应用覆盖。循环靠数据
// 而非调用栈收敛：这里只做索引重指派。
func (e *Engine) resolveNext(ctx context.Context, tx *gorm.DB, sess *session.Session, current *flow.StepSnapshot, content string) (*flow.StepSnapshot, error) {
	defaultNext := func() *flow.StepSnapshot {
		next, ok := sess.Snapshot.NextAfter(current.Order)
		if !ok {
			return nil
		}
		return next
	}

	logic := current.Logic
	if logic == nil || logic.NextStepOrder == 0 || logic.NextStepOrder == current.Order+1 {
		return defaultNext(), nil
	}

	if logic.ExitCondition != "" {
		satisfied, err := e.predicate.Satisfied(ctx, logic.ExitCondition, content)
		if err != nil {
			e.logger.Warn("exit condition evaluation failed, treating as not satisfied",
				zap.String("session_id", sess.ID),
				zap.String("condition", logic.ExitCondition),
				zap.Error(err))
		}
		if satisfied {
			e.logger.Debug("loop exit condition satisfied",
				zap.String("session_id", sess.ID),
				zap.Int("step_order", current.Order))
			return defaultNext(), nil
		}
	}

	count, err := e.sessions.IncrementLoop(ctx, tx, sess.ID, current.Order, logic.NextStepOrder)
	if err != nil {
		return nil, err
	}

	limit := e.config.MaxLoopsPerPair
	if logic.MaxLoops > 0 && logic.MaxLoops < limit {
		limit = logic.MaxLoops
	}
	if count > limit {
		e.collector.ObserveLoopFallback()
		e.logger.Info("loop override exhausted, falling back to default progression",
			zap.String("session_id", sess.ID),
			zap.Int("from_order", current.Order),
			zap.Int("to_order", logic.NextStepOrder),
			zap.Int("count", count),
			zap.Int("limit", limit))
		return defaultNext(), nil
	}

	target, ok := sess.Snapshot.StepByOrder(logic.NextStepOrder)
	if !ok {
		// 配置指向快照外的 order：按默认进度继续而不是让会话中途夭折
		e.logger.Warn("logic override targets unknown step order, using default progression",
			zap.String("session_id", sess.ID),
			zap.Int("target_order", logic.NextStepOrder))
		return defaultNext(), nil
	}
	return target, nil
}

// shouldTerminate evaluates the template-level termination condition and the
// engine's hard session ceiling after a step has executed.
func (e *Engine) shouldTerminate(ctx context.Context, sess *session.Session, executed *flow.StepSnapshot, content string) bool {
	if e.config.MaxExecutedSteps > 0 && sess.ExecutedSteps >= e.config.MaxExecutedSteps {
		e.logger.Warn("session reached hard step ceiling, forcing finish",
			zap.String("session_id", sess.ID),
			zap.Int("executed_steps", sess.ExecutedSteps))
		return true
	}

	term := sess.Snapshot.Termination
	if term == nil {
		return false
	}
	if term.MaxRounds > 0 && sess.CurrentRound > term.MaxRounds {
		return true
	}
	if term.Phrase != "" {
		if term.Role != "" && term.Role != executed.SpeakerRoleRef {
			return false
		}
		satisfied, err := e.predicate.Satisfied(ctx, term.Phrase, content)
		if err != nil {
			e.logger.Warn("termination condition evaluation failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			return false
		}
		return satisfied
	}
	return false
}
