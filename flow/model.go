// Package flow defines the reusable dialogue template model: an ordered set
// of steps with speaker/target references, context scope, loop/branch logic
// and optional knowledge retrieval configuration, plus the immutable
// snapshot form that running sessions freeze at creation time.
package flow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/flowdialog/types"
)

// FlowTemplate 对话流程模板
// 模板一旦被运行中的会话引用即不可变——通过会话侧快照保证，而非就地加锁。
type FlowTemplate struct {
	ID          string             `gorm:"primaryKey;size:36" json:"id"`
	Name        string             `gorm:"size:200;not null" json:"name"`
	Topic       string             `gorm:"type:text" json:"topic"`                // 默认讨论话题
	Active      bool               `gorm:"default:true" json:"active"`            // 是否可用于创建会话
	Termination *TerminationConfig `gorm:"type:text" json:"termination,omitempty"` // 模板级终止条件
	Steps       []FlowStep         `gorm:"foreignKey:TemplateID" json:"steps,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// FlowStep 模板中的一个步骤
type FlowStep struct {
	ID             string               `gorm:"primaryKey;size:36" json:"id"`
	TemplateID     string               `gorm:"size:36;not null;index:idx_template_order,unique" json:"template_id"`
	Order          int                  `gorm:"column:step_order;not null;index:idx_template_order,unique" json:"order"` // 1 起始
	SpeakerRoleRef string               `gorm:"size:100;not null" json:"speaker_role_ref"`
	TargetRoleRef  string               `gorm:"size:100" json:"target_role_ref"` // 角色名 | "topic" | 空
	TaskType       types.TaskType       `gorm:"size:32;not null" json:"task_type"`
	ContextScope   types.ScopeSet       `gorm:"type:text" json:"context_scope"`
	Logic          *LogicConfig         `gorm:"type:text" json:"logic,omitempty"`
	Knowledge      *KnowledgeBaseConfig `gorm:"type:text" json:"knowledge,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// TargetTopic is the sentinel target meaning "address the preset topic".
const TargetTopic = "topic"

// LogicConfig 步骤级循环/分支配置
type LogicConfig struct {
	// NextStepOrder 覆盖默认的 order+1 进度，可向前（跳过）或向后（循环）
	NextStepOrder int `json:"next_step_order,omitempty"`
	// ExitCondition 语义退出条件，命中时立即放弃覆盖并恢复默认进度
	ExitCondition string `json:"exit_condition,omitempty"`
	// MaxLoops (from,to) 步骤对的最大跳转次数，0 表示未设置
	MaxLoops int `json:"max_loops,omitempty"`
}

// RetrievalParams 检索参数
type RetrievalParams struct {
	TopK                int     `json:"top_k,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	// MaxContextLength 注入上下文片段的 token 预算
	MaxContextLength int `json:"max_context_length,omitempty"`
}

// KnowledgeBaseConfig 步骤级知识检索配置
type KnowledgeBaseConfig struct {
	Enabled          bool            `json:"enabled"`
	KnowledgeBaseIDs []string        `json:"knowledge_base_ids,omitempty"`
	RetrievalParams  RetrievalParams `json:"retrieval_params"`
}

// TerminationConfig 模板级终止条件，每次推进后检查一次
type TerminationConfig struct {
	// MaxRounds 超过该轮次后强制结束，0 表示未设置
	MaxRounds int `json:"max_rounds,omitempty"`
	// Phrase 命中该短语时结束（由可插拔谓词判定）
	Phrase string `json:"phrase,omitempty"`
	// Role 仅当发言角色为该引用时才检查 Phrase，空表示任意角色
	Role string `json:"role,omitempty"`
}

// JSON column codecs. Kept here so nothing outside the persistence boundary
// ever sees raw JSON (cf. the ScopeSet codec in types).

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(dst any, value any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (c *LogicConfig) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return jsonValue(c)
}

func (c *LogicConfig) Scan(value any) error { return jsonScan(c, value) }

func (c *KnowledgeBaseConfig) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return jsonValue(c)
}

func (c *KnowledgeBaseConfig) Scan(value any) error { return jsonScan(c, value) }

func (c *TerminationConfig) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return jsonValue(c)
}

func (c *TerminationConfig) Scan(value any) error { return jsonScan(c, value) }
