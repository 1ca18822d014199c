// Package session holds the runtime state of one template instantiation:
// the session row with its frozen template snapshot, the append-only message
// history, lazily bound session roles and the loop counters that bound
// backward step jumps.
package session

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/flowdialog/flow"
)

// Status 会话状态机的状态
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
)

// RoleMappings 模板角色引用 → 角色目录名称的快照，JSON 列
type RoleMappings map[string]string

func (m RoleMappings) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *RoleMappings) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = RoleMappings{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported role mappings column type %T", value)
	}
	if len(raw) == 0 {
		*m = RoleMappings{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Session 一次模板实例化的运行状态
// Snapshot 在创建时设置且永不变更；CurrentStepID 永远指向快照内的步骤。
type Session struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	Topic         string         `gorm:"type:text" json:"topic"`
	TemplateID    string         `gorm:"size:36;index" json:"template_id"`
	Snapshot      *flow.Snapshot `gorm:"type:text" json:"snapshot"`
	RoleMappings  RoleMappings   `gorm:"type:text" json:"role_mappings"`
	Status        Status         `gorm:"size:16;not null;index" json:"status"`
	CurrentStepID string         `gorm:"size:36" json:"current_step_id"`
	CurrentOrder  int            `json:"current_order"`
	CurrentRound  int            `json:"current_round"`
	ExecutedSteps int            `json:"executed_steps"`
	ErrorReason   string         `gorm:"type:text" json:"error_reason,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Message 会话内一条已生成的发言，只追加、永不修改
type Message struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID     string    `gorm:"size:36;not null;index" json:"session_id"`
	SessionRoleID string    `gorm:"size:36" json:"session_role_id"`
	RoleRef       string    `gorm:"size:100;not null;index" json:"role_ref"` // 发言者的模板角色引用
	Content       string    `gorm:"type:text" json:"content"`
	Summary       string    `gorm:"size:512" json:"summary"`
	RoundIndex    int       `gorm:"not null;index" json:"round_index"`
	Section       string    `gorm:"size:32" json:"section"` // 由任务类型派生
	CreatedAt     time.Time `json:"created_at"`
}

// SessionRole 将模板的抽象角色引用绑定到角色目录的具体角色
// 首次引用时惰性创建，会话生命周期内缓存。
type SessionRole struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID string    `gorm:"size:36;not null;index:idx_session_ref,unique" json:"session_id"`
	RoleRef   string    `gorm:"size:100;not null;index:idx_session_ref,unique" json:"role_ref"`
	RoleID    string    `gorm:"size:36;not null" json:"role_id"`
	RoleName  string    `gorm:"size:200" json:"role_name"`
	Persona   string    `gorm:"type:text" json:"persona"`
	CreatedAt time.Time `json:"created_at"`
}

// LoopCounter 记录 (from,to) 步骤对发生过多少次覆盖跳转
type LoopCounter struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SessionID string `gorm:"size:36;not null;index:idx_session_pair,unique" json:"session_id"`
	FromOrder int    `gorm:"not null;index:idx_session_pair,unique" json:"from_order"`
	ToOrder   int    `gorm:"not null;index:idx_session_pair,unique" json:"to_order"`
	Count     int    `gorm:"not null;default:0" json:"count"`
}

// Summarize derives the short content summary stored beside a message.
// Rune-safe so multibyte content never gets split mid-character.
func Summarize(content string, limit int) string {
	if limit <= 0 {
		limit = 200
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "…"
}
