package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// ScopeKind 上下文范围选择器的种类
type ScopeKind string

const (
	ScopeNone        ScopeKind = "none"         // 空上下文
	ScopeLastMessage ScopeKind = "last_message" // 仅最近一条消息
	ScopeLastRound   ScopeKind = "last_round"   // 当前轮次的全部消息
	ScopeAll         ScopeKind = "all"          // 全部历史
	ScopeByRole      ScopeKind = "by_role"      // 指定角色的全部消息
	ScopeTopic       ScopeKind = "topic"        // 话题哨兵：注入会话话题而非过滤消息
)

// ContextScope is one context-scope selector: a kind plus, for ScopeByRole,
// the role reference it filters on.
type ContextScope struct {
	Kind ScopeKind `json:"kind"`
	Role string    `json:"role,omitempty"`
}

// ScopeSet is the multi-select form a step stores. The builder always works
// on the set; raw column encoding never leaves this file.
type ScopeSet []ContextScope

// ParseScopeToken converts one stored token into a selector. Any token that
// is not a reserved keyword is a role reference.
func ParseScopeToken(token string) ContextScope {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", string(ScopeNone):
		return ContextScope{Kind: ScopeNone}
	case string(ScopeLastMessage):
		return ContextScope{Kind: ScopeLastMessage}
	case string(ScopeLastRound):
		return ContextScope{Kind: ScopeLastRound}
	case string(ScopeAll):
		return ContextScope{Kind: ScopeAll}
	case string(ScopeTopic):
		return ContextScope{Kind: ScopeTopic}
	default:
		return ContextScope{Kind: ScopeByRole, Role: strings.TrimSpace(token)}
	}
}

// ParseScopes decodes the persisted column form: either a bare token or a
// JSON string array. The zero value decodes to {none}.
func ParseScopes(raw string) (ScopeSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ScopeSet{{Kind: ScopeNone}}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var tokens []string
		if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
			return nil, fmt.Errorf("decode context scope list: %w", err)
		}
		if len(tokens) == 0 {
			return ScopeSet{{Kind: ScopeNone}}, nil
		}
		set := make(ScopeSet, 0, len(tokens))
		for _, tok := range tokens {
			set = append(set, ParseScopeToken(tok))
		}
		return set, nil
	}
	return ScopeSet{ParseScopeToken(raw)}, nil
}

// Token returns the storable token for a selector.
func (s ContextScope) Token() string {
	if s.Kind == ScopeByRole {
		return s.Role
	}
	return string(s.Kind)
}

// Encode renders the set back to its column form: a bare token for a single
// selector, a JSON array otherwise.
func (ss ScopeSet) Encode() (string, error) {
	switch len(ss) {
	case 0:
		return string(ScopeNone), nil
	case 1:
		return ss[0].Token(), nil
	default:
		tokens := make([]string, 0, len(ss))
		for _, s := range ss {
			tokens = append(tokens, s.Token())
		}
		b, err := json.Marshal(tokens)
		if err != nil {
			return "", fmt.Errorf("encode context scope list: %w", err)
		}
		return string(b), nil
	}
}

// Has reports whether the set contains a selector of the given kind.
func (ss ScopeSet) Has(kind ScopeKind) bool {
	for _, s := range ss {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// Roles returns the role references of every ByRole selector, in order.
func (ss ScopeSet) Roles() []string {
	var roles []string
	for _, s := range ss {
		if s.Kind == ScopeByRole {
			roles = append(roles, s.Role)
		}
	}
	return roles
}

// Value implements driver.Valuer; this is the persistence boundary.
func (ss ScopeSet) Value() (driver.Value, error) {
	return ss.Encode()
}

// Scan implements sql.Scanner.
func (ss *ScopeSet) Scan(value any) error {
	var raw string
	switch v := value.(type) {
	case nil:
		raw = ""
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported context scope column type %T", value)
	}
	parsed, err := ParseScopes(raw)
	if err != nil {
		return err
	}
	*ss = parsed
	return nil
}
