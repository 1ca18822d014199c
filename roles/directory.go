// Package roles defines the role-directory collaborator contract and the
// session-scoped binder that lazily resolves a template's abstract role
// references into concrete directory roles.
package roles

import "context"

// KnowledgeAssociation links a role to a knowledge base with a priority and
// optional filter rules. Lower Priority values are consulted first.
type KnowledgeAssociation struct {
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	Priority        int               `json:"priority"`
	Filter          map[string]string `json:"filter,omitempty"`
}

// Role is a directory entry: persona text plus knowledge associations.
type Role struct {
	ID                    string                 `json:"id"`
	Name                  string                 `json:"name"`
	Persona               string                 `json:"persona"`
	KnowledgeAssociations []KnowledgeAssociation `json:"knowledge_associations,omitempty"`
}

// Directory 角色目录协作方契约
// 未知名称返回 types.ErrNotFound 编码的错误。
type Directory interface {
	GetRole(ctx context.Context, name string) (*Role, error)
}
