package roles

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/flowdialog/session"
	"github.com/BaSui01/flowdialog/types"
)

// Binder resolves a session's role references. The first reference of a ref
// consults the directory (through the session's frozen ref→name mapping),
// persists the binding and caches it; later references hit the cache.
// Concurrent first references of the same ref collapse into one directory
// call via singleflight.
type Binder struct {
	directory Directory
	store     *session.Store
	logger    *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*session.SessionRole // key: sessionID + "/" + ref
}

// NewBinder creates a role binder.
func NewBinder(directory Directory, store *session.Store, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		directory: directory,
		store:     store,
		logger:    logger,
		cache:     make(map[string]*session.SessionRole),
	}
}

// Resolve returns the session role binding for a template role reference,
// creating it on first use. The session's RoleMappings snapshot translates
// the abstract ref into the directory name to look up.
func (b *Binder) Resolve(ctx context.Context, sess *session.Session, ref string) (*session.SessionRole, error) {
	key := sess.ID + "/" + ref

	b.mu.RLock()
	cached, ok := b.cache[key]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := b.group.Do(key, func() (any, error) {
		return b.resolveSlow(ctx, sess, ref)
	})
	if err != nil {
		return nil, err
	}
	sr := v.(*session.SessionRole)

	b.mu.Lock()
	b.cache[key] = sr
	b.mu.Unlock()
	return sr, nil
}

func (b *Binder) resolveSlow(ctx context.Context, sess *session.Session, ref string) (*session.SessionRole, error) {
	// 绑定可能已由早前进程持久化
	if sr, err := b.store.GetSessionRole(ctx, sess.ID, ref); err == nil {
		return sr, nil
	} else if !types.IsCode(err, types.ErrNotFound) {
		return nil, err
	}

	name, ok := sess.RoleMappings[ref]
	if !ok || name == "" {
		return nil, types.NewErrorf(types.ErrValidation,
			"session %s has no role mapping for ref %q", sess.ID, ref)
	}

	role, err := b.directory.GetRole(ctx, name)
	if err != nil {
		return nil, err
	}

	sr := &session.SessionRole{
		SessionID: sess.ID,
		RoleRef:   ref,
		RoleID:    role.ID,
		RoleName:  role.Name,
		Persona:   role.Persona,
	}
	if err := b.store.SaveSessionRole(ctx, sr); err != nil {
		return nil, err
	}
	b.logger.Debug("session role bound",
		zap.String("session_id", sess.ID),
		zap.String("ref", ref),
		zap.String("role", role.Name))
	return sr, nil
}

// Associations returns the directory knowledge associations of the role a
// ref is bound to. Used by the knowledge adapter to order knowledge bases by
// priority. Failing to look the role up again is not fatal; an empty list
// means "no ordering preference".
func (b *Binder) Associations(ctx context.Context, sess *session.Session, ref string) []KnowledgeAssociation {
	name, ok := sess.RoleMappings[ref]
	if !ok {
		return nil
	}
	role, err := b.directory.GetRole(ctx, name)
	if err != nil {
		b.logger.Debug("knowledge association lookup failed",
			zap.String("ref", ref), zap.Error(err))
		return nil
	}
	return role.KnowledgeAssociations
}
