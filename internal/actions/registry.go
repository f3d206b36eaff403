package actions

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// Registry is the thread-safe HandlerRegistry keyed by action type and version.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// ActionInfo summarizes a registered handler.
type ActionInfo struct {
	Type        string `json:"type"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

func registryKey(actionType, version string) string {
	return actionType + "@" + version
}

// Register adds a handler. Returns a CONFLICT error on a duplicate type and version.
func (r *Registry) Register(actionType, version string, h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if strings.TrimSpace(actionType) == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}
	if strings.TrimSpace(version) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q: version is empty", actionType)
	}

	key := registryKey(actionType, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// GetActionHandler resolves a handler; the bool is false when none is registered.
func (r *Registry) GetActionHandler(actionType, version string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(actionType, version)]
	return h, ok
}

// Has reports whether a handler is registered for the type and version.
func (r *Registry) Has(actionType, version string) bool {
	_, ok := r.GetActionHandler(actionType, version)
	return ok
}

// List returns every registered handler, sorted by type then version.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.handlers))
	for key, h := range r.handlers {
		i := strings.LastIndex(key, "@")
		info := ActionInfo{Type: key[:i], Version: key[i+1:]}
		if d, ok := h.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Type != infos[j].Type {
			return infos[i].Type < infos[j].Type
		}
		return infos[i].Version < infos[j].Version
	})
	return infos
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

var _ HandlerRegistry = (*Registry)(nil)
