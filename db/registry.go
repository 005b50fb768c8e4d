package db

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/telemetry"
)

// Registry tracks every open handle by its (entity, database) key and
// enforces the one-handle-per-pair policy. Close deregisters explicitly;
// anything still registered when Sweep runs is a leak and gets reported,
// never silently reclaimed.
type Registry struct {
	handles *xsync.MapOf[string, *Handle]
}

// NewRegistry creates an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{handles: xsync.NewMapOf[string, *Handle]()}
}

func registryKey(entity, database string) string {
	return entity + "/" + database
}

// register claims the key for a handle. Fails if another open handle
// already holds it.
func (r *Registry) register(h *Handle) error {
	key := registryKey(h.entity, h.database)
	if _, loaded := r.handles.LoadOrStore(key, h); loaded {
		return fmt.Errorf("handle already open for %s", key)
	}
	telemetry.OpenHandles.Inc()
	return nil
}

// deregister releases the key on close.
func (r *Registry) deregister(h *Handle) {
	key := registryKey(h.entity, h.database)
	if _, ok := r.handles.LoadAndDelete(key); ok {
		telemetry.OpenHandles.Dec()
	}
}

// Get returns the open handle for a pair, if any.
func (r *Registry) Get(entity, database string) (*Handle, bool) {
	return r.handles.Load(registryKey(entity, database))
}

// Sweep closes every handle still registered and reports each one as a
// leak. Intended for process teardown; hot paths must Close explicitly.
func (r *Registry) Sweep() int {
	leaked := 0
	r.handles.Range(func(key string, h *Handle) bool {
		leaked++
		telemetry.LeakedHandles.Inc()
		log.Warn().Str("handle", key).Msg("Handle leaked, closing in registry sweep")
		if err := h.Close(); err != nil {
			log.Error().Err(err).Str("handle", key).Msg("Failed to close leaked handle")
		}
		return true
	})
	return leaked
}
