package channel

import "sync"

// Registry owns every channel for one server instance: the statically
// configured channels created eagerly at startup, plus any created
// lazily on first reference when dynamic channels are enabled.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	// DefaultConfig is applied to channels created on demand.
	DefaultConfig Config
	// AllowUndefined mirrors server.allowUndefinedChannels: when
	// false, GetOrCreate never creates a channel, only looks one up.
	AllowUndefined bool

	// OnDrop, set by the caller, is wired into every channel created
	// through this registry (propagated to Channel.OnDrop).
	OnDrop func()
}

// NewRegistry constructs an empty registry. Static channels from
// config are installed via Define before the server starts accepting
// connections.
func NewRegistry(defaultConfig Config, allowUndefined bool) *Registry {
	return &Registry{
		channels:       make(map[string]*Channel),
		DefaultConfig:  defaultConfig,
		AllowUndefined: allowUndefined,
	}
}

// Define eagerly installs a statically configured channel. Called
// once per configured channel at startup; panics on a duplicate id
// since that indicates a config-loading bug, not a runtime condition.
func (r *Registry) Define(id string, cfg Config) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[id]; exists {
		panic("channel: duplicate channel id " + id)
	}
	ch := New(id, cfg)
	ch.OnDrop = r.OnDrop
	r.channels[id] = ch
	return ch
}

// Lookup returns an existing channel without creating one.
func (r *Registry) Lookup(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// GetOrCreate resolves a channel by id, creating it with the
// registry's default config if it does not yet exist and dynamic
// channels are allowed. The second return value is false when the
// channel does not exist and cannot be created.
func (r *Registry) GetOrCreate(id string) (*Channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return ch, true
	}
	if !r.AllowUndefined {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[id]; ok {
		return ch, true
	}
	ch = New(id, r.DefaultConfig)
	ch.OnDrop = r.OnDrop
	r.channels[id] = ch
	return ch, true
}

// All returns a snapshot of every channel, used by the stats renderer.
func (r *Registry) All() map[string]*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Channel, len(r.channels))
	for id, ch := range r.channels {
		out[id] = ch
	}
	return out
}

// Stop shuts down every channel's fan-out worker, used at process
// shutdown.
func (r *Registry) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		ch.Stop()
	}
}
