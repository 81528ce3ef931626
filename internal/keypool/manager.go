package keypool

import "sync"

// UpstreamPools holds every variable pool declared for one upstream.
type UpstreamPools struct {
	KeyVariable string
	pools       map[string]*Pool
}

// NewUpstreamPools builds one Pool per declared variable, using strategy
// for the key_variable pool (all other variables pick round-robin, since
// only the rotated credential needs a balancing strategy).
func NewUpstreamPools(keyVariable string, strategy Strategy, variables map[string][]string, weights map[string][]float64) *UpstreamPools {
	up := &UpstreamPools{KeyVariable: keyVariable, pools: make(map[string]*Pool, len(variables))}
	for name, values := range variables {
		isKey := name == keyVariable
		st := RoundRobin
		if isKey {
			st = strategy
		}
		up.pools[name] = NewPool(name, st, values, weights[name], isKey)
	}
	return up
}

// Pool returns the named variable's pool, or nil if undeclared.
func (u *UpstreamPools) Pool(name string) *Pool { return u.pools[name] }

// KeyPool returns the pool backing key_variable.
func (u *UpstreamPools) KeyPool() *Pool { return u.pools[u.KeyVariable] }

// Manager owns one UpstreamPools per upstream id. The gateway keeps a
// single Manager and replaces an upstream's pools with Set each time it is
// reconfigured.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*UpstreamPools
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*UpstreamPools)}
}

// Set installs the pools for one upstream id.
func (m *Manager) Set(upstreamID string, pools *UpstreamPools) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[upstreamID] = pools
}

// Get returns the pools for one upstream id, or nil.
func (m *Manager) Get(upstreamID string) *UpstreamPools {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[upstreamID]
}
