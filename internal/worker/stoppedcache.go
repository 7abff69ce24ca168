package worker

import "sync"

// stoppedCacheMax is the bound on the number of parent execution ids the
// cache retains (§4.11); eviction is FIFO once it is exceeded.
const stoppedCacheMax = 100

// planHistoryMax bounds the per-worker plan-membership map (§4.11); the
// oldest entry is dropped on insert once exceeded.
const planHistoryMax = 50

// StoppedCache is a bounded FIFO set of parent execution ids confirmed
// stopped, consulted before every network status_check to avoid storms
// when the broker redelivers many siblings of a stopped plan.
type StoppedCache struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
}

// NewStoppedCache creates an empty cache.
func NewStoppedCache() *StoppedCache {
	return &StoppedCache{set: make(map[string]struct{})}
}

// Contains reports whether id is known stopped.
func (c *StoppedCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[id]
	return ok
}

// Add records id as stopped, evicting the oldest entry if the cache is
// already at capacity.
func (c *StoppedCache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.set[id]; ok {
		return
	}
	if len(c.order) >= stoppedCacheMax {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.set, oldest)
	}
	c.set[id] = struct{}{}
	c.order = append(c.order, id)
}

// Len reports the number of entries currently cached.
func (c *StoppedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// TrimTo keeps only entries present in keep, provided the cache has grown
// past the given threshold — the heartbeat loop's step 3 (§4.8), which
// prevents unbounded growth from parents no longer referenced by any
// running task.
func (c *StoppedCache) TrimTo(keep map[string]struct{}, threshold int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) <= threshold {
		return
	}
	newOrder := make([]string, 0, len(c.order))
	newSet := make(map[string]struct{}, len(c.order))
	for _, id := range c.order {
		if _, ok := keep[id]; ok {
			newOrder = append(newOrder, id)
			newSet[id] = struct{}{}
		}
	}
	c.order = newOrder
	c.set = newSet
}

// PlanInfo mirrors what a worker has locally observed about a plan's
// membership, purely for the worker's own progress view — never read
// back by the control plane.
type PlanInfo struct {
	PlanName string
	Mode     string
	Scripts  []PlanScriptState
}

// PlanScriptState is one script's last-known position within a plan, as
// observed by this worker.
type PlanScriptState struct {
	Index int
	Name  string
	State string
}

// PlanHistory is the bounded per-worker parent_id -> PlanInfo map (§4.11).
type PlanHistory struct {
	mu    sync.Mutex
	byID  map[string]*PlanInfo
	order []string
}

// NewPlanHistory creates an empty plan-history map.
func NewPlanHistory() *PlanHistory {
	return &PlanHistory{byID: make(map[string]*PlanInfo)}
}

// Observe records or updates what this worker knows about parentID's
// plan membership, evicting the oldest entry if at capacity and parentID
// is not already tracked.
func (h *PlanHistory) Observe(parentID string, info *PlanInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[parentID]; !ok {
		if len(h.order) >= planHistoryMax {
			oldest := h.order[0]
			h.order = h.order[1:]
			delete(h.byID, oldest)
		}
		h.order = append(h.order, parentID)
	}
	h.byID[parentID] = info
}

// SetScriptState updates one script's observed state within a tracked
// plan, a no-op if the plan isn't tracked yet.
func (h *PlanHistory) SetScriptState(parentID string, index int, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.byID[parentID]
	if !ok {
		return
	}
	for i := range info.Scripts {
		if info.Scripts[i].Index == index {
			info.Scripts[i].State = state
			return
		}
	}
}

// Get returns a copy of what's tracked for parentID, if anything.
func (h *PlanHistory) Get(parentID string) (PlanInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.byID[parentID]
	if !ok {
		return PlanInfo{}, false
	}
	return *info, true
}
