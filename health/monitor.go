package health

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/udpkit/component"
)

// Monitor tracks a set of Discoverable components and produces aggregate
// health snapshots on demand.
type Monitor struct {
	mu         sync.RWMutex
	components map[string]component.Discoverable
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		components: make(map[string]component.Discoverable),
	}
}

// Register tracks a component under its metadata name. Re-registering the
// same name replaces the previous entry.
func (m *Monitor) Register(d component.Discoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[d.Meta().Name] = d
}

// Remove stops tracking a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.components, name)
}

// Get returns the current status of one tracked component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	d, ok := m.components[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return FromComponent(d), true
}

// Count returns the number of tracked components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.components)
}

// Snapshot polls every tracked component. The summary is healthy only when
// all components report healthy; an empty monitor is healthy.
func (m *Monitor) Snapshot() Summary {
	m.mu.RLock()
	tracked := make([]component.Discoverable, 0, len(m.components))
	for _, d := range m.components {
		tracked = append(tracked, d)
	}
	m.mu.RUnlock()

	summary := Summary{
		Healthy:    true,
		Components: make([]Status, 0, len(tracked)),
		Timestamp:  time.Now(),
	}
	for _, d := range tracked {
		st := FromComponent(d)
		if !st.Healthy {
			summary.Healthy = false
		}
		summary.Components = append(summary.Components, st)
	}
	sort.Slice(summary.Components, func(i, j int) bool {
		return summary.Components[i].Component < summary.Components[j].Component
	})
	return summary
}
