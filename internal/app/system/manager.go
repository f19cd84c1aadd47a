package system

import (
	"context"
	"fmt"
	"sync"
)

// Status is a module's lifecycle state as tracked by Manager.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// ModuleState is a point-in-time snapshot of one registered module, as
// returned by Manager.Snapshot.
type ModuleState struct {
	Name   string
	Domain string
	Status Status
}

type entry struct {
	svc    Service
	domain string
	status Status
}

// Manager starts and stops registered Services in registration order and
// tears them down in reverse order, matching the "no mid-run cancellation,
// bounded graceful shutdown" lifecycle the core services expect from their
// host process.
type Manager struct {
	mu      sync.Mutex
	entries []*entry
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds svc to the managed set. Order is preserved for Start/Stop.
func (m *Manager) Register(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain := ""
	if dp, ok := svc.(DescriptorProvider); ok {
		domain = dp.Descriptor().Domain
	}
	m.entries = append(m.entries, &entry{svc: svc, domain: domain, status: StatusPending})
}

// Start starts every registered module in order. If one fails, Start stops
// every module that already started (in reverse order) before returning the
// original error, so a partial-start process never leaves orphaned modules
// running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.Unlock()

	started := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if err := e.svc.Start(ctx); err != nil {
			m.setStatus(e, StatusFailed)
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].svc.Stop(ctx)
				m.setStatus(started[i], StatusStopped)
			}
			return fmt.Errorf("start module %s: %w", e.svc.Name(), err)
		}
		m.setStatus(e, StatusRunning)
		started = append(started, e)
	}
	return nil
}

// Stop stops every registered module in reverse order, collecting (not
// short-circuiting on) errors so one misbehaving module can't prevent the
// rest from shutting down cleanly.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.status != StatusRunning {
			continue
		}
		if err := e.svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop module %s: %w", e.svc.Name(), err))
			m.setStatus(e, StatusFailed)
			continue
		}
		m.setStatus(e, StatusStopped)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("shutdown errors: %v", errs)
}

// Snapshot returns the current lifecycle state of every registered module.
func (m *Manager) Snapshot() []ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ModuleState, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, ModuleState{Name: e.svc.Name(), Domain: e.domain, Status: e.status})
	}
	return out
}

func (m *Manager) setStatus(e *entry, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.status = status
}
