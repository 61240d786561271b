package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/bridge/internal/infra/storage"
)

// Pinger is any dependency with a liveness probe: the database, the cache,
// chain connectors.
type Pinger interface {
	Health(ctx context.Context) error
}

// HaltReader exposes the governor's halt flag to the report.
type HaltReader interface {
	IsHalted() bool
}

// Monitor aggregates health status from the node's dependencies.
type Monitor struct {
	components map[string]Pinger
	halt       HaltReader
	txs        storage.TransactionRepository
	escrow     storage.EscrowRepository

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor. txs and escrow may be nil when
// the node runs without persistence-backed stats.
func NewMonitor(halt HaltReader, txs storage.TransactionRepository, escrow storage.EscrowRepository) *Monitor {
	return &Monitor{
		components: make(map[string]Pinger),
		halt:       halt,
		txs:        txs,
		escrow:     escrow,
	}
}

// Register adds a named dependency to the probe set.
func (m *Monitor) Register(name string, p Pinger) {
	m.components[name] = p
}

// CheckHealth probes every dependency and assembles the report. Checks are
// rate limited to once per 10s; callers inside the window get the cached
// report.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
		Transfers:    make(map[string]int),
	}
	if m.halt != nil {
		report.Halted = m.halt.IsHalted()
	}

	for name, p := range m.components {
		ch := ComponentHealth{Name: name, Status: StatusHealthy}
		if err := p.Health(ctx); err != nil {
			ch.Status = StatusCritical
			ch.Detail = err.Error()
		}
		report.Components[name] = ch
	}

	// Worst component wins. The database down is critical; a single
	// connector down degrades.
	for name, ch := range report.Components {
		if ch.Status != StatusCritical {
			continue
		}
		if name == "database" {
			report.SystemStatus = StatusCritical
		} else if report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}

	if m.txs != nil {
		if counts, err := m.txs.CountByStatus(ctx); err == nil {
			for status, n := range counts {
				report.Transfers[string(status)] = n
			}
		}
	}
	if m.escrow != nil {
		if total, err := m.escrow.TotalLocked(ctx); err == nil {
			report.TotalLocked = total
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
