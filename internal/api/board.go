package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/model"
)

// maxFaults bounds the fault history kept for /api/faults.
const maxFaults = 50

// Board is the HTTP side's copy of the experiment. The scheduler writes to it as a
// reporter; handlers only ever read copies under the lock.
type Board struct {
	mu     sync.RWMutex
	clock  clock.Clock
	status model.ExperimentStatus
	order  []string
	snaps  map[string]model.Snapshot
	faults []model.Fault

	registry *prometheus.Registry
	cycles   *prometheus.CounterVec
	failures *prometheus.CounterVec
	syringe  *prometheus.GaugeVec
}

// NewBoard seeds the board with the experiment and the initial channel snapshots,
// which also fix the listing order.
func NewBoard(status model.ExperimentStatus, snaps []model.Snapshot, clk clock.Clock) *Board {
	if clk == nil {
		clk = clock.Real{}
	}
	b := &Board{
		clock:    clk,
		status:   status,
		snaps:    make(map[string]model.Snapshot, len(snaps)),
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replenisher_cycles_total",
			Help: "Replenishment cycles completed per channel",
		}, []string{"channel"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replenisher_faults_total",
			Help: "Failed cycles per channel and fault kind",
		}, []string{"channel", "kind"}),
		syringe: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replenisher_syringe_ul",
			Help: "Syringe volume at the last plunger read",
		}, []string{"channel"}),
	}
	b.registry.MustRegister(b.cycles, b.failures, b.syringe)

	for _, s := range snaps {
		b.order = append(b.order, s.Name)
		b.snaps[s.Name] = s
		b.cycles.WithLabelValues(s.Name).Add(0)
		b.syringe.WithLabelValues(s.Name).Set(s.SyringeUl)
	}
	return b
}

func (b *Board) Registry() *prometheus.Registry {
	return b.registry
}

func (b *Board) CycleCompleted(snap model.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(snap)
	b.cycles.WithLabelValues(snap.Name).Inc()
}

func (b *Board) CycleFailed(fault model.Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, fault)
	if len(b.faults) > maxFaults {
		b.faults = b.faults[len(b.faults)-maxFaults:]
	}
	b.failures.WithLabelValues(fault.Channel, string(fault.Kind)).Inc()
}

func (b *Board) Status(snaps []model.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range snaps {
		b.put(s)
	}
}

func (b *Board) Finished(status model.ExperimentStatus, _ error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// put must be called with the lock held.
func (b *Board) put(snap model.Snapshot) {
	if _, ok := b.snaps[snap.Name]; !ok {
		b.order = append(b.order, snap.Name)
	}
	b.snaps[snap.Name] = snap
	b.syringe.WithLabelValues(snap.Name).Set(snap.SyringeUl)
}

// Experiment returns the status with Elapsed brought up to date while running.
func (b *Board) Experiment() model.ExperimentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.status
	if st.Outcome == model.OutcomeRunning {
		st.Elapsed = max(b.clock.Now().Sub(st.Start), 0)
	}
	return st
}

func (b *Board) Channels() []model.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Snapshot, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.snaps[name])
	}
	return out
}

func (b *Board) Channel(name string) (model.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snaps[name]
	return s, ok
}

func (b *Board) Faults() []model.Fault {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Fault, len(b.faults))
	copy(out, b.faults)
	return out
}

// seconds renders durations the way the config spells them.
func seconds(d time.Duration) float64 {
	return d.Seconds()
}
