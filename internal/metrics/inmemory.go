package metrics

import (
	"strings"
	"sync"
)

// InMemoryRecorder stores metric events in memory for tests.
type InMemoryRecorder struct {
	mu sync.Mutex

	deployments   map[string]int
	durations     map[string]float64
	durationSets  int
	failures      map[string]int
	recoveryTimes map[string][]float64
	leadTimes     map[string][]float64

	webhookEvents map[string]int
	entries       map[string]int
	evictions     map[string]int
}

// NewInMemory returns a Recorder that keeps every event in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		deployments:   make(map[string]int),
		durations:     make(map[string]float64),
		failures:      make(map[string]int),
		recoveryTimes: make(map[string][]float64),
		leadTimes:     make(map[string][]float64),
		webhookEvents: make(map[string]int),
		entries:       make(map[string]int),
		evictions:     make(map[string]int),
	}
}

func key(labels ...string) string {
	return strings.Join(labels, "\x00")
}

func (m *InMemoryRecorder) IncDeployment(state, environment, repository, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[key(state, environment, repository, branch)]++
}

func (m *InMemoryRecorder) SetDeploymentDuration(state, environment, repository, branch string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[key(state, environment, repository, branch)] = seconds
	m.durationSets++
}

func (m *InMemoryRecorder) IncDeploymentFailure(environment, repository, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key(environment, repository, branch)]++
}

func (m *InMemoryRecorder) ObserveRecoveryTime(environment, repository, branch string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(environment, repository, branch)
	m.recoveryTimes[k] = append(m.recoveryTimes[k], seconds)
}

func (m *InMemoryRecorder) ObserveLeadTime(repository, branch string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(repository, branch)
	m.leadTimes[k] = append(m.leadTimes[k], seconds)
}

func (m *InMemoryRecorder) IncWebhookEvent(event, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookEvents[key(event, result)]++
}

func (m *InMemoryRecorder) SetCorrelationEntries(table string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[table] = n
}

func (m *InMemoryRecorder) IncCommitEvictions(reason string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions[reason] += n
}

// Deployments returns the deployment counter for a label set.
func (m *InMemoryRecorder) Deployments(state, environment, repository, branch string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deployments[key(state, environment, repository, branch)]
}

// Duration returns the last duration set for a label set and whether one was set.
func (m *InMemoryRecorder) Duration(state, environment, repository, branch string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.durations[key(state, environment, repository, branch)]
	return v, ok
}

// DurationSets counts every duration update across all label sets.
func (m *InMemoryRecorder) DurationSets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationSets
}

func (m *InMemoryRecorder) Failures(environment, repository, branch string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[key(environment, repository, branch)]
}

func (m *InMemoryRecorder) RecoveryTimes(environment, repository, branch string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.recoveryTimes[key(environment, repository, branch)]...)
}

func (m *InMemoryRecorder) LeadTimes(repository, branch string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.leadTimes[key(repository, branch)]...)
}

func (m *InMemoryRecorder) WebhookEvents(event, result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhookEvents[key(event, result)]
}

func (m *InMemoryRecorder) CorrelationEntries(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[table]
}

func (m *InMemoryRecorder) CommitEvictions(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions[reason]
}
