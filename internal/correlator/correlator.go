// Package correlator matches push and status webhook events of the same
// deployment line and turns them into deployment duration, failure, MTTR and
// lead time metrics.
//
// All state lives in three tables guarded by one mutex. Every handler call
// runs its whole lookup, removal and metric emission under that mutex, so an
// entry is consumed by at most one event.
package correlator

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deploy-metrics/internal/logger"
	"deploy-metrics/internal/metrics"
	"deploy-metrics/internal/models"
)

// Eviction reasons reported to the recorder.
const (
	EvictTTL      = "ttl"
	EvictCapacity = "capacity"
)

// lineKey identifies one deployment line.
type lineKey struct {
	repository  string
	branch      string
	environment string
}

type commitKey struct {
	repository string
	branch     string
	commitID   string
}

type commitEntry struct {
	key         commitKey
	committedAt time.Time
	recordedAt  time.Time
}

// Options configures a Correlator.
type Options struct {
	// TrackFailureStart opens a recovery window on every failure so the next
	// terminal event observes MTTR. Off leaves mttr_seconds empty.
	TrackFailureStart bool
	// CommitTTL drops commit timestamps older than this on EvictExpired.
	// Zero keeps them forever.
	CommitTTL time.Duration
	// MaxCommits caps the commit table; the oldest recorded entry goes first.
	// Zero means unbounded.
	MaxCommits int
	// Now is the clock used for commit bookkeeping. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a snapshot of the table sizes.
type Stats struct {
	Pending  int
	Failures int
	Commits  int
}

// Correlator owns the correlation tables.
type Correlator struct {
	recorder metrics.Recorder
	logger   *logrus.Entry
	opts     Options

	mu       sync.Mutex
	pending  map[lineKey]time.Time
	failures map[lineKey]time.Time
	commits  map[commitKey]*list.Element
	// commitOrder holds *commitEntry oldest-recorded first.
	commitOrder *list.List
}

// New creates a Correlator reporting to recorder.
func New(recorder metrics.Recorder, opts Options) *Correlator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		recorder:    recorder,
		logger:      logger.WithModule("correlator"),
		opts:        opts,
		pending:     make(map[lineKey]time.Time),
		failures:    make(map[lineKey]time.Time),
		commits:     make(map[commitKey]*list.Element),
		commitOrder: list.New(),
	}
}

// HandlePush records the head commit timestamp of a push, overwriting any
// earlier record for the same repository, branch and commit.
func (c *Correlator) HandlePush(p models.Push) {
	key := commitKey{repository: p.Repository, branch: p.Branch, commitID: p.CommitID}

	c.mu.Lock()
	if el, ok := c.commits[key]; ok {
		c.commitOrder.Remove(el)
	}
	c.commits[key] = c.commitOrder.PushBack(&commitEntry{
		key:         key,
		committedAt: p.CommittedAt,
		recordedAt:  c.opts.Now(),
	})
	evicted := 0
	for c.opts.MaxCommits > 0 && c.commitOrder.Len() > c.opts.MaxCommits {
		c.removeCommit(c.commitOrder.Front())
		evicted++
	}
	c.recorder.IncCommitEvictions(EvictCapacity, evicted)
	c.reportSizes()
	c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{
		"repository":   p.Repository,
		"branch":       p.Branch,
		"commit":       p.CommitID,
		"committed_at": p.CommittedAt,
	})
	if evicted > 0 {
		log.WithField("evicted", evicted).Warn("Commit table full, oldest entries evicted")
	}
	log.Info("Commit recorded")
}

// statusOutcome is what one status event produced, logged after the lock is
// released.
type statusOutcome struct {
	uncorrelated   bool
	pendingStarted bool
	duration       *float64
	recovery       *float64
	leadTime       *float64
	commitUntimed  bool
}

// HandleStatus applies one status transition to its deployment line.
func (c *Correlator) HandleStatus(s models.Status) {
	c.mu.Lock()
	out := c.applyStatus(s)
	c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{
		"state":       s.State,
		"environment": s.Environment,
		"repository":  s.Repository,
		"branch":      s.Branch,
		"commit":      s.CommitID,
	})
	switch {
	case out.uncorrelated:
		log.Warn("Status event lists no branch, skipping correlation")
	case out.pendingStarted:
		log.WithField("started_at", s.CreatedAt).Info("Pending deployment started")
	}
	if out.duration != nil {
		log.WithField("duration_seconds", *out.duration).Info("Deployment finished")
	}
	if out.recovery != nil {
		log.WithField("recovery_seconds", *out.recovery).Info("Recovered from failed deployment")
	}
	if out.leadTime != nil {
		log.WithField("lead_time_seconds", *out.leadTime).Info("Lead time recorded")
	}
	if out.commitUntimed {
		log.Warn("Commit was recorded without a timestamp, no lead time")
	}
}

// applyStatus must be called with c.mu held.
func (c *Correlator) applyStatus(s models.Status) statusOutcome {
	var out statusOutcome

	c.recorder.IncDeployment(s.State, s.Environment, s.Repository, s.Branch)
	if s.State == models.StateFailure {
		c.recorder.IncDeploymentFailure(s.Environment, s.Repository, s.Branch)
	}

	// Counters only need labels; the tables need a branch.
	if s.Branch == "" {
		out.uncorrelated = true
		return out
	}

	key := lineKey{repository: s.Repository, branch: s.Branch, environment: s.Environment}

	if s.State == models.StatePending {
		c.pending[key] = s.CreatedAt
		c.reportSizes()
		out.pendingStarted = true
		return out
	}
	if !s.IsTerminal() {
		return out
	}

	if started, ok := c.pending[key]; ok {
		delete(c.pending, key)
		duration := s.CreatedAt.Sub(started).Seconds()
		c.recorder.SetDeploymentDuration(s.State, s.Environment, s.Repository, s.Branch, duration)
		out.duration = &duration
	}

	if failedAt, ok := c.failures[key]; ok {
		delete(c.failures, key)
		recovery := s.CreatedAt.Sub(failedAt).Seconds()
		c.recorder.ObserveRecoveryTime(s.Environment, s.Repository, s.Branch, recovery)
		out.recovery = &recovery
	}

	// Opened after the lookup above so a failure never closes its own window.
	if s.State == models.StateFailure && c.opts.TrackFailureStart {
		c.failures[key] = s.CreatedAt
	}

	if s.CommitID != "" {
		ck := commitKey{repository: s.Repository, branch: s.Branch, commitID: s.CommitID}
		if el, ok := c.commits[ck]; ok {
			entry := c.removeCommit(el)
			if entry.committedAt.IsZero() {
				out.commitUntimed = true
			} else {
				leadTime := s.CreatedAt.Sub(entry.committedAt).Seconds()
				c.recorder.ObserveLeadTime(s.Repository, s.Branch, leadTime)
				out.leadTime = &leadTime
			}
		}
	}

	c.reportSizes()
	return out
}

// EvictExpired drops commit timestamps recorded longer than CommitTTL ago and
// returns how many were dropped.
func (c *Correlator) EvictExpired() int {
	if c.opts.CommitTTL <= 0 {
		return 0
	}

	c.mu.Lock()
	cutoff := c.opts.Now().Add(-c.opts.CommitTTL)
	evicted := 0
	for el := c.commitOrder.Front(); el != nil; el = c.commitOrder.Front() {
		if el.Value.(*commitEntry).recordedAt.After(cutoff) {
			break
		}
		c.removeCommit(el)
		evicted++
	}
	if evicted > 0 {
		c.recorder.IncCommitEvictions(EvictTTL, evicted)
		c.reportSizes()
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.WithField("evicted", evicted).Info("Expired commit timestamps evicted")
	}
	return evicted
}

// Run calls EvictExpired every interval until ctx is done. It returns
// immediately with nil when eviction is disabled.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || c.opts.CommitTTL <= 0 {
		c.logger.Info("Commit eviction disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}

// Stats returns the current table sizes.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:  len(c.pending),
		Failures: len(c.failures),
		Commits:  len(c.commits),
	}
}

// removeCommit must be called with c.mu held.
func (c *Correlator) removeCommit(el *list.Element) *commitEntry {
	entry := c.commitOrder.Remove(el).(*commitEntry)
	delete(c.commits, entry.key)
	return entry
}

// reportSizes must be called with c.mu held.
func (c *Correlator) reportSizes() {
	c.recorder.SetCorrelationEntries(metrics.TablePending, len(c.pending))
	c.recorder.SetCorrelationEntries(metrics.TableFailures, len(c.failures))
	c.recorder.SetCorrelationEntries(metrics.TableCommits, len(c.commits))
}
