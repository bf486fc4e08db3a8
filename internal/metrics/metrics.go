// Package metrics holds the instruments the correlator and the webhook
// dispatcher update.
package metrics

// Correlation table names used as the "table" label.
const (
	TablePending  = "pending"
	TableFailures = "failures"
	TableCommits  = "commits"
)

// Recorder captures metric events for the application.
type Recorder interface {
	// Deployment lifecycle metrics
	IncDeployment(state, environment, repository, branch string)
	SetDeploymentDuration(state, environment, repository, branch string, seconds float64)
	IncDeploymentFailure(environment, repository, branch string)
	ObserveRecoveryTime(environment, repository, branch string, seconds float64)
	ObserveLeadTime(repository, branch string, seconds float64)

	// Service metrics
	IncWebhookEvent(event, result string)
	SetCorrelationEntries(table string, n int)
	IncCommitEvictions(reason string, n int)
}
