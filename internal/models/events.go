package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v39/github"
)

// Event kinds carried in the X-GitHub-Event header.
const (
	EventPush        = "push"
	EventStatus      = "status"
	EventIssues      = "issues"
	EventPullRequest = "pull_request"
)

// Status states that drive correlation. Any other value is only counted.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
)

var (
	ErrMissingField   = errors.New("missing required field")
	ErrTimestampParse = errors.New("invalid timestamp")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Push is the part of a push event the correlator needs. Empty strings mean
// the value was absent; a zero CommittedAt means the head commit had no
// timestamp.
type Push struct {
	Repository  string
	Branch      string
	CommitID    string
	CommittedAt time.Time
}

// Status is a decoded commit status transition. An empty Branch means the
// payload listed no branches.
type Status struct {
	State       string
	Environment string
	Repository  string
	Branch      string
	CommitID    string
	CreatedAt   time.Time
}

// IsTerminal reports whether the state closes a deployment attempt.
func (s Status) IsTerminal() bool {
	return s.State == StateSuccess || s.State == StateFailure
}

// pushPayload extends go-github's push event with the branches list some
// senders include next to ref.
type pushPayload struct {
	github.PushEvent
	Branches []*github.Branch `json:"branches,omitempty"`
}

// ParsePush decodes a push event body.
func ParsePush(body []byte) (Push, error) {
	var payload pushPayload
	if err := decode(body, &payload); err != nil {
		return Push{}, err
	}

	repo := payload.GetRepo().GetName()
	if repo == "" {
		return Push{}, missing("repository.name")
	}

	push := Push{
		Repository: repo,
		Branch:     firstBranch(payload.Branches),
	}
	if push.Branch == "" {
		push.Branch = branchFromRef(payload.GetRef())
	}
	if head := payload.GetHeadCommit(); head != nil {
		push.CommitID = head.GetID()
		if head.Timestamp != nil {
			push.CommittedAt = head.Timestamp.Time
		}
	}
	return push, nil
}

// ParseStatus decodes a status event body.
func ParseStatus(body []byte) (Status, error) {
	var payload github.StatusEvent
	if err := decode(body, &payload); err != nil {
		return Status{}, err
	}

	status := Status{
		State:       payload.GetState(),
		Environment: payload.GetContext(),
		Repository:  payload.GetRepo().GetName(),
		Branch:      firstBranch(payload.Branches),
		CommitID:    payload.GetCommit().GetSHA(),
	}
	if status.CommitID == "" {
		status.CommitID = payload.GetSHA()
	}

	switch {
	case status.State == "":
		return Status{}, missing("state")
	case status.Environment == "":
		return Status{}, missing("context")
	case status.Repository == "":
		return Status{}, missing("repository.name")
	case payload.CreatedAt == nil:
		return Status{}, missing("created_at")
	}
	status.CreatedAt = payload.CreatedAt.Time
	return status, nil
}

func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		var perr *time.ParseError
		if errors.As(err, &perr) {
			return fmt.Errorf("%w: %s", ErrTimestampParse, perr.Value)
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func firstBranch(branches []*github.Branch) string {
	if len(branches) == 0 {
		return ""
	}
	return branches[0].GetName()
}

// branchFromRef returns the branch name of a refs/heads/ ref and "" for tags
// or anything else.
func branchFromRef(ref string) string {
	if !strings.HasPrefix(ref, "refs/heads/") {
		return ""
	}
	return strings.TrimPrefix(ref, "refs/heads/")
}
