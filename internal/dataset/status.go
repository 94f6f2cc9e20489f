package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// Status represents the lifecycle state of a dataset
type Status string

const (
	// StatusPending means a new reference date was observed and the download has not started
	StatusPending Status = "pending"

	// StatusDownloading means the publish pipeline is fetching and staging the dataset
	StatusDownloading Status = "downloading"

	// StatusDownloaded means the dataset was promoted and is served as the current artifact
	StatusDownloaded Status = "downloaded"

	// StatusObsolete means a newer reference date superseded the dataset before it was downloaded
	StatusObsolete Status = "obsolete"

	// StatusFailed means the publish pipeline could not complete
	StatusFailed Status = "failed"

	// StatusDeleted means retention removed the dataset
	StatusDeleted Status = "deleted"
)

// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a dataset record does not exist
var ErrNotFound = errors.New("dataset not found")

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusDownloaded,
	StatusObsolete,
	StatusFailed,
	StatusDeleted,
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusObsolete},
	StatusDownloading: {StatusDownloaded, StatusFailed},
	StatusDownloaded:  {StatusDeleted},
}

// ParseStatus parses a status name, ignoring case
func ParseStatus(s string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown dataset status %q", s)
}

// String returns the lowercase status name
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible from s
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether moving from s to next is permitted
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from cannot move to to
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
