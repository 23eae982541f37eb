package controller

import (
	"slices"
	"strings"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/history"
	"github.com/puzpuzpuz/xsync/v4"
)

// EndpointStatus is the last known outcome per endpoint.
type EndpointStatus struct {
	Name           string    `json:"name" yaml:"name"`
	Realm          string    `json:"realm" yaml:"realm"`
	DryRun         bool      `json:"dryRun" yaml:"dryRun"`
	LastSync       time.Time `json:"lastSync,omitzero" yaml:"lastSync,omitempty"`
	LastSyncError  string    `json:"lastSyncError,omitempty" yaml:"lastSyncError,omitempty"`
	LastSweep      time.Time `json:"lastSweep,omitzero" yaml:"lastSweep,omitempty"`
	LastSweepError string    `json:"lastSweepError,omitempty" yaml:"lastSweepError,omitempty"`
}

func (o *Orchestrator) updateStatus(name string, kind history.Kind, at time.Time, err error) {
	o.statuses.Compute(name, func(s *EndpointStatus, loaded bool) (*EndpointStatus, xsync.ComputeOp) {
		next := &EndpointStatus{Name: name}
		if loaded {
			copied := *s
			next = &copied
		}

		msg := ""
		if err != nil {
			msg = err.Error()
		}
		switch kind {
		case history.KindSweep:
			next.LastSweep = at
			next.LastSweepError = msg
		default:
			next.LastSync = at
			next.LastSyncError = msg
		}
		return next, xsync.UpdateOp
	})
}

// Endpoints returns a snapshot of every endpoint's status, sorted by name.
func (o *Orchestrator) Endpoints() []EndpointStatus {
	var out []EndpointStatus
	o.statuses.Range(func(_ string, s *EndpointStatus) bool {
		out = append(out, *s)
		return true
	})
	slices.SortFunc(out, func(a, b EndpointStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
