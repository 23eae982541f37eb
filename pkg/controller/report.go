package controller

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/history"
)

const (
	CounterCreated       = "created"
	CounterDisabled      = "disabled"
	CounterLoggedOut     = "logged out"
	CounterEnabled       = "enabled"
	CounterGroupsAdded   = "groups assigned"
	CounterGroupsRemoved = "groups removed"
	CounterUpdated       = "updated"
	CounterRelinked      = "relinked"
	CounterErased        = "erased"
)

type Counter struct {
	Name      string `json:"name"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
}

// Report is the outcome of one sync or sweep of one endpoint.
type Report struct {
	Endpoint   string       `json:"endpoint"`
	Kind       history.Kind `json:"kind"`
	DryRun     bool         `json:"dryRun,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Counters   []Counter    `json:"counters"`
	// Mention is appended to the summary when the report escalates.
	Mention  string `json:"-"`
	Escalate bool   `json:"escalate,omitempty"`
}

func (r *Report) add(name string, attempted, succeeded int) {
	r.Counters = append(r.Counters, Counter{Name: name, Attempted: attempted, Succeeded: succeeded})
}

// Active reports whether anything was attempted.
func (r *Report) Active() bool {
	for _, c := range r.Counters {
		if c.Attempted > 0 || c.Succeeded > 0 {
			return true
		}
	}
	return false
}

// Partial reports whether any counter fell short of its attempts.
func (r *Report) Partial() bool {
	for _, c := range r.Counters {
		if c.Succeeded < c.Attempted {
			return true
		}
	}
	return false
}

func (r *Report) Succeeded() map[string]int {
	out := make(map[string]int, len(r.Counters))
	for _, c := range r.Counters {
		out[c.Name] = c.Succeeded
	}
	return out
}

// Summary renders the report for the notifier. Counters that fell short read
// "n of m".
func (r *Report) Summary() string {
	var b strings.Builder
	if r.DryRun {
		b.WriteString("[dry run] ")
	}
	fmt.Fprintf(&b, "%s %s: ", r.Endpoint, r.Kind)

	parts := make([]string, 0, len(r.Counters))
	for _, c := range r.Counters {
		switch {
		case r.DryRun:
			parts = append(parts, fmt.Sprintf("would have %s %d", c.Name, c.Attempted))
		case c.Succeeded < c.Attempted:
			parts = append(parts, fmt.Sprintf("%s %d of %d", c.Name, c.Succeeded, c.Attempted))
		default:
			parts = append(parts, fmt.Sprintf("%s %d", c.Name, c.Succeeded))
		}
	}
	if len(parts) == 0 {
		b.WriteString("nothing to do")
	} else {
		b.WriteString(strings.Join(parts, ", "))
	}

	if r.Escalate && r.Mention != "" {
		b.WriteString(" ")
		b.WriteString(r.Mention)
	}
	return b.String()
}

func (r *Report) record(err error) history.Record {
	rec := history.Record{
		Endpoint:   r.Endpoint,
		Kind:       r.Kind,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DryRun:     r.DryRun,
		Counters:   r.Succeeded(),
		Summary:    r.Summary(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func mention(roleID string) string {
	if roleID == "" {
		return ""
	}
	return "<@&" + roleID + ">"
}
