package controller

import (
	"testing"

	"codeberg.org/rostersync/rostersync/pkg/history"
	"github.com/stretchr/testify/assert"
)

func TestReport_Summary(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   string
	}{
		{
			name:   "empty",
			report: Report{Endpoint: "main", Kind: history.KindSync},
			want:   "main sync: nothing to do",
		},
		{
			name: "exact",
			report: Report{Endpoint: "main", Kind: history.KindSync, Counters: []Counter{
				{Name: CounterCreated, Attempted: 2, Succeeded: 2},
				{Name: CounterDisabled, Attempted: 0, Succeeded: 0},
			}},
			want: "main sync: created 2, disabled 0",
		},
		{
			name: "partial",
			report: Report{Endpoint: "main", Kind: history.KindSync, Counters: []Counter{
				{Name: CounterGroupsAdded, Attempted: 4, Succeeded: 3},
			}},
			want: "main sync: groups assigned 3 of 4",
		},
		{
			name: "escalated",
			report: Report{Endpoint: "main", Kind: history.KindSweep, Mention: "<@&1>", Escalate: true, Counters: []Counter{
				{Name: CounterErased, Attempted: 2, Succeeded: 0},
			}},
			want: "main sweep: erased 0 of 2 <@&1>",
		},
		{
			name: "dry run",
			report: Report{Endpoint: "main", Kind: history.KindSweep, DryRun: true, Counters: []Counter{
				{Name: CounterErased, Attempted: 3},
			}},
			want: "[dry run] main sweep: would have erased 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.Summary())
		})
	}
}

func TestReport_ActiveAndPartial(t *testing.T) {
	r := Report{}
	r.add(CounterCreated, 0, 0)
	assert.False(t, r.Active())
	assert.False(t, r.Partial())

	r.add(CounterErased, 2, 1)
	assert.True(t, r.Active())
	assert.True(t, r.Partial())
	assert.Equal(t, map[string]int{CounterCreated: 0, CounterErased: 1}, r.Succeeded())
}

func TestMention(t *testing.T) {
	assert.Equal(t, "", mention(""))
	assert.Equal(t, "<@&42>", mention("42"))
}
