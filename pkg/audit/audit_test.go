package audit

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestResult_Counts(t *testing.T) {
	r := NewResult("main")
	r.Record(ActionCreate, "a1", "alice")
	r.Record(ActionCreate, "a2", "bob")
	r.Record(ActionGroupAdd, "a1", "alice", MembershipAdded("g1"))
	r.RecordError(ActionDisable, "a3", "carol", errors.New("boom"))

	counts := r.Counts()
	assert.Equal(t, 2, counts[string(ActionCreate)])
	assert.Equal(t, 1, counts[string(ActionGroupAdd)])
	assert.Equal(t, 0, counts[string(ActionDisable)])
	assert.Equal(t, 1, counts["ERRORS"])

	entries := r.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "main", entries[0].Endpoint)
}

func TestEntry_MarshalJSON(t *testing.T) {
	r := NewResult("main")
	r.RecordError(ActionErase, "a1", "alice", errors.New("unexpected status 500"))
	r.Record(ActionUpdate, "a2", "bob", AttrChange("avatar", "old", "new"))

	data, err := json.Marshal(r.Entries())
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "unexpected status 500", decoded[0]["error"])
	assert.Equal(t, "ERASE", decoded[0]["action"])
	assert.NotContains(t, decoded[1], "error")
	assert.Len(t, decoded[1]["changes"], 1)
}

func TestResult_Log(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewResult("main")
	r.Record(ActionRelink, "a1", "alice", IdentityLinked("discord", "alice"))
	r.RecordError(ActionLogout, "a2", "bob", errors.New("timeout"))

	r.Log(zap.New(core))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.DebugLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}
