package audit

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Action string

const (
	ActionCreate      Action = "CREATE"
	ActionUpdate      Action = "UPDATE"
	ActionDisable     Action = "DISABLE"
	ActionEnable      Action = "ENABLE"
	ActionLogout      Action = "LOGOUT"
	ActionGroupAdd    Action = "GROUP_ADD"
	ActionGroupRemove Action = "GROUP_REMOVE"
	ActionRelink      Action = "RELINK"
	ActionErase       Action = "ERASE"
)

type ChangeKind string

const (
	KindAttribute  ChangeKind = "attribute"
	KindMembership ChangeKind = "membership"
	KindIdentity   ChangeKind = "identity"
)

type Change struct {
	Kind  ChangeKind `json:"kind"`
	Field string     `json:"field"`
	Old   string     `json:"old,omitempty"`
	New   string     `json:"new,omitempty"`
}

func AttrChange(field, old, new string) Change {
	return Change{Kind: KindAttribute, Field: field, Old: old, New: new}
}

func MembershipAdded(group string) Change {
	return Change{Kind: KindMembership, Field: group, New: "member"}
}

func MembershipRemoved(group string) Change {
	return Change{Kind: KindMembership, Field: group, Old: "member"}
}

func IdentityLinked(provider, username string) Change {
	return Change{Kind: KindIdentity, Field: provider, New: username}
}

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Endpoint  string    `json:"endpoint"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Changes   []Change  `json:"changes,omitempty"`
	Error     error     `json:"-"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	var errStr string
	if e.Error != nil {
		errStr = e.Error.Error()
	}
	return json.Marshal(&struct {
		Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: Alias(e),
		Error: errStr,
	})
}

// Result collects the audit trail of one endpoint cycle.
type Result struct {
	mu       sync.Mutex
	endpoint string
	entries  []Entry
	now      func() time.Time
}

func NewResult(endpoint string) *Result {
	return &Result{
		endpoint: endpoint,
		now:      time.Now,
	}
}

func (r *Result) Endpoint() string {
	return r.endpoint
}

func (r *Result) Record(action Action, id, name string, changes ...Change) {
	r.append(Entry{
		Timestamp: r.now(),
		Action:    action,
		Endpoint:  r.endpoint,
		ID:        id,
		Name:      name,
		Changes:   changes,
	})
}

func (r *Result) RecordError(action Action, id, name string, err error) {
	r.append(Entry{
		Timestamp: r.now(),
		Action:    action,
		Endpoint:  r.endpoint,
		ID:        id,
		Name:      name,
		Error:     err,
	})
}

func (r *Result) append(entry Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *Result) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Counts returns successful entries per action plus an "ERRORS" total.
func (r *Result) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range r.entries {
		if e.Error != nil {
			counts["ERRORS"]++
			continue
		}
		counts[string(e.Action)]++
	}
	return counts
}

// Log writes every entry at debug level and failures at warn level.
func (r *Result) Log(logger *zap.Logger) {
	for _, e := range r.Entries() {
		fields := []zap.Field{
			zap.String("endpoint", e.Endpoint),
			zap.String("action", string(e.Action)),
			zap.String("id", e.ID),
			zap.String("name", e.Name),
		}
		if e.Error != nil {
			logger.Warn("Audit", append(fields, zap.Error(e.Error))...)
			continue
		}
		if len(e.Changes) > 0 {
			fields = append(fields, zap.Any("changes", e.Changes))
		}
		logger.Debug("Audit", fields...)
	}
}
