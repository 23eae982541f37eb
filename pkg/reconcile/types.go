package reconcile

import (
	"errors"
	"slices"

	"codeberg.org/rostersync/rostersync/pkg/roster"
)

var ErrNoFallbackGroup = errors.New("no fallback group configured")

// Mapping routes platform roles to directory groups. Members whose roles map
// to nothing land in Fallback.
type Mapping struct {
	Roles    map[string]string
	Fallback string
}

func (m Mapping) Validate() error {
	if m.Fallback == "" {
		return ErrNoFallbackGroup
	}
	return nil
}

// Groups lists every sync-relevant group, sorted.
func (m Mapping) Groups() []string {
	groups := make([]string, 0, len(m.Roles)+1)
	if m.Fallback != "" {
		groups = append(groups, m.Fallback)
	}
	for _, g := range m.Roles {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return slices.Compact(groups)
}

// TargetGroups returns the sorted groups a member holding roles belongs in.
// The result is never empty for a valid mapping.
func (m Mapping) TargetGroups(roles []string) []string {
	var groups []string
	for _, r := range roles {
		if g, ok := m.Roles[r]; ok {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return []string{m.Fallback}
	}
	slices.Sort(groups)
	return slices.Compact(groups)
}

// Profile holds the roster-derived fields stored on a directory account.
type Profile struct {
	FirstName string
	Avatar    string
	Nickname  string
}

func ProfileOf(e roster.Entry) Profile {
	return Profile{
		FirstName: e.DisplayName(),
		Avatar:    e.Avatar,
		Nickname:  e.Nickname,
	}
}

// Account is the directory side of the comparison. Groups only contains
// sync-relevant groups.
type Account struct {
	ID               string
	ExternalID       string
	ExternalUsername string
	Enabled          bool
	Groups           []string
	Profile          Profile
}

type NewAccount struct {
	Entry  roster.Entry
	Groups []string
}

type GroupChange struct {
	AccountID string
	Groups    []string
}

type ProfileUpdate struct {
	AccountID string
	Profile   Profile
}

type Relink struct {
	AccountID  string
	ExternalID string
	Username   string
}

// Diff is the change-set turning the directory into the roster.
type Diff struct {
	Create         []NewAccount
	Disable        []Account
	Enable         []Account
	GroupsToAdd    []GroupChange
	GroupsToRemove []GroupChange
}

func (d Diff) Empty() bool {
	return len(d.Create) == 0 &&
		len(d.Disable) == 0 &&
		len(d.Enable) == 0 &&
		len(d.GroupsToAdd) == 0 &&
		len(d.GroupsToRemove) == 0
}

// Pairs counts the (account, group) pairs in changes.
func Pairs(changes []GroupChange) int {
	n := 0
	for _, c := range changes {
		n += len(c.Groups)
	}
	return n
}
