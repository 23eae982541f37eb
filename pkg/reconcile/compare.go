package reconcile

import (
	"cmp"
	"slices"

	"codeberg.org/rostersync/rostersync/pkg/roster"
	"github.com/gohugoio/hashstructure"
)

// Compare computes the change-set that makes accounts match entries. It does
// no I/O and its output is sorted, so equal inputs give equal diffs.
func Compare(entries []roster.Entry, accounts []Account, m Mapping) (Diff, error) {
	if err := m.Validate(); err != nil {
		return Diff{}, err
	}

	members := indexEntries(entries)
	linked := indexAccounts(accounts)

	var diff Diff

	for _, e := range members.sorted {
		if _, ok := linked.byExternal[e.ID]; ok {
			continue
		}
		diff.Create = append(diff.Create, NewAccount{
			Entry:  e,
			Groups: m.TargetGroups(e.Roles),
		})
	}

	for _, a := range linked.sorted {
		e, inRoster := members.byID[a.ExternalID]

		switch {
		case !inRoster && a.Enabled && len(a.Groups) == 0:
			// Outside every sync-relevant group, so not managed here.
			continue
		case !inRoster && a.Enabled:
			diff.Disable = append(diff.Disable, a)
			continue
		case !inRoster:
			continue
		case !a.Enabled:
			diff.Enable = append(diff.Enable, a)
		}

		target := m.TargetGroups(e.Roles)
		if add := difference(target, a.Groups); len(add) > 0 {
			diff.GroupsToAdd = append(diff.GroupsToAdd, GroupChange{AccountID: a.ID, Groups: add})
		}
		if remove := difference(a.Groups, target); len(remove) > 0 {
			diff.GroupsToRemove = append(diff.GroupsToRemove, GroupChange{AccountID: a.ID, Groups: remove})
		}
	}

	return diff, nil
}

// ProfileUpdates lists accounts still in the roster whose stored profile no
// longer matches the roster-derived one.
func ProfileUpdates(entries []roster.Entry, accounts []Account) []ProfileUpdate {
	members := indexEntries(entries)
	linked := indexAccounts(accounts)

	var updates []ProfileUpdate
	for _, a := range linked.sorted {
		e, ok := members.byID[a.ExternalID]
		if !ok {
			continue
		}
		want := ProfileOf(e)
		if !sameProfile(want, a.Profile) {
			updates = append(updates, ProfileUpdate{AccountID: a.ID, Profile: want})
		}
	}
	return updates
}

// Relinks lists accounts whose federated identity carries a stale username.
func Relinks(entries []roster.Entry, accounts []Account) []Relink {
	members := indexEntries(entries)
	linked := indexAccounts(accounts)

	var relinks []Relink
	for _, a := range linked.sorted {
		e, ok := members.byID[a.ExternalID]
		if !ok {
			continue
		}
		if username := e.ExternalUsername(); username != a.ExternalUsername {
			relinks = append(relinks, Relink{
				AccountID:  a.ID,
				ExternalID: e.ID,
				Username:   username,
			})
		}
	}
	return relinks
}

func sameProfile(a, b Profile) bool {
	ha, errA := hashstructure.Hash(a, nil)
	hb, errB := hashstructure.Hash(b, nil)
	if errA != nil || errB != nil {
		return a == b
	}
	return ha == hb
}

type entryIndex struct {
	byID   map[string]roster.Entry
	sorted []roster.Entry
}

// indexEntries keeps the first entry seen for each ID.
func indexEntries(entries []roster.Entry) entryIndex {
	idx := entryIndex{byID: make(map[string]roster.Entry, len(entries))}
	for _, e := range entries {
		if _, dup := idx.byID[e.ID]; dup {
			continue
		}
		idx.byID[e.ID] = e
		idx.sorted = append(idx.sorted, e)
	}
	slices.SortFunc(idx.sorted, func(a, b roster.Entry) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return idx
}

type accountIndex struct {
	byExternal map[string]Account
	sorted     []Account
}

// indexAccounts keeps one account per external ID, the one with the lowest
// directory ID. Accounts without an external ID cannot be matched and are
// dropped.
func indexAccounts(accounts []Account) accountIndex {
	sorted := slices.Clone(accounts)
	slices.SortFunc(sorted, func(a, b Account) int {
		return cmp.Compare(a.ID, b.ID)
	})

	idx := accountIndex{byExternal: make(map[string]Account, len(sorted))}
	for _, a := range sorted {
		if a.ExternalID == "" {
			continue
		}
		if _, dup := idx.byExternal[a.ExternalID]; dup {
			continue
		}
		a.Groups = normalize(a.Groups)
		idx.byExternal[a.ExternalID] = a
		idx.sorted = append(idx.sorted, a)
	}
	return idx
}

func normalize(groups []string) []string {
	out := slices.Clone(groups)
	slices.Sort(out)
	return slices.Compact(out)
}

// difference returns the sorted members of a that are not in b.
func difference(a, b []string) []string {
	var out []string
	for _, g := range a {
		if !slices.Contains(b, g) && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}
