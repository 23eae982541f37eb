package directory

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"codeberg.org/rostersync/rostersync/pkg/reconcile"
)

// Groups returns the realm groups tagged with the role or fallback attribute,
// subgroups included. Untagged groups are ignored.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	q := url.Values{}
	q.Set("briefRepresentation", "false")

	all, err := getJSON[[]Group](c, ctx, "/groups", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	var tagged []Group
	var walk func([]Group)
	walk = func(groups []Group) {
		for _, g := range groups {
			if c.isFallback(g) || len(g.Attributes[c.attrs.RoleAttribute]) > 0 {
				tagged = append(tagged, g)
			}
			walk(g.SubGroups)
		}
	}
	walk(all)

	return tagged, nil
}

func (c *Client) isFallback(g Group) bool {
	return strings.EqualFold(strings.TrimSpace(g.Attr(c.attrs.FallbackAttribute)), "true")
}

// Mapping builds the role to group table from tagged groups. A role claimed by
// several groups stays with the first one seen; more than one fallback group
// is an error.
func (c *Client) Mapping(groups []Group) (reconcile.Mapping, error) {
	m := reconcile.Mapping{Roles: make(map[string]string)}

	for _, g := range groups {
		if c.isFallback(g) {
			if m.Fallback != "" && m.Fallback != g.ID {
				return reconcile.Mapping{}, fmt.Errorf("multiple fallback groups: %s and %s", m.Fallback, g.ID)
			}
			m.Fallback = g.ID
		}

		for _, role := range g.Attributes[c.attrs.RoleAttribute] {
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			if owner, ok := m.Roles[role]; ok && owner != g.ID {
				c.LogWarn("Role %s is mapped by groups %s and %s, keeping %s", role, owner, g.ID, owner)
				continue
			}
			m.Roles[role] = g.ID
		}
	}

	if err := m.Validate(); err != nil {
		return reconcile.Mapping{}, err
	}
	return m, nil
}

// GroupMembers lists every member of a group, 100 per page.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]User, error) {
	q := url.Values{}
	q.Set("briefRepresentation", "true")

	members, err := paged[User](c, ctx, "/groups/"+url.PathEscape(groupID)+"/members", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of group %s: %w", groupID, err)
	}
	return members, nil
}

// Users lists every account in full representation.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	q := url.Values{}
	q.Set("briefRepresentation", "false")

	users, err := paged[User](c, ctx, "/users", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// LinkedIdentity returns the account's link to the configured identity
// provider, or nil when the account has none.
func (c *Client) LinkedIdentity(ctx context.Context, userID string) (*FederatedIdentity, error) {
	links, err := getJSON[[]FederatedIdentity](c, ctx, "/users/"+url.PathEscape(userID)+"/federated-identity", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get federated identity of %s: %w", userID, err)
	}

	for _, l := range links {
		if l.IdentityProvider == c.attrs.IdentityProvider {
			return &l, nil
		}
	}
	return nil, nil
}

// DeletionCandidates lists disabled accounts whose retention attribute equals
// date. An empty date lists every disabled account.
func (c *Client) DeletionCandidates(ctx context.Context, date string) ([]User, error) {
	q := url.Values{}
	q.Set("enabled", "false")
	if date != "" {
		// Full representations carry the attributes the result is checked against.
		q.Set("briefRepresentation", "false")
		q.Set("q", c.attrs.RetentionAttribute+":"+date)
	} else {
		q.Set("briefRepresentation", "true")
	}

	users, err := paged[User](c, ctx, "/users/", q)
	if err != nil {
		return nil, fmt.Errorf("failed to list deletion candidates: %w", err)
	}

	// Older directory versions ignore q. An account is only erased when its
	// retention attribute is present and equal to date.
	if date != "" {
		users = slices.DeleteFunc(users, func(u User) bool {
			return u.Enabled || u.Attr(c.attrs.RetentionAttribute) != date
		})
	}
	return users, nil
}

// Snapshot is the directory side of one reconciliation cycle.
type Snapshot struct {
	Accounts []reconcile.Account
	// Users holds full representations keyed by directory ID.
	Users map[string]User
}

// Snapshot collects the members of every sync-relevant group, every disabled
// account and every enabled account outside those groups, and resolves their
// federated identity. Accounts without a link to the identity provider are
// left out.
func (c *Client) Snapshot(ctx context.Context, m reconcile.Mapping) (*Snapshot, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Users: make(map[string]User, len(users))}
	for _, u := range users {
		snap.Users[u.ID] = u
	}

	seen := make(map[string]User)
	membership := make(map[string][]string)

	for _, groupID := range m.Groups() {
		members, err := c.GroupMembers(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, u := range members {
			seen[u.ID] = u
			membership[u.ID] = append(membership[u.ID], groupID)
		}
	}

	disabled, err := c.DeletionCandidates(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, u := range disabled {
		if _, ok := seen[u.ID]; !ok {
			seen[u.ID] = u
		}
	}

	// An account whose group assignment failed has no membership yet and is
	// only found here.
	for _, u := range users {
		if _, ok := seen[u.ID]; !ok && u.Enabled {
			seen[u.ID] = u
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	unlinked := 0
	for _, id := range ids {
		link, err := c.LinkedIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if link == nil {
			unlinked++
			continue
		}

		u, ok := snap.Users[id]
		if !ok {
			u = seen[id]
			snap.Users[id] = u
		}
		snap.Accounts = append(snap.Accounts, c.account(u, link, membership[id]))
	}

	if unlinked > 0 {
		c.LogInfo("Skipped %d accounts without a %s link", unlinked, c.attrs.IdentityProvider)
	}
	return snap, nil
}

func (c *Client) account(u User, link *FederatedIdentity, groups []string) reconcile.Account {
	return reconcile.Account{
		ID:               u.ID,
		ExternalID:       link.UserID,
		ExternalUsername: link.UserName,
		Enabled:          u.Enabled,
		Groups:           groups,
		Profile:          c.profile(u),
	}
}

func (c *Client) profile(u User) reconcile.Profile {
	return reconcile.Profile{
		FirstName: u.FirstName,
		Avatar:    u.Attr(c.attrs.AvatarAttribute),
		Nickname:  u.Attr(c.attrs.NicknameAttribute),
	}
}
