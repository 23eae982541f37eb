package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"codeberg.org/rostersync/rostersync/pkg/audit"
	"codeberg.org/rostersync/rostersync/pkg/reconcile"
	"codeberg.org/rostersync/rostersync/pkg/roster"
)

// Writer applies changes one request at a time and records every item in an
// audit result. Each batch method returns how many items succeeded.
type Writer struct {
	c   *Client
	res *audit.Result
	// written holds the last representation PUT per account, so a later
	// update does not revert an earlier enable or disable.
	written map[string]User
}

func (c *Client) Writer(res *audit.Result) *Writer {
	return &Writer{c: c, res: res, written: make(map[string]User)}
}

func userPath(id string) string {
	return "/users/" + url.PathEscape(id)
}

func (w *Writer) fail(action audit.Action, id, name string, err error) {
	w.res.RecordError(action, id, name, err)
	w.c.LogError(fmt.Errorf("%s %s (%s) failed: %w", action, name, id, err))
}

// CreateAccounts creates one account per entry and returns the new directory
// IDs keyed by external ID.
func (w *Writer) CreateAccounts(ctx context.Context, accounts []reconcile.NewAccount) (map[string]string, int) {
	created := make(map[string]string, len(accounts))

	for _, n := range accounts {
		e := n.Entry
		body := w.c.newUser(e)

		resp, err := w.c.call(ctx, http.MethodPost, "/users", body, http.StatusCreated)
		if err == nil {
			err = createdID(resp, created, e.ID)
		}
		if err != nil {
			w.fail(audit.ActionCreate, e.ID, e.ExternalUsername(), err)
			continue
		}

		w.res.Record(audit.ActionCreate, created[e.ID], e.ExternalUsername(),
			audit.IdentityLinked(w.c.attrs.IdentityProvider, e.ExternalUsername()))
	}

	return created, len(created)
}

func createdID(resp *http.Response, created map[string]string, externalID string) error {
	loc := resp.Header.Get("Location")
	id := path.Base(strings.TrimRight(loc, "/"))
	if loc == "" || id == "." || id == "/" {
		return errors.New("created account has no Location header")
	}
	created[externalID] = id
	return nil
}

func (c *Client) newUser(e roster.Entry) User {
	u := User{
		Username:  strings.ToLower(e.ExternalUsername()),
		FirstName: e.DisplayName(),
		Enabled:   true,
		FederatedIdentities: []FederatedIdentity{{
			IdentityProvider: c.attrs.IdentityProvider,
			UserID:           e.ID,
			UserName:         e.ExternalUsername(),
		}},
	}
	u = u.withAttr(c.attrs.AvatarAttribute, e.Avatar)
	u = u.withAttr(c.attrs.NicknameAttribute, e.Nickname)
	return u
}

// UpdateAccounts rewrites the roster-derived fields on the stored full
// representation of each account.
func (w *Writer) UpdateAccounts(ctx context.Context, updates []reconcile.ProfileUpdate, current map[string]User) int {
	ok := 0
	for _, up := range updates {
		u, found := w.written[up.AccountID]
		if !found {
			u, found = current[up.AccountID]
		}
		if !found {
			w.fail(audit.ActionUpdate, up.AccountID, "", errors.New("no stored representation"))
			continue
		}

		old := w.c.profile(u)
		next := u.withAttr(w.c.attrs.AvatarAttribute, up.Profile.Avatar)
		next = next.withAttr(w.c.attrs.NicknameAttribute, up.Profile.Nickname)
		next.FirstName = up.Profile.FirstName

		if _, err := w.c.call(ctx, http.MethodPut, userPath(u.ID), next, http.StatusNoContent); err != nil {
			w.fail(audit.ActionUpdate, u.ID, u.Username, err)
			continue
		}
		w.written[u.ID] = next

		var changes []audit.Change
		if old.FirstName != up.Profile.FirstName {
			changes = append(changes, audit.AttrChange("firstName", old.FirstName, up.Profile.FirstName))
		}
		if old.Avatar != up.Profile.Avatar {
			changes = append(changes, audit.AttrChange(w.c.attrs.AvatarAttribute, old.Avatar, up.Profile.Avatar))
		}
		if old.Nickname != up.Profile.Nickname {
			changes = append(changes, audit.AttrChange(w.c.attrs.NicknameAttribute, old.Nickname, up.Profile.Nickname))
		}
		w.res.Record(audit.ActionUpdate, u.ID, u.Username, changes...)
		ok++
	}
	return ok
}

// DisableAccounts disables each account and stamps the retention attribute.
func (w *Writer) DisableAccounts(ctx context.Context, users []User) int {
	date := w.c.RetentionDate()
	ok := 0
	for _, u := range users {
		next := u.withAttr(w.c.attrs.RetentionAttribute, date)
		next.Enabled = false

		if _, err := w.c.call(ctx, http.MethodPut, userPath(u.ID), next, http.StatusNoContent); err != nil {
			w.fail(audit.ActionDisable, u.ID, u.Username, err)
			continue
		}
		w.written[u.ID] = next
		w.res.Record(audit.ActionDisable, u.ID, u.Username,
			audit.AttrChange(w.c.attrs.RetentionAttribute, u.Attr(w.c.attrs.RetentionAttribute), date))
		ok++
	}
	return ok
}

// EnableAccounts re-enables each account and clears the retention attribute.
func (w *Writer) EnableAccounts(ctx context.Context, users []User) int {
	ok := 0
	for _, u := range users {
		next := u.withAttr(w.c.attrs.RetentionAttribute, "")
		next.Enabled = true

		if _, err := w.c.call(ctx, http.MethodPut, userPath(u.ID), next, http.StatusNoContent); err != nil {
			w.fail(audit.ActionEnable, u.ID, u.Username, err)
			continue
		}
		w.written[u.ID] = next
		w.res.Record(audit.ActionEnable, u.ID, u.Username,
			audit.AttrChange(w.c.attrs.RetentionAttribute, u.Attr(w.c.attrs.RetentionAttribute), ""))
		ok++
	}
	return ok
}

// LogoutAccounts ends every session of each account.
func (w *Writer) LogoutAccounts(ctx context.Context, users []User) int {
	ok := 0
	for _, u := range users {
		if _, err := w.c.call(ctx, http.MethodPost, userPath(u.ID)+"/logout", nil, http.StatusNoContent); err != nil {
			w.fail(audit.ActionLogout, u.ID, u.Username, err)
			continue
		}
		w.res.Record(audit.ActionLogout, u.ID, u.Username)
		ok++
	}
	return ok
}

// AddGroupMemberships issues one PUT per (account, group) pair.
func (w *Writer) AddGroupMemberships(ctx context.Context, changes []reconcile.GroupChange) int {
	return w.memberships(ctx, http.MethodPut, audit.ActionGroupAdd, audit.MembershipAdded, changes)
}

// RemoveGroupMemberships issues one DELETE per (account, group) pair.
func (w *Writer) RemoveGroupMemberships(ctx context.Context, changes []reconcile.GroupChange) int {
	return w.memberships(ctx, http.MethodDelete, audit.ActionGroupRemove, audit.MembershipRemoved, changes)
}

func (w *Writer) memberships(
	ctx context.Context,
	method string,
	action audit.Action,
	change func(string) audit.Change,
	changes []reconcile.GroupChange,
) int {
	ok := 0
	for _, gc := range changes {
		for _, groupID := range gc.Groups {
			p := userPath(gc.AccountID) + "/groups/" + url.PathEscape(groupID)
			if _, err := w.c.call(ctx, method, p, nil, http.StatusNoContent); err != nil {
				w.fail(action, gc.AccountID, groupID, err)
				continue
			}
			w.res.Record(action, gc.AccountID, groupID, change(groupID))
			ok++
		}
	}
	return ok
}

// RelinkIdentities replaces the federated identity of each account. The link
// is deleted before it is recreated; when the delete fails the create is not
// attempted, and when the create fails the account stays unlinked until a
// later cycle.
func (w *Writer) RelinkIdentities(ctx context.Context, relinks []reconcile.Relink) int {
	provider := w.c.attrs.IdentityProvider
	ok := 0
	for _, r := range relinks {
		p := userPath(r.AccountID) + "/federated-identity/" + url.PathEscape(provider)

		if _, err := w.c.call(ctx, http.MethodDelete, p, nil, http.StatusNoContent); err != nil {
			w.fail(audit.ActionRelink, r.AccountID, r.Username, err)
			continue
		}

		link := FederatedIdentity{
			IdentityProvider: provider,
			UserID:           r.ExternalID,
			UserName:         r.Username,
		}
		if _, err := w.c.call(ctx, http.MethodPost, p, link, http.StatusNoContent, http.StatusCreated); err != nil {
			w.fail(audit.ActionRelink, r.AccountID, r.Username, fmt.Errorf("account left unlinked: %w", err))
			continue
		}

		w.res.Record(audit.ActionRelink, r.AccountID, r.Username, audit.IdentityLinked(provider, r.Username))
		ok++
	}
	return ok
}

// EraseAccounts permanently deletes each account.
func (w *Writer) EraseAccounts(ctx context.Context, users []User) int {
	ok := 0
	for _, u := range users {
		if _, err := w.c.call(ctx, http.MethodDelete, userPath(u.ID), nil, http.StatusNoContent); err != nil {
			w.fail(audit.ActionErase, u.ID, u.Username, err)
			continue
		}
		w.res.Record(audit.ActionErase, u.ID, u.Username)
		ok++
	}
	return ok
}
