package roster

import (
	"context"
	"strings"
)

// animatedPrefix marks animated avatar hashes on the platform side.
const animatedPrefix = "a_"

// Entry is one member of the platform roster.
type Entry struct {
	ID            string   `json:"id" yaml:"id"`
	Username      string   `json:"username" yaml:"username"`
	Discriminator string   `json:"discriminator,omitempty" yaml:"discriminator,omitempty"`
	GlobalName    string   `json:"globalName,omitempty" yaml:"globalName,omitempty"`
	Nickname      string   `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	Avatar        string   `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Roles         []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// ExternalUsername is the name stored on the federated identity link.
// Legacy accounts keep their "#discriminator" suffix.
func (e Entry) ExternalUsername() string {
	if e.Discriminator == "" || e.Discriminator == "0" {
		return e.Username
	}
	return e.Username + "#" + e.Discriminator
}

func (e Entry) DisplayName() string {
	if e.GlobalName != "" {
		return e.GlobalName
	}
	return e.Username
}

// Provider supplies the roster. Reload refreshes the provider's view and
// Roster returns the snapshot taken by the last successful Reload.
type Provider interface {
	Reload(ctx context.Context) error
	Roster() []Entry
}

// Sanitize normalizes provider output before it is compared. Entries without
// an ID are dropped.
func Sanitize(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.ID) == "" {
			continue
		}
		e.Avatar = strings.TrimPrefix(e.Avatar, animatedPrefix)
		e.Username = strings.TrimSpace(e.Username)
		e.Nickname = strings.TrimSpace(e.Nickname)
		e.GlobalName = strings.TrimSpace(e.GlobalName)
		out = append(out, e)
	}
	return out
}
