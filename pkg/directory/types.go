package directory

type Group struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Path       string              `json:"path,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	SubGroups  []Group             `json:"subGroups,omitempty"`
}

func (g Group) Attr(name string) string {
	if vals := g.Attributes[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// User is a directory account representation. Attributes is always sent on
// writes: a null value leaves stored attributes untouched while an empty
// object clears them.
type User struct {
	ID                  string              `json:"id,omitempty"`
	Username            string              `json:"username,omitempty"`
	FirstName           string              `json:"firstName,omitempty"`
	LastName            string              `json:"lastName,omitempty"`
	Email               string              `json:"email,omitempty"`
	EmailVerified       bool                `json:"emailVerified,omitempty"`
	Enabled             bool                `json:"enabled"`
	CreatedTimestamp    int64               `json:"createdTimestamp,omitempty"`
	Attributes          map[string][]string `json:"attributes"`
	RequiredActions     []string            `json:"requiredActions,omitempty"`
	FederatedIdentities []FederatedIdentity `json:"federatedIdentities,omitempty"`
}

func (u User) Attr(name string) string {
	if vals := u.Attributes[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// withAttr returns a copy of u with name set to value, or removed when value
// is empty. The attribute map of u is never shared with the copy.
func (u User) withAttr(name, value string) User {
	attrs := make(map[string][]string, len(u.Attributes)+1)
	for k, v := range u.Attributes {
		attrs[k] = v
	}
	if value == "" {
		delete(attrs, name)
	} else {
		attrs[name] = []string{value}
	}
	u.Attributes = attrs
	return u
}

type FederatedIdentity struct {
	IdentityProvider string `json:"identityProvider"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
}
