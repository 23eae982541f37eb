// Package directorytest provides an in-memory realm admin API and token
// endpoint for tests.
package directorytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Realm        = "test"
	ClientID     = "rostersync"
	ClientSecret = "secret"
)

type Group struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Path       string              `json:"path,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	SubGroups  []Group             `json:"subGroups,omitempty"`
}

type User struct {
	ID                  string              `json:"id,omitempty"`
	Username            string              `json:"username,omitempty"`
	FirstName           string              `json:"firstName,omitempty"`
	Enabled             bool                `json:"enabled"`
	Attributes          map[string][]string `json:"attributes"`
	FederatedIdentities []Link              `json:"federatedIdentities,omitempty"`
}

type Link struct {
	IdentityProvider string `json:"identityProvider"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
}

type failure struct {
	method string
	suffix string
	status int
}

// Server is a fake directory. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	groups   []Group
	users    map[string]*User
	members  map[string][]string
	links    map[string][]Link
	logouts  map[string]int
	requests map[string]int
	failures []failure
	expire   int
	grants   int
	nextID   int
	noSearch bool
}

func NewServer() *Server {
	s := &Server{
		users:    make(map[string]*User),
		members:  make(map[string][]string),
		links:    make(map[string][]Link),
		logouts:  make(map[string]int),
		requests: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.token)
	mux.HandleFunc("/admin/realms/"+Realm+"/", s.admin)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) TokenURL() string {
	return s.URL + "/token"
}

// AddGroup registers a group. Subgroups are only visible through the parent.
func (s *Server) AddGroup(g Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, g)
}

// AddUser stores u, links it to link when non-nil and adds it to groups. An
// empty ID is assigned.
func (s *Server) AddUser(u User, link *Link, groups ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.newID()
	}
	s.users[u.ID] = &u
	if link != nil {
		s.links[u.ID] = []Link{*link}
	}
	for _, g := range groups {
		s.members[g] = append(s.members[g], u.ID)
	}
	return u.ID
}

func (s *Server) newID() string {
	s.nextID++
	return fmt.Sprintf("u-%04d", s.nextID)
}

func (s *Server) User(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UserByLink finds the account linked to an external ID.
func (s *Server) UserByLink(externalID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, links := range s.links {
		for _, l := range links {
			if l.UserID == externalID {
				return *s.users[id], true
			}
		}
	}
	return User{}, false
}

func (s *Server) UserGroups(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for g, ids := range s.members {
		if slices.Contains(ids, id) {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Server) Links(id string) []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.links[id])
}

func (s *Server) Logouts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts[id]
}

func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Requests counts admin requests by "METHOD route", where route uses {id}
// placeholders, e.g. "PUT /users/{id}".
func (s *Server) Requests(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

func (s *Server) Grants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants
}

// Fail answers every request whose method matches and whose path ends with
// suffix with status.
func (s *Server) Fail(method, suffix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, suffix: suffix, status: status})
}

func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// IgnoreSearch makes user listings ignore the q filter, like older directory
// versions do.
func (s *Server) IgnoreSearch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSearch = true
}

// ExpireTokens rejects the next n admin requests with an expired-token 401.
func (s *Server) ExpireTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire = n
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil ||
		r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized_client"})
		return
	}

	s.mu.Lock()
	s.grants++
	n := s.grants
	s.mu.Unlock()

	claims := jwt.RegisteredClaims{
		ID:        strconv.Itoa(n),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("directorytest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/admin/realms/"+Realm)
	segs := strings.Split(strings.Trim(rest, "/"), "/")
	route := routeKey(segs)
	s.requests[r.Method+" "+route]++

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.expire > 0 {
		s.expire--
		w.Header().Set("Token-Expired", "true")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	for _, f := range s.failures {
		if f.method == r.Method && strings.HasSuffix(r.URL.Path, f.suffix) {
			w.WriteHeader(f.status)
			return
		}
	}

	switch {
	case r.Method == http.MethodGet && route == "/groups":
		writeJSON(w, http.StatusOK, s.groups)
	case r.Method == http.MethodGet && route == "/groups/{id}/members":
		s.listMembers(w, r, segs[1])
	case r.Method == http.MethodGet && route == "/users":
		s.listUsers(w, r)
	case r.Method == http.MethodPost && route == "/users":
		s.createUser(w, r)
	case route == "/users/{id}":
		s.user(w, r, segs[1])
	case r.Method == http.MethodPost && route == "/users/{id}/logout":
		if _, ok := s.users[segs[1]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.logouts[segs[1]]++
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && route == "/users/{id}/federated-identity":
		links := s.links[segs[1]]
		if links == nil {
			links = []Link{}
		}
		writeJSON(w, http.StatusOK, links)
	case route == "/users/{id}/federated-identity/{id}":
		s.link(w, r, segs[1], segs[3])
	case route == "/users/{id}/groups/{id}":
		s.membership(w, r, segs[1], segs[3])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func routeKey(segs []string) string {
	var b strings.Builder
	for i, seg := range segs {
		b.WriteString("/")
		if i%2 == 1 {
			b.WriteString("{id}")
			continue
		}
		b.WriteString(seg)
	}
	return b.String()
}

func page[T any](r *http.Request, items []T) []T {
	first, _ := strconv.Atoi(r.URL.Query().Get("first"))
	limit, err := strconv.Atoi(r.URL.Query().Get("max"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	if first >= len(items) {
		return []T{}
	}
	return items[first:min(first+limit, len(items))]
}

func brief(u User) User {
	return User{ID: u.ID, Username: u.Username, FirstName: u.FirstName, Enabled: u.Enabled}
}

func (s *Server) sortedUsers() []User {
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b User) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request, groupID string) {
	var out []User
	for _, u := range s.sortedUsers() {
		if slices.Contains(s.members[groupID], u.ID) {
			out = append(out, brief(u))
		}
	}
	writeJSON(w, http.StatusOK, page(r, out))
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	isBrief := q.Get("briefRepresentation") == "true"

	var attr, value string
	if search := q.Get("q"); search != "" && !s.noSearch {
		attr, value, _ = strings.Cut(search, ":")
	}

	out := []User{}
	for _, u := range s.sortedUsers() {
		if enabled := q.Get("enabled"); enabled != "" && strconv.FormatBool(u.Enabled) != enabled {
			continue
		}
		if attr != "" && (len(u.Attributes[attr]) == 0 || u.Attributes[attr][0] != value) {
			continue
		}
		if isBrief {
			u = brief(u)
		}
		out = append(out, u)
	}
	writeJSON(w, http.StatusOK, page(r, out))
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var u User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.Username == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			w.WriteHeader(http.StatusConflict)
			return
		}
	}

	u.ID = s.newID()
	links := u.FederatedIdentities
	u.FederatedIdentities = nil
	s.users[u.ID] = &u
	if len(links) > 0 {
		s.links[u.ID] = links
	}

	w.Header().Set("Location", s.URL+"/admin/realms/"+Realm+"/users/"+u.ID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) user(w http.ResponseWriter, r *http.Request, id string) {
	existing, ok := s.users[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, existing)
	case http.MethodPut:
		var u User
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		existing.Enabled = u.Enabled
		if u.FirstName != "" {
			existing.FirstName = u.FirstName
		}
		if u.Attributes != nil {
			existing.Attributes = u.Attributes
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(s.users, id)
		delete(s.links, id)
		for g, ids := range s.members {
			s.members[g] = slices.DeleteFunc(ids, func(v string) bool { return v == id })
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) link(w http.ResponseWriter, r *http.Request, id, provider string) {
	if _, ok := s.users[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		before := len(s.links[id])
		s.links[id] = slices.DeleteFunc(s.links[id], func(l Link) bool { return l.IdentityProvider == provider })
		if len(s.links[id]) == before {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		var l Link
		if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, existing := range s.links[id] {
			if existing.IdentityProvider == provider {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}
		l.IdentityProvider = provider
		s.links[id] = append(s.links[id], l)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) membership(w http.ResponseWriter, r *http.Request, id, groupID string) {
	if _, ok := s.users[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if !slices.Contains(s.members[groupID], id) {
			s.members[groupID] = append(s.members[groupID], id)
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.members[groupID] = slices.DeleteFunc(s.members[groupID], func(v string) bool { return v == id })
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
