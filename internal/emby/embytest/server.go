// Package embytest provides an in-memory media server speaking the subset of
// the upstream HTTP API the panel uses.
package embytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"emby-panel/internal/model"

	"github.com/google/uuid"
)

const APIKey = "test-api-key"

// Server is a fake upstream. All accessors are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	name      string
	users     map[string]map[string]any
	order     []string
	passwords map[string]string
	sessions  []map[string]any
	prefs     map[string]map[string]any
	libraries []model.Library
	calls     []string
	failures  map[string]int
}

func New(t testing.TB, name string) *Server {
	t.Helper()
	s := &Server{
		name:      name,
		users:     make(map[string]map[string]any),
		passwords: make(map[string]string),
		prefs:     make(map[string]map[string]any),
		failures:  make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Descriptor returns a registry record pointing at this server.
func (s *Server) Descriptor(id string) model.Server {
	return model.Server{ID: id, Name: s.name, URL: s.URL, APIKey: APIKey, Enabled: true}
}

// Hung returns a descriptor for a server that accepts requests and never
// answers them; each request is held until the client gives up.
func Hung(t testing.TB, id string) model.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return model.Server{ID: id, Name: "hung " + id, URL: srv.URL, APIKey: APIKey, Enabled: true}
}

// Unreachable returns a descriptor whose endpoint refuses connections.
func Unreachable(t testing.TB, id string) model.Server {
	t.Helper()
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	return model.Server{ID: id, Name: "offline " + id, URL: url, APIKey: APIKey, Enabled: true}
}

type UserOption func(map[string]any)

func Admin() UserOption {
	return func(u map[string]any) { policy(u)["IsAdministrator"] = true }
}

func Disabled() UserOption {
	return func(u map[string]any) { policy(u)["IsDisabled"] = true }
}

func LastActive(t time.Time) UserOption {
	return func(u map[string]any) { u["LastActivityDate"] = t.UTC().Format(time.RFC3339Nano) }
}

func Connect(email string) UserOption {
	return func(u map[string]any) {
		u["ConnectUserName"] = email
		u["ConnectUserId"] = uuid.NewString()
	}
}

func Folders(ids ...string) UserOption {
	return func(u map[string]any) {
		p := policy(u)
		p["EnableAllFolders"] = false
		p["EnabledFolders"] = ids
	}
}

// Config sets a user configuration key.
func Config(key string, value any) UserOption {
	return func(u map[string]any) { u["Configuration"].(map[string]any)[key] = value }
}

func policy(u map[string]any) map[string]any {
	return u["Policy"].(map[string]any)
}

// AddUser creates an account and returns its id.
func (s *Server) AddUser(name string, opts ...UserOption) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(name, "", opts...)
}

func (s *Server) addUserLocked(name, password string, opts ...UserOption) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	u := map[string]any{
		"Id":   id,
		"Name": name,
		"Policy": map[string]any{
			"IsAdministrator":         false,
			"IsDisabled":              false,
			"EnableAllFolders":        true,
			"EnabledFolders":          []any{},
			"SimultaneousStreamLimit": 0,
			"EnableRemoteAccess":      true,
		},
		"Configuration": map[string]any{
			"PlayDefaultAudioTrack": true,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	s.users[id] = u
	s.order = append(s.order, id)
	s.passwords[id] = password
	return id
}

type SessionOption func(map[string]any)

func Playing(item string) SessionOption {
	return func(m map[string]any) { m["NowPlayingItem"] = map[string]any{"Name": item, "Type": "Movie"} }
}

func ActiveAt(t time.Time) SessionOption {
	return func(m map[string]any) { m["LastActivityDate"] = t.UTC().Format(time.RFC3339Nano) }
}

func RemoteControl() SessionOption {
	return func(m map[string]any) { m["SupportsRemoteControl"] = true }
}

// AddSession opens a session for userID and returns the session id.
func (s *Server) AddSession(userID string, opts ...SessionOption) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	m := map[string]any{
		"Id":                    id,
		"UserId":                userID,
		"DeviceName":            "Test Device",
		"Client":                "Emby Web",
		"SupportsRemoteControl": false,
	}
	if u, ok := s.users[userID]; ok {
		m["UserName"] = u["Name"]
	}
	for _, opt := range opts {
		opt(m)
	}
	s.sessions = append(s.sessions, m)
	return id
}

func (s *Server) AddLibrary(id, name, collectionType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.libraries = append(s.libraries, model.Library{ItemID: id, Name: name, CollectionType: collectionType})
}

// SetDisplayPrefs stores custom display preferences for (userID, client).
func (s *Server) SetDisplayPrefs(userID, client string, custom map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID+"/"+client] = map[string]any{"CustomPrefs": custom, "SortOrder": "Ascending", "Client": client}
}

func (s *Server) DisplayPrefs(userID, client string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs[userID+"/"+client]
}

// Fail makes every request matching "METHOD /path" answer with status.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Calls returns "METHOD /path" for every request received, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Server) HasUser(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	return ok
}

// UserByName returns the id of the named account, or "".
func (s *Server) UserByName(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if strings.EqualFold(s.users[id]["Name"].(string), name) {
			return id
		}
	}
	return ""
}

func (s *Server) Name(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u["Name"].(string)
	}
	return ""
}

// Policy returns a copy of the account's policy object.
func (s *Server) Policy(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(policy(s.users[id]))
}

func (s *Server) Configuration(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.users[id]["Configuration"].(map[string]any))
}

func (s *Server) IsDisabled(id string) bool {
	return s.Policy(id)["IsDisabled"] == true
}

func (s *Server) Password(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwords[id]
}

func (s *Server) ConnectUser(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, _ := s.users[id]["ConnectUserName"].(string)
	return name
}

// SessionCount returns the number of sessions still open for userID.
func (s *Server) SessionCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sessions {
		if m["UserId"] == userID {
			n++
		}
	}
	return n
}

func clone(m map[string]any) map[string]any {
	b, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /System/Info", s.systemInfo)
	mux.HandleFunc("GET /Users", s.listUsers)
	mux.HandleFunc("POST /Users/New", s.createUser)
	mux.HandleFunc("GET /Users/{id}", s.getUser)
	mux.HandleFunc("POST /Users/{id}", s.updateUser)
	mux.HandleFunc("DELETE /Users/{id}", s.deleteUser)
	mux.HandleFunc("POST /Users/{id}/Policy", s.setPolicy)
	mux.HandleFunc("POST /Users/{id}/Configuration", s.setConfiguration)
	mux.HandleFunc("POST /Users/{id}/Password", s.setPassword)
	mux.HandleFunc("POST /Users/{id}/Connect/Link", s.linkConnect)
	mux.HandleFunc("DELETE /Users/{id}/Connect/Link", s.unlinkConnect)
	mux.HandleFunc("GET /DisplayPreferences/usersettings", s.getPrefs)
	mux.HandleFunc("POST /DisplayPreferences/usersettings", s.setPrefs)
	mux.HandleFunc("GET /Sessions", s.listSessions)
	mux.HandleFunc("POST /Sessions/{id}/Playing/Stop", s.stopPlayback)
	mux.HandleFunc("POST /Sessions/{id}/Message", s.sessionAck)
	mux.HandleFunc("POST /Sessions/{id}/Command", s.sessionAck)
	mux.HandleFunc("DELETE /Sessions/Logout", s.logoutSession)
	mux.HandleFunc("GET /Library/VirtualFolders", s.listLibraries)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.calls = append(s.calls, key)
		status, fail := s.failures[key]
		s.mu.Unlock()

		if r.Header.Get("X-Emby-Token") != APIKey {
			http.Error(w, "Access token is invalid or expired.", http.StatusUnauthorized)
			return
		}
		if fail {
			http.Error(w, fmt.Sprintf("injected failure %d", status), status)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body == nil {
		body = map[string]any{}
	}
	return body
}

func (s *Server) systemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"ServerName": s.name, "Version": "4.8.0.0", "Id": "fake-" + s.name})
}

func (s *Server) listUsers(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clone(s.users[id]))
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u, ok := s.users[r.PathValue("id")]
	if ok {
		u = clone(u)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	name, _ := body["Name"].(string)
	password, _ := body["Password"].(string)
	if strings.TrimSpace(name) == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, u := range s.users {
		if strings.EqualFold(u["Name"].(string), name) {
			s.mu.Unlock()
			http.Error(w, "A user with the name '"+name+"' already exists.", http.StatusBadRequest)
			return
		}
	}
	id := s.addUserLocked(name, password)
	u := clone(s.users[id])
	s.mu.Unlock()
	writeJSON(w, u)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if name, _ := body["Name"].(string); name != "" {
		u["Name"] = name
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	delete(s.users, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	u["Policy"] = body
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setConfiguration(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	u["Configuration"] = body
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPassword(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	pw, _ := body["NewPw"].(string)
	s.passwords[id] = pw
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) linkConnect(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("ConnectUsername")
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if !strings.Contains(email, "@") {
		http.Error(w, "Invalid Emby Connect username", http.StatusBadRequest)
		return
	}
	u["ConnectUserName"] = email
	u["ConnectUserId"] = uuid.NewString()
	writeJSON(w, map[string]any{"IsPending": false})
}

func (s *Server) unlinkConnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[r.PathValue("id")]
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	delete(u, "ConnectUserName")
	delete(u, "ConnectUserId")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPrefs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	p, ok := s.prefs[q.Get("userId")+"/"+q.Get("client")]
	if ok {
		p = clone(p)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (s *Server) setPrefs(w http.ResponseWriter, r *http.Request) {
	body := decode(r)
	userID, _ := body["UserId"].(string)
	client, _ := body["Client"].(string)
	s.mu.Lock()
	s.prefs[userID+"/"+client] = body
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.sessions))
	for _, m := range s.sessions {
		out = append(out, clone(m))
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) findSession(id string) (int, bool) {
	for i, m := range s.sessions {
		if m["Id"] == id {
			return i, true
		}
	}
	return -1, false
}

func (s *Server) stopPlayback(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findSession(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if _, playing := s.sessions[i]["NowPlayingItem"]; !playing {
		http.Error(w, "Nothing is playing", http.StatusBadRequest)
		return
	}
	delete(s.sessions[i], "NowPlayingItem")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionAck(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.findSession(r.PathValue("id"))
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logoutSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findSession(r.URL.Query().Get("sessionId"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listLibraries(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]model.Library{}, s.libraries...)
	s.mu.Unlock()
	writeJSON(w, out)
}
