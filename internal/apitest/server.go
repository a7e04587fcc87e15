// Package apitest is an in-memory stand-in for the collaboration API used by tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apiclient "github.com/splax/teamup/pkg/api/client"
)

// Server emulates the REST surface under /api/.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]account
	access   map[string]string
	refresh  map[string]string
	projects []*apiclient.Project
	apps     map[int64][]*appRecord
	nextID   int64
	hits     map[string]int
}

type account struct {
	password string
	user     apiclient.User
}

type appRecord struct {
	projectID int64
	roleID    int64
	app       apiclient.Application
}

// New starts a server. Call Close when done.
func New() *Server {
	s := &Server{
		users:   make(map[string]account),
		access:  make(map[string]string),
		refresh: make(map[string]string),
		apps:    make(map[int64][]*appRecord),
		nextID:  1,
		hits:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.route))
	return s
}

// BaseURL is the API root clients should be configured with.
func (s *Server) BaseURL() string { return s.URL + "/api" }

// AddUser registers an account directly.
func (s *Server) AddUser(username, password, college string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = account{password: password, user: apiclient.User{
		ID:           s.id(),
		Username:     username,
		CollegeEmail: username + "@" + strings.ToLower(strings.ReplaceAll(college, " ", "")) + ".edu",
		CollegeName:  college,
	}}
}

// Issue mints a token pair for username without going through token/.
func (s *Server) Issue(username string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issue(username)
}

// ExpireAccess invalidates every access token, forcing a refresh.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	s.access = make(map[string]string)
	s.mu.Unlock()
}

// RevokeAll invalidates every access and refresh token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	s.access = make(map[string]string)
	s.refresh = make(map[string]string)
	s.mu.Unlock()
}

// Hits returns how many requests reached "METHOD /path".
func (s *Server) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

// AddProject seeds a project led by leader and returns its id.
func (s *Server) AddProject(leader, title string, roles ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &apiclient.Project{
		ID:            s.id(),
		Title:         title,
		Status:        "OPEN",
		Leader:        apiclient.Label(leader),
		LeaderCollege: s.users[leader].user.CollegeName,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	for _, name := range roles {
		p.Roles = append(p.Roles, apiclient.Role{ID: s.id(), RoleName: name, RequiredSkills: "go"})
	}
	s.projects = append(s.projects, p)
	return p.ID
}

func (s *Server) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Server) issue(username string) (string, string) {
	access, refresh := "acc-"+uuid.NewString(), "ref-"+uuid.NewString()
	s.access[access] = username
	s.refresh[refresh] = username
	return access, refresh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	if strings.HasPrefix(path, "/chat/") {
		s.handleChat(w, r, strings.Trim(strings.TrimPrefix(path, "/chat/"), "/"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[r.Method+" "+path]++

	switch {
	case r.Method == http.MethodPost && path == "/token/":
		s.handleToken(w, r)
		return
	case r.Method == http.MethodPost && path == "/token/refresh/":
		s.handleRefresh(w, r)
		return
	case r.Method == http.MethodPost && path == "/register/":
		s.handleRegister(w, r)
		return
	}

	username, ok := s.authenticate(r)
	if !ok {
		detail(w, http.StatusUnauthorized, "Given token not valid for any token type")
		return
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case path == "/me/" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.users[username].user)
	case path == "/me/" && r.Method == http.MethodPatch:
		var in apiclient.ProfileUpdate
		_ = json.NewDecoder(r.Body).Decode(&in)
		acc := s.users[username]
		acc.user.GithubProfile, acc.user.Skills = in.GithubProfile, in.Skills
		s.users[username] = acc
		writeJSON(w, http.StatusOK, acc.user)
	case path == "/my-applications/" && r.Method == http.MethodGet:
		out := []apiclient.Application{}
		for _, recs := range s.apps {
			for _, rec := range recs {
				if string(rec.app.Applicant) == username {
					out = append(out, rec.app)
				}
			}
		}
		writeJSON(w, http.StatusOK, out)
	case path == "/projects/" && r.Method == http.MethodGet:
		s.listProjects(w, r)
	case path == "/projects/" && r.Method == http.MethodPost:
		s.createProject(w, r, username)
	case len(parts) >= 2 && parts[0] == "projects":
		s.projectRoutes(w, r, username, parts[1:])
	default:
		detail(w, http.StatusNotFound, "Not found.")
	}
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	username, ok := s.access[token]
	return username, ok
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	acc, ok := s.users[in.Username]
	if !ok || acc.password != in.Password {
		detail(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}
	access, refresh := s.issue(in.Username)
	writeJSON(w, http.StatusOK, apiclient.TokenPair{Access: access, Refresh: refresh})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	username, ok := s.refresh[in.Refresh]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}
	access := "acc-" + uuid.NewString()
	s.access[access] = username
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in apiclient.RegisterInput
	_ = json.NewDecoder(r.Body).Decode(&in)
	if _, exists := s.users[in.Username]; exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {"A user with that username already exists."}})
		return
	}
	s.users[in.Username] = account{password: in.Password, user: apiclient.User{
		ID:           s.id(),
		Username:     in.Username,
		CollegeEmail: in.CollegeEmail,
		CollegeName:  in.CollegeName,
	}}
	writeJSON(w, http.StatusCreated, s.users[in.Username].user)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out := []apiclient.Project{}
	for _, p := range s.projects {
		if search := q.Get("search"); search != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(search)) {
			continue
		}
		if status := q.Get("status"); status != "" && p.Status != status {
			continue
		}
		if college := q.Get("leader__college_name"); college != "" && p.LeaderCollege != college {
			continue
		}
		summary := *p
		summary.Roles, summary.TeamMembers = nil, nil
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request, username string) {
	var in apiclient.CreateProjectInput
	_ = json.NewDecoder(r.Body).Decode(&in)
	title := in.Title
	if in.GithubLink != "" {
		title = in.GithubLink[strings.LastIndex(in.GithubLink, "/")+1:]
	}
	if title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title or github_link required"})
		return
	}
	p := &apiclient.Project{
		ID:            s.id(),
		Title:         title,
		Description:   in.Description,
		GithubLink:    in.GithubLink,
		Status:        "OPEN",
		Leader:        apiclient.Label(username),
		LeaderCollege: s.users[username].user.CollegeName,
		CreatedAt:     time.Now().UTC(),
	}
	s.projects = append(s.projects, p)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) project(id string) *apiclient.Project {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil
	}
	for _, p := range s.projects {
		if p.ID == n {
			return p
		}
	}
	return nil
}

// projectRoutes handles everything under /projects/{id}/.
func (s *Server) projectRoutes(w http.ResponseWriter, r *http.Request, username string, parts []string) {
	p := s.project(parts[0])
	if p == nil {
		detail(w, http.StatusNotFound, "Not found.")
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, p)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if string(p.Leader) != username {
			detail(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "roles" && r.Method == http.MethodPost:
		if string(p.Leader) != username {
			detail(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}
		var in apiclient.RoleInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		role := apiclient.Role{ID: s.id(), RoleName: in.RoleName, RequiredSkills: in.RequiredSkills}
		p.Roles = append(p.Roles, role)
		writeJSON(w, http.StatusCreated, role)
	case len(parts) >= 4 && parts[1] == "roles" && parts[3] == "applications":
		s.applicationRoutes(w, r, username, p, parts[2], parts[4:])
	default:
		detail(w, http.StatusNotFound, "Not found.")
	}
}

func (s *Server) applicationRoutes(w http.ResponseWriter, r *http.Request, username string, p *apiclient.Project, roleID string, rest []string) {
	rid, err := strconv.ParseInt(roleID, 10, 64)
	if err != nil {
		detail(w, http.StatusNotFound, "Not found.")
		return
	}
	var role *apiclient.Role
	for i := range p.Roles {
		if p.Roles[i].ID == rid {
			role = &p.Roles[i]
		}
	}
	if role == nil {
		detail(w, http.StatusNotFound, "Not found.")
		return
	}
	leader := string(p.Leader) == username
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		if leader {
			detail(w, http.StatusForbidden, "Project leaders cannot apply to their own roles.")
			return
		}
		var in struct {
			Proposal string `json:"proposal"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		rec := &appRecord{projectID: p.ID, roleID: rid, app: apiclient.Application{
			ID:          s.id(),
			Applicant:   apiclient.Label(username),
			ProjectRole: apiclient.Label(role.RoleName),
			Status:      apiclient.ApplicationPending,
			Proposal:    in.Proposal,
			AppliedAt:   time.Now().UTC(),
		}}
		s.apps[rid] = append(s.apps[rid], rec)
		writeJSON(w, http.StatusCreated, rec.app)
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !leader {
			detail(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}
		out := []apiclient.Application{}
		for _, rec := range s.apps[rid] {
			out = append(out, rec.app)
		}
		writeJSON(w, http.StatusOK, out)
	case len(rest) == 2 && r.Method == http.MethodPost && (rest[1] == "approve" || rest[1] == "reject"):
		if !leader {
			detail(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}
		for _, rec := range s.apps[rid] {
			if strconv.FormatInt(rec.app.ID, 10) != rest[0] {
				continue
			}
			if rec.app.Status != apiclient.ApplicationPending {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Application already %s.", strings.ToLower(rec.app.Status))})
				return
			}
			if rest[1] == "approve" {
				rec.app.Status = apiclient.ApplicationAccepted
				p.TeamMembers = append(p.TeamMembers, apiclient.TeamMember{User: rec.app.Applicant, JoinedAt: time.Now().UTC()})
			} else {
				rec.app.Status = apiclient.ApplicationRejected
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		detail(w, http.StatusNotFound, "Not found.")
	default:
		detail(w, http.StatusNotFound, "Not found.")
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// handleChat echoes every frame back to the room, attributed to the token's owner.
// The connection is served without holding the server lock.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, projectID string) {
	s.mu.Lock()
	s.hits["GET /chat/"+projectID+"/"]++
	username, ok := s.access[r.URL.Query().Get("token")]
	known := s.project(projectID) != nil
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	if !known {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		out, _ := json.Marshal(map[string]string{"message": in.Message, "username": username})
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}
