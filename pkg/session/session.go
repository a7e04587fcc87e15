package session

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrIncompleteTokens is returned when a caller tries to persist only half of the pair.
var ErrIncompleteTokens = errors.New("access and refresh tokens must be set together")

// Session is the client's view of who is logged in. Persisted tokens live in the Store;
// the username and selected project are in-memory only.
type Session struct {
	store Store

	mu       sync.Mutex
	username string
	project  int64
	hooks    []func()
}

// New returns a Session backed by store. A nil store falls back to memory.
func New(store Store) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Session{store: store}
}

// Tokens loads the persisted pair.
func (s *Session) Tokens(ctx context.Context) (Tokens, error) {
	return s.store.Load(ctx)
}

// AccessToken returns the persisted access token, or "" when absent.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	t, err := s.store.Load(ctx)
	return t.Access, err
}

// RefreshToken returns the persisted refresh token, or "" when absent.
func (s *Session) RefreshToken(ctx context.Context) (string, error) {
	t, err := s.store.Load(ctx)
	return t.Refresh, err
}

// LoggedIn reports whether both tokens are persisted.
func (s *Session) LoggedIn(ctx context.Context) bool {
	t, err := s.store.Load(ctx)
	return err == nil && t.Complete()
}

// SetTokens persists a fresh pair after login.
func (s *Session) SetTokens(ctx context.Context, access, refresh string) error {
	access, refresh = strings.TrimSpace(access), strings.TrimSpace(refresh)
	if access == "" || refresh == "" {
		return ErrIncompleteTokens
	}
	return s.store.Save(ctx, Tokens{Access: access, Refresh: refresh})
}

// SetAccessToken replaces the access token after a refresh. A non-empty refresh
// replaces the stored refresh token too, for servers that rotate it.
func (s *Session) SetAccessToken(ctx context.Context, access, rotatedRefresh string) error {
	access = strings.TrimSpace(access)
	if access == "" {
		return ErrIncompleteTokens
	}
	current, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	current.Access = access
	if r := strings.TrimSpace(rotatedRefresh); r != "" {
		current.Refresh = r
	}
	if current.Refresh == "" {
		return ErrIncompleteTokens
	}
	return s.store.Save(ctx, current)
}

// Username returns the cached profile name, if any.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// SetUsername caches the profile name of the logged-in user.
func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// CurrentProject returns the selected project id; 0 means none.
func (s *Session) CurrentProject() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// SetCurrentProject selects a project.
func (s *Session) SetCurrentProject(id int64) {
	s.mu.Lock()
	s.project = id
	s.mu.Unlock()
}

// OnLogout registers fn to run at the end of every Logout.
func (s *Session) OnLogout(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Logout tears the session down: both persisted tokens are removed and in-memory state
// is reset. The in-memory reset and hooks run even if the store fails to clear. Hooks
// fire only when there was something to tear down, so repeated calls are no-ops.
func (s *Session) Logout(ctx context.Context) error {
	held, loadErr := s.store.Load(ctx)
	err := s.store.Clear(ctx)
	s.mu.Lock()
	active := loadErr != nil || held.Access != "" || held.Refresh != "" || s.username != "" || s.project != 0
	s.username = ""
	s.project = 0
	var hooks []func()
	if active {
		hooks = append(hooks, s.hooks...)
	}
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return err
}
