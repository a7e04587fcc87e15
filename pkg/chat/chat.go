// Package chat hands a project over to the chat service and speaks its websocket protocol.
//
// The chat service authenticates with the access token in the query string. That leaks the
// token into proxy logs and browser history; it is kept because the server accepts nothing
// else.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/splax/teamup/pkg/notify"
	"github.com/splax/teamup/pkg/session"
)

// User-visible handoff failures.
const (
	MsgNoProject = "No project selected to open chat for."
	MsgNoToken   = "Cannot open chat. Access token not found. Please log in again."
)

var (
	// ErrNoProject indicates no project is selected.
	ErrNoProject = errors.New("no project selected")
	// ErrNoToken indicates the session holds no access token.
	ErrNoToken = errors.New("access token not found")
)

// URL returns the chat page for projectID. apiBase is the REST base; a trailing "/api"
// segment is dropped to get the origin.
func URL(apiBase string, projectID int64, accessToken string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	base = strings.TrimSuffix(base, "/api")
	base = strings.TrimRight(base, "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("chat origin must be an absolute url")
	}
	u.Path = u.Path + "/api/chat/" + strconv.FormatInt(projectID, 10) + "/"
	u.RawQuery = url.Values{"token": {accessToken}}.Encode()
	return u.String(), nil
}

// Handoff builds the chat URL for the session's current project. A missing token logs the
// session out. Failures are shown through n.
func Handoff(ctx context.Context, apiBase string, sess *session.Session, n notify.Notifier) (string, error) {
	if n == nil {
		n = notify.Discard{}
	}
	projectID := sess.CurrentProject()
	if projectID == 0 {
		n.Error(MsgNoProject)
		return "", ErrNoProject
	}
	token, err := sess.AccessToken(ctx)
	if err != nil || token == "" {
		n.Error(MsgNoToken)
		if logoutErr := sess.Logout(context.WithoutCancel(ctx)); logoutErr != nil {
			return "", fmt.Errorf("%w: logout: %w", ErrNoToken, logoutErr)
		}
		return "", ErrNoToken
	}
	return URL(apiBase, projectID, token)
}
