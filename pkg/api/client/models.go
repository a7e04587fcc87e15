package client

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Application statuses reported by the API.
const (
	ApplicationPending  = "PENDING"
	ApplicationAccepted = "ACCEPTED"
	ApplicationRejected = "REJECTED"
)

// Label is a display reference to another record. The API renders these either as a
// string (username, role name) or as a numeric primary key; both decode to text.
type Label string

func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Label(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = Label(n.String())
	return nil
}

// User reflects the profile returned by me/.
type User struct {
	ID            int64  `json:"id,omitempty"`
	Username      string `json:"username"`
	CollegeEmail  string `json:"college_email"`
	CollegeName   string `json:"college_name"`
	GithubProfile string `json:"github_profile"`
	Skills        string `json:"skills"`
}

// TokenPair is the payload of token/.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Role is an open position on a project.
type Role struct {
	ID             int64  `json:"id"`
	RoleName       string `json:"role_name"`
	RequiredSkills string `json:"required_skills"`
}

// TeamMember is an accepted collaborator.
type TeamMember struct {
	User     Label     `json:"user"`
	JoinedAt time.Time `json:"joined_at"`
}

// Project describes a collaboration project.
type Project struct {
	ID            int64        `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        string       `json:"status"`
	GithubLink    string       `json:"github_link"`
	Leader        Label        `json:"leader"`
	LeaderCollege string       `json:"leader_college"`
	CreatedAt     time.Time    `json:"created_at"`
	Roles         []Role       `json:"roles,omitempty"`
	TeamMembers   []TeamMember `json:"team_members,omitempty"`
}

// IsLedBy reports whether username leads the project. Leaders see applications; other
// users may apply.
func (p Project) IsLedBy(username string) bool {
	return username != "" && string(p.Leader) == username
}

// Application is a user's request to fill a role.
type Application struct {
	ID          int64     `json:"id"`
	Applicant   Label     `json:"applicant"`
	ProjectRole Label     `json:"project_role"`
	Status      string    `json:"status"`
	Proposal    string    `json:"proposal"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Pending reports whether the application still awaits a decision.
func (a Application) Pending() bool {
	return a.Status == ApplicationPending
}

func idPath(id int64) string {
	return strconv.FormatInt(id, 10)
}
