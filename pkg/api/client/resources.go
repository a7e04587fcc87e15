package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Me returns the profile of the logged-in user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	if _, err := c.Do(ctx, http.MethodGet, "me/", nil, true, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	GithubProfile string `json:"github_profile"`
	Skills        string `json:"skills"`
}

// UpdateMe patches the profile and returns the updated record.
func (c *Client) UpdateMe(ctx context.Context, in ProfileUpdate) (User, error) {
	var user User
	if _, err := c.Do(ctx, http.MethodPatch, "me/", in, true, &user); err != nil {
		return User{}, err
	}
	c.session.SetUsername(user.Username)
	c.notifier.Success("Profile updated successfully!")
	return user, nil
}

// ProjectFilter narrows ListProjects. Empty fields are omitted.
type ProjectFilter struct {
	Search  string
	Status  string
	College string
}

func (f ProjectFilter) query() string {
	params := url.Values{}
	if s := strings.TrimSpace(f.Search); s != "" {
		params.Set("search", s)
	}
	if s := strings.TrimSpace(f.Status); s != "" {
		params.Set("status", s)
	}
	if s := strings.TrimSpace(f.College); s != "" {
		params.Set("leader__college_name", s)
	}
	return params.Encode()
}

// ListProjects returns projects matching filter.
func (c *Client) ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error) {
	path := "projects/"
	if q := filter.query(); q != "" {
		path += "?" + q
	}
	var projects []Project
	if _, err := c.Do(ctx, http.MethodGet, path, nil, true, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches a project with its roles and team and selects it as the current
// project of the session.
func (c *Client) GetProject(ctx context.Context, projectID int64) (Project, error) {
	c.session.SetCurrentProject(projectID)
	var project Project
	if _, err := c.Do(ctx, http.MethodGet, "projects/"+idPath(projectID)+"/", nil, true, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProjectInput creates a project either by importing a GitHub repository or from
// a title and description. GithubLink wins when both are set.
type CreateProjectInput struct {
	GithubLink  string `json:"github_link,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (in CreateProjectInput) payload() (map[string]string, error) {
	if link := strings.TrimSpace(in.GithubLink); link != "" {
		return map[string]string{"github_link": link}, nil
	}
	if title := strings.TrimSpace(in.Title); title != "" {
		return map[string]string{"title": title, "description": in.Description}, nil
	}
	return nil, fmt.Errorf("%w: You must provide either a GitHub link or a Title.", ErrInvalidInput)
}

// CreateProject provisions a new project led by the current user.
func (c *Client) CreateProject(ctx context.Context, in CreateProjectInput) (Project, error) {
	body, err := in.payload()
	if err != nil {
		c.invalid(err)
		return Project{}, err
	}
	var project Project
	if _, err := c.Do(ctx, http.MethodPost, "projects/", body, true, &project); err != nil {
		return Project{}, err
	}
	c.notifier.Success("Project created successfully!")
	return project, nil
}

// RoleInput defines a new role.
type RoleInput struct {
	RoleName       string `json:"role_name"`
	RequiredSkills string `json:"required_skills"`
}

// AddRole adds a role to a project. Only the project leader may do this.
func (c *Client) AddRole(ctx context.Context, projectID int64, in RoleInput) (Role, error) {
	if strings.TrimSpace(in.RoleName) == "" || strings.TrimSpace(in.RequiredSkills) == "" {
		err := fmt.Errorf("%w: Role Name and Skills are required.", ErrInvalidInput)
		c.invalid(err)
		return Role{}, err
	}
	var role Role
	path := "projects/" + idPath(projectID) + "/roles/"
	if _, err := c.Do(ctx, http.MethodPost, path, in, true, &role); err != nil {
		return Role{}, err
	}
	c.notifier.Success("Role added successfully!")
	return role, nil
}

// Apply submits a proposal for a role. An empty proposal sends nothing and returns
// ErrCancelled.
func (c *Client) Apply(ctx context.Context, projectID, roleID int64, proposal string) (Application, error) {
	if strings.TrimSpace(proposal) == "" {
		return Application{}, ErrCancelled
	}
	var app Application
	body := map[string]string{"proposal": proposal}
	if _, err := c.Do(ctx, http.MethodPost, applicationsPath(projectID, roleID), body, true, &app); err != nil {
		return Application{}, err
	}
	c.notifier.Success("Application submitted successfully!")
	return app, nil
}

// MyApplications lists applications submitted by the current user.
func (c *Client) MyApplications(ctx context.Context) ([]Application, error) {
	var apps []Application
	if _, err := c.Do(ctx, http.MethodGet, "my-applications/", nil, true, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// RoleApplications lists applications received for a role. Leader only.
func (c *Client) RoleApplications(ctx context.Context, projectID, roleID int64) ([]Application, error) {
	var apps []Application
	if _, err := c.Do(ctx, http.MethodGet, applicationsPath(projectID, roleID), nil, true, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// ApproveApplication accepts an application, adding the applicant to the team.
func (c *Client) ApproveApplication(ctx context.Context, projectID, roleID, applicationID int64) error {
	if err := c.decide(ctx, projectID, roleID, applicationID, "approve"); err != nil {
		return err
	}
	c.notifier.Success("Application approved!")
	return nil
}

// RejectApplication declines an application.
func (c *Client) RejectApplication(ctx context.Context, projectID, roleID, applicationID int64) error {
	if err := c.decide(ctx, projectID, roleID, applicationID, "reject"); err != nil {
		return err
	}
	c.notifier.Success("Application rejected.")
	return nil
}

func (c *Client) decide(ctx context.Context, projectID, roleID, applicationID int64, action string) error {
	path := applicationsPath(projectID, roleID) + idPath(applicationID) + "/" + action + "/"
	_, err := c.Do(ctx, http.MethodPost, path, nil, true, nil)
	return err
}

func applicationsPath(projectID, roleID int64) string {
	return "projects/" + idPath(projectID) + "/roles/" + idPath(roleID) + "/applications/"
}
