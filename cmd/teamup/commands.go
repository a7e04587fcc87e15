package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	apiclient "github.com/splax/teamup/pkg/api/client"
	"github.com/splax/teamup/pkg/jwt"
)

func commandLogin(ctx context.Context, a *app, args []string) error {
	fs := a.flags("login")
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*username)
	if name == "" {
		var err error
		if name, err = a.readLine("Username: "); err != nil {
			return err
		}
		name = strings.TrimSpace(name)
	}
	if name == "" {
		return errors.New("--username is required")
	}
	secret := *password
	if secret == "" {
		var err error
		if secret, err = a.readSecret("Password: "); err != nil {
			return err
		}
	}

	user, err := a.client.Login(ctx, name, secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "logged in as %s (%s)\n", user.Username, user.CollegeName)
	return nil
}

func commandRegister(ctx context.Context, a *app, args []string) error {
	fs := a.flags("register")
	username := fs.String("username", "", "Username")
	email := fs.String("email", "", "College email address")
	college := fs.String("college", "", "College name")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := apiclient.RegisterInput{
		Username:     strings.TrimSpace(*username),
		CollegeEmail: strings.TrimSpace(*email),
		CollegeName:  strings.TrimSpace(*college),
		Password:     *password,
		Password2:    *password,
	}
	if in.Password == "" {
		var err error
		if in.Password, err = a.readSecret("Password: "); err != nil {
			return err
		}
		if in.Password2, err = a.readSecret("Confirm password: "); err != nil {
			return err
		}
	}
	return a.client.Register(ctx, in)
}

func commandLogout(ctx context.Context, a *app, args []string) error {
	if err := a.flags("logout").Parse(args); err != nil {
		return err
	}
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "logged out")
	return nil
}

// commandStatus reports the stored session without contacting the API.
func commandStatus(ctx context.Context, a *app, args []string) error {
	if err := a.flags("status").Parse(args); err != nil {
		return err
	}
	tokens, err := a.session.Tokens(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "api: %s\nsession backend: %s\n", a.client.BaseURL(), a.cfg.Session.Backend)
	if !tokens.Complete() {
		fmt.Fprintln(a.stdout, "not logged in")
		return nil
	}
	now := time.Now()
	for _, tok := range []struct{ name, value string }{
		{"access", tokens.Access},
		{"refresh", tokens.Refresh},
	} {
		info, err := jwt.Inspect(tok.value)
		switch {
		case err != nil:
			fmt.Fprintf(a.stdout, "%s token: unreadable (%v)\n", tok.name, err)
		case info.Opaque:
			fmt.Fprintf(a.stdout, "%s token: opaque\n", tok.name)
		case info.ExpiresAt.IsZero():
			fmt.Fprintf(a.stdout, "%s token: user %s, no expiry\n", tok.name, info.UserID)
		default:
			state := "valid"
			if info.Expired(now) {
				state = "expired"
			}
			fmt.Fprintf(a.stdout, "%s token: user %s, %s until %s\n", tok.name, info.UserID, state, info.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}

func commandMe(ctx context.Context, a *app, args []string) error {
	fs := a.flags("me")
	github := fs.String("github", "", "New GitHub profile URL")
	skills := fs.String("skills", "", "New comma separated skills")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		user apiclient.User
		err  error
	)
	if *github != "" || *skills != "" {
		current, err := a.client.Me(ctx)
		if err != nil {
			return err
		}
		update := apiclient.ProfileUpdate{GithubProfile: current.GithubProfile, Skills: current.Skills}
		if *github != "" {
			update.GithubProfile = *github
		}
		if *skills != "" {
			update.Skills = *skills
		}
		user, err = a.client.UpdateMe(ctx, update)
		if err != nil {
			return err
		}
	} else if user, err = a.client.Me(ctx); err != nil {
		return err
	}
	if *asJSON {
		return a.printJSON(user)
	}
	fmt.Fprintf(a.stdout, "username: %s\nemail: %s\ncollege: %s\ngithub: %s\nskills: %s\n",
		user.Username, user.CollegeEmail, user.CollegeName, user.GithubProfile, user.Skills)
	return nil
}

func commandProject(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: teamup project [list|show|create]")
	}
	switch args[0] {
	case "list":
		return projectList(ctx, a, args[1:])
	case "show":
		return projectShow(ctx, a, args[1:])
	case "create":
		return projectCreate(ctx, a, args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectList(ctx context.Context, a *app, args []string) error {
	fs := a.flags("project list")
	search := fs.String("search", "", "Match title or description")
	status := fs.String("status", "", "Project status filter")
	college := fs.String("college", "", "Leader college filter")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	projects, err := a.client.ListProjects(ctx, apiclient.ProjectFilter{
		Search:  *search,
		Status:  *status,
		College: *college,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return a.printJSON(projects)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tLEADER\tCOLLEGE")
	for _, p := range projects {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Title, p.Status, p.Leader, p.LeaderCollege)
	}
	return tw.Flush()
}

func projectShow(ctx context.Context, a *app, args []string) error {
	fs := a.flags("project show")
	id := fs.Int64("id", 0, "Project identifier")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("--id is required")
	}

	p, err := a.client.GetProject(ctx, *id)
	if err != nil {
		return err
	}
	if *asJSON {
		return a.printJSON(p)
	}
	fmt.Fprintf(a.stdout, "%s (#%d) %s\nleader: %s (%s)\n", p.Title, p.ID, p.Status, p.Leader, p.LeaderCollege)
	if p.GithubLink != "" {
		fmt.Fprintf(a.stdout, "github: %s\n", p.GithubLink)
	}
	if p.Description != "" {
		fmt.Fprintf(a.stdout, "\n%s\n", p.Description)
	}
	if len(p.Roles) > 0 {
		fmt.Fprintln(a.stdout, "\nroles:")
		for _, r := range p.Roles {
			fmt.Fprintf(a.stdout, "  %d\t%s\t%s\n", r.ID, r.RoleName, r.RequiredSkills)
		}
	}
	if len(p.TeamMembers) > 0 {
		fmt.Fprintln(a.stdout, "\nteam:")
		for _, m := range p.TeamMembers {
			fmt.Fprintf(a.stdout, "  %s\n", m.User)
		}
	}
	return nil
}

func projectCreate(ctx context.Context, a *app, args []string) error {
	fs := a.flags("project create")
	github := fs.String("github", "", "GitHub repository to import")
	title := fs.String("title", "", "Project title")
	description := fs.String("description", "", "Project description")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := a.client.CreateProject(ctx, apiclient.CreateProjectInput{
		GithubLink:  strings.TrimSpace(*github),
		Title:       strings.TrimSpace(*title),
		Description: *description,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "project created: %d (%s)\n", p.ID, p.Title)
	return nil
}

func commandRole(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: teamup role add --project ID --name NAME --skills SKILLS")
	}
	fs := a.flags("role add")
	projectID := fs.Int64("project", 0, "Project identifier")
	name := fs.String("name", "", "Role name")
	skills := fs.String("skills", "", "Required skills")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *projectID <= 0 {
		return errors.New("--project is required")
	}

	role, err := a.client.AddRole(ctx, *projectID, apiclient.RoleInput{
		RoleName:       strings.TrimSpace(*name),
		RequiredSkills: strings.TrimSpace(*skills),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "role added: %d (%s)\n", role.ID, role.RoleName)
	return nil
}

func commandApply(ctx context.Context, a *app, args []string) error {
	fs := a.flags("apply")
	projectID := fs.Int64("project", 0, "Project identifier")
	roleID := fs.Int64("role", 0, "Role identifier")
	proposal := fs.String("proposal", "", `Proposal text, "-" reads one line from stdin`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projectID <= 0 || *roleID <= 0 {
		return errors.New("--project and --role are required")
	}

	text := *proposal
	if text == "" || text == "-" {
		var err error
		if text, err = a.readLine("Proposal: "); err != nil {
			return err
		}
	}
	application, err := a.client.Apply(ctx, *projectID, *roleID, text)
	if errors.Is(err, apiclient.ErrCancelled) {
		fmt.Fprintln(a.stderr, "application cancelled")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "application %d is %s\n", application.ID, application.Status)
	return nil
}

func commandApplications(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: teamup applications [mine|role]")
	}
	var (
		apps   []apiclient.Application
		asJSON *bool
		err    error
	)
	switch args[0] {
	case "mine":
		fs := a.flags("applications mine")
		asJSON = fs.Bool("json", false, "Print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		apps, err = a.client.MyApplications(ctx)
	case "role":
		fs := a.flags("applications role")
		projectID := fs.Int64("project", 0, "Project identifier")
		roleID := fs.Int64("role", 0, "Role identifier")
		asJSON = fs.Bool("json", false, "Print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *projectID <= 0 || *roleID <= 0 {
			return errors.New("--project and --role are required")
		}
		apps, err = a.client.RoleApplications(ctx, *projectID, *roleID)
	default:
		return fmt.Errorf("unknown applications command: %s", args[0])
	}
	if err != nil {
		return err
	}
	if *asJSON {
		return a.printJSON(apps)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAPPLICANT\tROLE\tSTATUS\tAPPLIED")
	for _, item := range apps {
		applied := ""
		if !item.AppliedAt.IsZero() {
			applied = item.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", item.ID, item.Applicant, item.ProjectRole, item.Status, applied)
	}
	return tw.Flush()
}

func commandApprove(ctx context.Context, a *app, args []string) error {
	return decide(ctx, a, "approve", args, a.client.ApproveApplication)
}

func commandReject(ctx context.Context, a *app, args []string) error {
	return decide(ctx, a, "reject", args, a.client.RejectApplication)
}

func decide(ctx context.Context, a *app, name string, args []string, fn func(context.Context, int64, int64, int64) error) error {
	fs := a.flags(name)
	projectID := fs.Int64("project", 0, "Project identifier")
	roleID := fs.Int64("role", 0, "Role identifier")
	applicationID := fs.Int64("application", 0, "Application identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projectID <= 0 || *roleID <= 0 || *applicationID <= 0 {
		return errors.New("--project, --role and --application are required")
	}
	return fn(ctx, *projectID, *roleID, *applicationID)
}
