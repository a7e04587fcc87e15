package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// RegisterInput captures the registration form.
type RegisterInput struct {
	Username     string `json:"username"`
	CollegeEmail string `json:"college_email"`
	CollegeName  string `json:"college_name"`
	Password     string `json:"password"`
	Password2    string `json:"password2"`
}

// Validate applies the checks done before contacting the API.
func (in RegisterInput) Validate() error {
	if strings.TrimSpace(in.Username) == "" || strings.TrimSpace(in.CollegeEmail) == "" ||
		strings.TrimSpace(in.CollegeName) == "" || in.Password == "" {
		return fmt.Errorf("%w: All fields are required for registration.", ErrInvalidInput)
	}
	if in.Password != in.Password2 {
		return fmt.Errorf("%w: Passwords do not match.", ErrInvalidInput)
	}
	return nil
}

// Register creates an account. No authorization is required.
func (c *Client) Register(ctx context.Context, in RegisterInput) error {
	if err := in.Validate(); err != nil {
		c.invalid(err)
		return err
	}
	if _, err := c.Do(ctx, http.MethodPost, "register/", in, false, nil); err != nil {
		return err
	}
	c.notifier.Success("Registration successful! Please log in.")
	return nil
}

// Login exchanges credentials for a token pair, persists it and loads the profile.
// A profile failure after a successful token exchange logs the session out again.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var pair TokenPair
	if _, err := c.Do(ctx, http.MethodPost, "token/", body, false, &pair); err != nil {
		return User{}, err
	}
	if err := c.session.SetTokens(ctx, pair.Access, pair.Refresh); err != nil {
		err = fmt.Errorf("store tokens: %w", err)
		c.fail(ctx, http.MethodPost, "token/", err)
		return User{}, err
	}
	user, err := c.loadProfile(ctx)
	if err != nil {
		return User{}, err
	}
	c.notifier.Success("Login successful!")
	return user, nil
}

// CheckLogin restores a persisted session. With both tokens present the profile is
// fetched to verify them; otherwise the session is logged out to a clean state.
func (c *Client) CheckLogin(ctx context.Context) (User, bool, error) {
	tokens, err := c.session.Tokens(ctx)
	if err != nil || !tokens.Complete() {
		c.log.Debug("no stored tokens, logging out")
		if logoutErr := c.Logout(ctx); logoutErr != nil && err == nil {
			err = logoutErr
		}
		return User{}, false, err
	}
	user, err := c.loadProfile(ctx)
	if err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// Logout clears persisted tokens and in-memory session state.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.session.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.log.Info("user logged out")
	return nil
}

func (c *Client) loadProfile(ctx context.Context) (User, error) {
	user, err := c.Me(ctx)
	if err != nil {
		c.log.Error("failed to fetch user profile, logging out", "error", err)
		c.teardown(ctx)
		return User{}, err
	}
	c.session.SetUsername(user.Username)
	return user, nil
}

// invalid shows a validation failure without the request-failure prefix.
func (c *Client) invalid(err error) {
	c.notifier.Error(strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": "))
}
