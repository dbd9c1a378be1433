package commands

import (
	"context"
	"fmt"
	"syscall"

	"golang.org/x/term"

	"github.com/civicstack/civic/internal/auth"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// AuthLoginCmd checks credentials and prints a session token.
type AuthLoginCmd struct {
	Username string `arg:"" help:"Username"`
	Password string `help:"Password (prompted when omitted)"`
}

func (cmd *AuthLoginCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	password, err := passwordOrPrompt(cmd.Password, "Password: ")
	if err != nil {
		return err
	}
	user, err := c.Users.Authenticate(ctx, cmd.Username, password)
	if err != nil {
		return err
	}
	token, err := c.Sessions.Issue(ctx, user)
	if err != nil {
		return err
	}
	if !g.CLI.JSON && !g.CLI.Silent {
		fmt.Println(token)
	}
	return g.Print(map[string]any{"success": true, "token": token}, nil)
}

// UsersCreateCmd adds a user.
type UsersCreateCmd struct {
	Username string `arg:"" help:"Username"`
	Role     string `required:"" help:"Role (clerk, council, admin, public)"`
	Name     string `help:"Display name"`
	Email    string `help:"Email address"`
	Password string `help:"Password (prompted when omitted for local users)"`
	Provider string `help:"External auth provider; local password auth when empty"`
}

func (cmd *UsersCreateCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	password := cmd.Password
	if cmd.Provider == "" && password == "" {
		if password, err = passwordOrPrompt("", "Password: "); err != nil {
			return err
		}
	}
	user, err := c.Users.Create(ctx, auth.CreateParams{
		Username: cmd.Username, Email: cmd.Email, Name: cmd.Name,
		Role: cmd.Role, Password: password, Provider: cmd.Provider,
	})
	if err != nil {
		return err
	}
	g.printf("Created user %s (%s)\n", user.Username, user.Role)
	return g.Print(user, nil)
}

// UsersListCmd lists users.
type UsersListCmd struct{}

func (cmd *UsersListCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	users, err := c.Users.List(ctx)
	if err != nil {
		return err
	}
	return g.Print(users, func() {
		for _, u := range users {
			fmt.Printf("%-20s %-10s %-24s %s\n", u.Username, u.Role, u.Email, u.Name)
		}
		fmt.Printf("%d users\n", len(users))
	})
}

// UsersUpdateCmd changes a user's role. Existing sessions are revoked.
type UsersUpdateCmd struct {
	Username string `arg:"" help:"Username"`
	Role     string `required:"" help:"New role"`
}

func (cmd *UsersUpdateCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	if err := c.Users.SetRole(ctx, cmd.Username, cmd.Role); err != nil {
		return err
	}
	g.printf("Updated %s -> %s (sessions revoked)\n", cmd.Username, cmd.Role)
	return g.Print(map[string]any{"success": true, "username": cmd.Username, "role": cmd.Role}, nil)
}

// UsersDeleteCmd removes a user.
type UsersDeleteCmd struct {
	Username string `arg:"" help:"Username"`
}

func (cmd *UsersDeleteCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	if err := c.Users.Delete(ctx, cmd.Username); err != nil {
		return err
	}
	g.printf("Deleted user %s\n", cmd.Username)
	return g.Print(map[string]any{"success": true, "username": cmd.Username}, nil)
}

// UsersSetPwCmd force-sets a password through the admin path: the
// current password is verified as the admin's, not the target's.
type UsersSetPwCmd struct {
	Username string `arg:"" help:"Username"`
	Password string `help:"New password (prompted when omitted)"`
}

func (cmd *UsersSetPwCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	if p.Role != "admin" {
		return ferrors.Auth("only admins may set another user's password").Build()
	}
	password, err := passwordOrPrompt(cmd.Password, "New password: ")
	if err != nil {
		return err
	}
	if err := c.Users.SetPassword(ctx, cmd.Username, password); err != nil {
		return err
	}
	g.printf("Password set for %s\n", cmd.Username)
	return g.Print(map[string]any{"success": true, "username": cmd.Username}, nil)
}

// UsersChangePwCmd changes the caller's own password after verifying
// the current one.
type UsersChangePwCmd struct {
	Username string `arg:"" help:"Username"`
	Current  string `help:"Current password (prompted when omitted)"`
	New      string `help:"New password (prompted when omitted)"`
}

func (cmd *UsersChangePwCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	current, err := passwordOrPrompt(cmd.Current, "Current password: ")
	if err != nil {
		return err
	}
	next, err := passwordOrPrompt(cmd.New, "New password: ")
	if err != nil {
		return err
	}
	if err := c.Users.ChangePassword(ctx, cmd.Username, current, next); err != nil {
		return err
	}
	g.printf("Password changed for %s\n", cmd.Username)
	return g.Print(map[string]any{"success": true, "username": cmd.Username}, nil)
}

// passwordOrPrompt returns the flag value or reads one from the
// terminal without echo.
func passwordOrPrompt(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", ferrors.Validation("password required: pass it as a flag or run interactively").Build()
	}
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryOperational, "read password").Build()
	}
	return string(raw), nil
}
