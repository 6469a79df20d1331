package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/platinummonkey/hearth/pkg/rbac"
	"github.com/platinummonkey/hearth/pkg/session"
)

var (
	// ErrNotSignedIn is returned by commands that need a restored session
	ErrNotSignedIn = errors.New("not signed in")
	// ErrDenied is returned by can when the capability is not held
	ErrDenied = errors.New("permission denied")
)

// withWorkspace opens a workspace for the duration of fn. With start set the
// persisted session is restored first.
func (e *Env) withWorkspace(start bool, fn func(ctx context.Context, ws *Workspace) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()

	ws, err := e.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			e.Log.WithError(err).Warn("failed to close workspace")
		}
	}()

	if start {
		if err := ws.Session.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, ws)
}

// password picks the flag value, then HEARTH_PASSWORD, then one line of input
func (e *Env) password(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if pw := os.Getenv("HEARTH_PASSWORD"); pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(e.In).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func roleLabel(snap session.Snapshot) string {
	role := snap.Role()
	if role == nil {
		if snap.LastError != nil {
			return "role unavailable"
		}
		return "no role"
	}
	if snap.Stale {
		return string(*role) + ", stale"
	}
	return string(*role)
}

func newLoginCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "login",
		Description: "Sign in with email and password",
		Flags:       flag.NewFlagSet("login", flag.ContinueOnError),
	}
	email := cmd.Flags.String("email", "", "Account email")
	password := cmd.Flags.String("password", "", "Password (default: $HEARTH_PASSWORD, then a line from stdin)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *email == "" {
			return errors.New("--email is required")
		}
		pw, err := env.password(*password)
		if err != nil {
			return err
		}

		return env.withWorkspace(true, func(ctx context.Context, ws *Workspace) error {
			identity, err := ws.Session.SignIn(ctx, *email, pw)
			if err != nil {
				return fmt.Errorf("sign in failed: %w", err)
			}
			snap := ws.Session.Snapshot()
			fmt.Fprintf(env.Out, "Signed in as %s (%s)\n", identity.Email, roleLabel(snap))
			if snap.LastError != nil {
				env.Log.WithError(snap.LastError).Warn("role resolution failed")
			}
			return nil
		})
	}
	return cmd
}

func newLogoutCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "logout",
		Description: "Sign out and forget the stored session",
		Flags:       flag.NewFlagSet("logout", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return env.withWorkspace(false, func(ctx context.Context, ws *Workspace) error {
			if err := ws.Session.SignOut(ctx); err != nil {
				return fmt.Errorf("sign out: %w", err)
			}
			fmt.Fprintln(env.Out, "Signed out")
			return nil
		})
	}
	return cmd
}

type whoamiOutput struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"`
	Stale  bool   `json:"stale"`
	Error  string `json:"error,omitempty"`
}

func newWhoamiCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "whoami",
		Description: "Show the signed-in user and role",
		Flags:       flag.NewFlagSet("whoami", flag.ContinueOnError),
	}
	asJSON := cmd.Flags.Bool("json", false, "Print JSON")
	refresh := cmd.Flags.Bool("refresh", false, "Resolve the role again, bypassing the cache")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return env.withWorkspace(true, func(ctx context.Context, ws *Workspace) error {
			if ws.Session.Snapshot().Identity == nil {
				return ErrNotSignedIn
			}
			if *refresh {
				// A failure is reported through the snapshot below
				_, _ = ws.Session.RefreshProfile(ctx, true)
			}

			snap := ws.Session.Snapshot()
			out := whoamiOutput{
				UserID: snap.Identity.UserID,
				Email:  snap.Identity.Email,
				Stale:  snap.Stale,
			}
			if role := snap.Role(); role != nil {
				out.Role = string(*role)
			}
			if snap.LastError != nil {
				out.Error = snap.LastError.Error()
			}

			if *asJSON {
				enc := json.NewEncoder(env.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Fprintf(env.Out, "User:  %s\n", out.UserID)
			fmt.Fprintf(env.Out, "Email: %s\n", out.Email)
			fmt.Fprintf(env.Out, "Role:  %s\n", roleLabel(snap))
			if out.Error != "" {
				fmt.Fprintf(env.Out, "Warning: %s\n", out.Error)
			}
			return nil
		})
	}
	return cmd
}

func newRefreshCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "refresh",
		Description: "Resolve the role again, bypassing the cache",
		Flags:       flag.NewFlagSet("refresh", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return env.withWorkspace(true, func(ctx context.Context, ws *Workspace) error {
			if ws.Session.Snapshot().Identity == nil {
				return ErrNotSignedIn
			}
			res, err := ws.Session.RefreshProfile(ctx, true)
			if err != nil {
				return fmt.Errorf("refresh role: %w", err)
			}
			fmt.Fprintf(env.Out, "Role: %s\n", res.Role)
			return nil
		})
	}
	return cmd
}

func newCanCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "can",
		Description: "Check whether the signed-in user holds a capability",
		Flags:       flag.NewFlagSet("can", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if cmd.Flags.NArg() != 1 {
			return errors.New("usage: can <capability>")
		}
		capability := rbac.Capability(strings.ToLower(cmd.Flags.Arg(0)))

		return env.withWorkspace(true, func(ctx context.Context, ws *Workspace) error {
			if !ws.Evaluator.Table().Known(capability) {
				return fmt.Errorf("unknown capability %q", capability)
			}
			if !ws.Session.Can(capability) {
				fmt.Fprintf(env.Out, "%s: denied\n", capability)
				return ErrDenied
			}
			fmt.Fprintf(env.Out, "%s: allowed\n", capability)
			return nil
		})
	}
	return cmd
}
