package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/platinummonkey/hearth/pkg/rbac"
)

func newPromoteCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "promote",
		Description: "Promote a member to admin",
		Flags:       flag.NewFlagSet("promote", flag.ContinueOnError),
	}
	var perms rbac.AdminPermissions
	cmd.Flags.BoolVar(&perms.ManageUsers, "manage-users", false, "Grant manage_users")
	cmd.Flags.BoolVar(&perms.ManagePosts, "manage-posts", false, "Grant manage_posts")
	cmd.Flags.BoolVar(&perms.ManageEvents, "manage-events", false, "Grant manage_events")
	cmd.Flags.BoolVar(&perms.ManageFiles, "manage-files", false, "Grant manage_files")
	cmd.Flags.BoolVar(&perms.ManageComments, "manage-comments", false, "Grant manage_comments")
	cmd.Flags.BoolVar(&perms.ViewReports, "view-reports", false, "Grant view_reports")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if cmd.Flags.NArg() != 1 {
			return errors.New("usage: promote [flags] <user-id>")
		}
		userID := cmd.Flags.Arg(0)

		// No permission flags means the default permission set
		var granted *rbac.AdminPermissions
		cmd.Flags.Visit(func(*flag.Flag) { granted = &perms })

		return env.withWorkspace(true, func(ctx context.Context, ws *Workspace) error {
			actor := ws.Session.Snapshot().Identity
			if actor == nil {
				return ErrNotSignedIn
			}
			admin, err := ws.Admin.Promote(ctx, actor.UserID, userID, granted)
			if err != nil {
				return fmt.Errorf("promote %s: %w", userID, err)
			}
			fmt.Fprintf(env.Out, "Promoted %s to %s\n", admin.ID, admin.Role())
			return nil
		})
	}
	return cmd
}

func newDemoteCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "demote",
		Description: "Demote an admin to member",
		Flags:       flag.NewFlagSet("demote", flag.ContinueOnError),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if cmd.Flags.NArg() != 1 {
			return errors.New("usage: demote <user-id>")
		}
		userID := cmd.Flags.Arg(0)

		return env.withWorkspace(true, func(ctx context.Context, ws *Workspace) error {
			actor := ws.Session.Snapshot().Identity
			if actor == nil {
				return ErrNotSignedIn
			}
			member, err := ws.Admin.Demote(ctx, actor.UserID, userID)
			if err != nil {
				return fmt.Errorf("demote %s: %w", userID, err)
			}
			fmt.Fprintf(env.Out, "Demoted %s to %s\n", member.ID, member.Role.Role())
			return nil
		})
	}
	return cmd
}
