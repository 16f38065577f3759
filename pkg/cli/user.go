package cli

import (
	"errors"
	"flag"
	"fmt"

	"github.com/platinummonkey/clinicaccess/pkg/editor"
	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

func newUserCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "user",
		Description: "Show or edit a member's role and explicit grants",
		Flags:       flag.NewFlagSet("user", flag.ContinueOnError),
	}
	conn := addConnFlags(cmd.Flags)
	userID := cmd.Flags.Int64("user", 0, "Member user ID")
	role := cmd.Flags.String("role", "", "New role")
	grant := cmd.Flags.String("grant", "", "Comma-separated module:action pairs to grant")
	revoke := cmd.Flags.String("revoke", "", "Comma-separated module:action pairs to revoke")
	enable := cmd.Flags.String("enable-module", "", "Comma-separated modules to grant every action of")
	disable := cmd.Flags.String("disable-module", "", "Comma-separated modules to revoke every action of")
	clearAll := cmd.Flags.Bool("clear", false, "Remove every explicit grant before applying -grant")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *userID <= 0 {
			return fmt.Errorf("-user is required")
		}
		grants, err := parsePermissionList(*grant)
		if err != nil {
			return err
		}
		revokes, err := parsePermissionList(*revoke)
		if err != nil {
			return err
		}
		enables, err := parseModuleList(*enable)
		if err != nil {
			return err
		}
		disables, err := parseModuleList(*disable)
		if err != nil {
			return err
		}

		ctx, cancel := conn.context()
		defer cancel()
		s, err := conn.session(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		ed := editor.New(s.client, s.cache, s.provider, editor.WithLogger(conn.logger()))
		if err := ed.Load(ctx, *userID, *conn.clinic); err != nil {
			return err
		}

		changing := *role != "" || *clearAll || len(grants)+len(revokes)+len(enables)+len(disables) > 0
		if changing && !s.provider.HasPermission(permissions.ModuleUsers, permissions.ActionEdit) {
			return editor.ErrForbidden
		}

		if *role != "" {
			r, err := permissions.ParseRole(*role)
			if err != nil {
				return err
			}
			if err := ed.SetRole(r); err != nil {
				return err
			}
		}
		if *clearAll {
			for _, m := range permissions.Modules() {
				ed.ToggleModule(m, false)
			}
		}
		for _, m := range enables {
			ed.ToggleModule(m, true)
		}
		for _, m := range disables {
			ed.ToggleModule(m, false)
		}
		for _, p := range grants {
			ed.ToggleAction(p.Module, p.Action, true)
		}
		for _, p := range revokes {
			ed.ToggleAction(p.Module, p.Action, false)
		}

		if ed.Dirty() {
			result, err := ed.Save(ctx)
			var partial *editor.PartialSaveError
			switch {
			case errors.As(err, &partial):
				fmt.Fprintf(env.Out, "partially saved: %v\n", err)
				return err
			case err != nil:
				return fmt.Errorf("save failed: %w", err)
			}
			fmt.Fprintf(env.Out, "saved (role changed: %t, grants changed: %t)\n", result.RoleChanged, result.GrantsChanged)
		}

		fmt.Fprintf(env.Out, "user %d in clinic %d\n", *userID, *conn.clinic)
		fmt.Fprintf(env.Out, "role: %s\n", ed.Role())
		fmt.Fprintf(env.Out, "grants: %s\n", formatPermissions(ed.Grants().Slice()))
		return nil
	}
	return cmd
}
