package cli

import (
	"bufio"
	"flag"
	"fmt"
	"strings"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/templates"
)

func newTemplateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "template",
		Description: "Show or edit a clinic's role template",
		Flags:       flag.NewFlagSet("template", flag.ContinueOnError),
	}
	conn := addConnFlags(cmd.Flags)
	role := cmd.Flags.String("role", "", "Role to show or edit")
	grant := cmd.Flags.String("grant", "", "Comma-separated module:action pairs to add")
	revoke := cmd.Flags.String("revoke", "", "Comma-separated module:action pairs to remove")
	restore := cmd.Flags.Bool("restore-defaults", false, "Reset the template to the role's factory defaults")
	yes := cmd.Flags.Bool("yes", false, "Do not ask before restoring defaults")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		r, err := permissions.ParseRole(*role)
		if err != nil {
			return fmt.Errorf("-role: %w", err)
		}
		grants, err := parsePermissionList(*grant)
		if err != nil {
			return err
		}
		revokes, err := parsePermissionList(*revoke)
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

		m := templates.NewManager(*conn.clinic, s.client, s.cache, s.provider, templates.WithLogger(conn.logger()))
		if err := m.SelectRole(ctx, r); err != nil {
			return err
		}

		changing := *restore || len(grants)+len(revokes) > 0
		if changing {
			if !m.Editable() {
				if r.IsSuper() {
					return fmt.Errorf("%w: %s", templates.ErrRoleLocked, r)
				}
				return templates.ErrForbidden
			}
			if *restore {
				if err := m.RestoreDefaults(confirmer(env, *yes)); err != nil {
					return err
				}
			}
			for _, p := range grants {
				m.ToggleGrant(p.Module, p.Action, true)
			}
			for _, p := range revokes {
				m.ToggleGrant(p.Module, p.Action, false)
			}
			if m.Dirty() {
				if err := m.Save(ctx); err != nil {
					return err
				}
				fmt.Fprintln(env.Out, "saved")
			}
		}

		source := "factory defaults"
		if m.Custom() {
			source = "custom"
		}
		fmt.Fprintf(env.Out, "role %s in clinic %d (%s)\n", r, *conn.clinic, source)
		for _, p := range m.WorkingSet().Slice() {
			fmt.Fprintf(env.Out, "  %s\n", p)
		}
		return nil
	}
	return cmd
}

func confirmer(env *Env, yes bool) templates.ConfirmFunc {
	return func(role permissions.Role) bool {
		if yes {
			return true
		}
		fmt.Fprintf(env.Out, "Restore %s to its factory defaults? [y/N] ", role)
		if env.In == nil {
			return false
		}
		line, _ := bufio.NewReader(env.In).ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}
