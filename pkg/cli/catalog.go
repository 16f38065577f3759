package cli

import (
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
)

func newCatalogCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "catalog",
		Description: "List modules, actions and role defaults",
		Flags:       flag.NewFlagSet("catalog", flag.ContinueOnError),
	}
	roles := cmd.Flags.Bool("roles", false, "Also list every role with its default permissions")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		// The catalog is compiled in; no server round trip is needed.
		w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODULE\tLABEL\tACTIONS")
		for _, spec := range permissions.Catalog() {
			actions := make([]string, len(spec.Actions))
			for i, a := range spec.Actions {
				actions[i] = string(a)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Module, spec.Label, strings.Join(actions, ","))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if *roles {
			fmt.Fprintln(env.Out)
			w = tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tNAME\tDEFAULTS")
			for _, def := range permissions.DefaultRoles() {
				defaults := fmt.Sprintf("%d permissions", len(def.Permissions))
				if def.Role.IsSuper() {
					defaults = "all (locked)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", def.Role, def.DisplayName, defaults)
			}
			return w.Flush()
		}
		return nil
	}
	return cmd
}

func newMeCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "me",
		Description: "Show the acting user's resolved permissions",
		Flags:       flag.NewFlagSet("me", flag.ContinueOnError),
	}
	conn := addConnFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		c, err := conn.client()
		if err != nil {
			return err
		}
		ctx, cancel := conn.context()
		defer cancel()

		resp, err := c.MyPermissions(ctx, *conn.clinic)
		if err != nil {
			return fmt.Errorf("failed to get permissions: %w", err)
		}

		fmt.Fprintf(env.Out, "user %d in clinic %d: %s\n", resp.UserID, resp.ClinicID, resp.Status)
		if resp.Error != "" {
			fmt.Fprintf(env.Out, "error: %s\n", resp.Error)
		}
		if resp.Role != "" {
			fmt.Fprintf(env.Out, "role: %s\n", resp.Role)
		}
		for _, p := range resp.Permissions {
			fmt.Fprintf(env.Out, "  %s\n", p)
		}
		return nil
	}
	return cmd
}
