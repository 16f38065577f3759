package cli

import (
	"flag"
	"fmt"
	"sort"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/clinicaccess/pkg/permissions"
	"github.com/platinummonkey/clinicaccess/pkg/rbac"
)

const defaultConcurrency = 8

func newMembersCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "members",
		Description: "List a clinic's members and their roles",
		Flags:       flag.NewFlagSet("members", flag.ContinueOnError),
	}
	conn := addConnFlags(cmd.Flags)
	grants := cmd.Flags.Bool("grants", false, "Also fetch every member's explicit grants")
	concurrency := cmd.Flags.Int("concurrency", defaultConcurrency, "Parallel requests with -grants")

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

		members, err := c.ListMembers(ctx, *conn.clinic)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		sortMembers(members)

		extra := make([][]permissions.Permission, len(members))
		if *grants {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(*concurrency, 1))
			for i, m := range members {
				g.Go(func() error {
					access, err := c.GetAccess(gctx, *conn.clinic, m.UserID)
					if err != nil {
						return fmt.Errorf("failed to get access of user %d: %w", m.UserID, err)
					}
					extra[i] = access.Grants
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		if *grants {
			fmt.Fprintln(w, "USER\tROLE\tGRANTS")
		} else {
			fmt.Fprintln(w, "USER\tROLE")
		}
		for i, m := range members {
			if *grants {
				fmt.Fprintf(w, "%d\t%s\t%s\n", m.UserID, m.Role, formatPermissions(extra[i]))
			} else {
				fmt.Fprintf(w, "%d\t%s\n", m.UserID, m.Role)
			}
		}
		return w.Flush()
	}
	return cmd
}

func sortMembers(members []rbac.Membership) {
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
}
