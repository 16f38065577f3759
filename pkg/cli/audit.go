package cli

import (
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/clinicaccess/pkg/audit"
)

func newAuditCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "audit",
		Description: "Search a clinic's permission audit trail",
		Flags:       flag.NewFlagSet("audit", flag.ContinueOnError),
	}
	conn := addConnFlags(cmd.Flags)
	since := cmd.Flags.Duration("since", 0, "Only events newer than this, e.g. 24h")
	types := cmd.Flags.String("type", "", "Comma-separated event types")
	resource := cmd.Flags.String("resource", "", "Resource ID, e.g. access:1:9 or RECEPTIONIST")
	limit := cmd.Flags.Int("limit", 50, "Maximum events")

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

		filter := audit.SearchFilter{
			ClinicID:   *conn.clinic,
			ResourceID: *resource,
			Limit:      *limit,
		}
		if *since > 0 {
			start := time.Now().Add(-*since)
			filter.StartTime = &start
		}
		for _, t := range strings.Split(*types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
			}
		}

		events, err := c.SearchAudit(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to search audit events: %w", err)
		}

		w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSTATUS\tACTOR\tRESOURCE")
		for _, ev := range events {
			actor := "-"
			if ev.ActorID != nil {
				actor = fmt.Sprintf("%d", *ev.ActorID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.Status, actor, ev.ResourceID)
		}
		return w.Flush()
	}
	return cmd
}
