package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// Env holds the streams commands read from and write to
type Env struct {
	Out io.Writer
	In  io.Reader
}

// NewRootCommand creates the root command. A nil env uses stdout and stdin.
func NewRootCommand(env *Env) *Command {
	if env == nil {
		env = &Env{Out: os.Stdout, In: os.Stdin}
	}
	root := &Command{
		Name:        "accessctl",
		Description: "accessctl - manage clinic roles, grants and role templates",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("accessctl", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newCatalogCommand(env),
		newMeCommand(env),
		newMembersCommand(env),
		newUserCommand(env),
		newTemplateCommand(env),
		newAuditCommand(env),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	// Check for help flag
	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	// Check for subcommand
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	out := c.Flags.Output()
	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
