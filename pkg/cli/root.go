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

	out io.Writer
}

// NewRootCommand creates the root command writing to out (stdout when nil)
func NewRootCommand(out io.Writer) *Command {
	if out == nil {
		out = os.Stdout
	}

	root := &Command{
		Name:        "storyloom",
		Description: "Storyloom - admin access control CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("storyloom", flag.ContinueOnError),
		out:         out,
	}

	root.Subcommands["whoami"] = newWhoamiCommand(out)
	root.Subcommands["check"] = newCheckCommand(out)
	root.Subcommands["roles"] = newRolesCommand(out)
	root.Subcommands["principal"] = newPrincipalCommand(out)
	root.Subcommands["seed-validate"] = newSeedValidateCommand(out)
	root.Subcommands["audit-export"] = newAuditExportCommand(out)

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(c.out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(c.out, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// serverFlags registers the connection flags every remote command shares
func serverFlags(fs *flag.FlagSet) (server, token *string) {
	server = fs.String("server", envOr("STORYLOOM_SERVER", "http://localhost:8080"), "Admin API base URL")
	token = fs.String("token", os.Getenv("STORYLOOM_TOKEN"), "Session bearer token")
	return server, token
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
