package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/storyloom/storyloom/pkg/rbac"
)

// ErrAccessDenied is returned by check when the decision is a denial, so
// scripts can branch on the exit status.
var ErrAccessDenied = errors.New("access denied")

type permissionSet struct {
	Permissions []string `json:"permissions"`
	SuperAdmin  bool     `json:"super_admin"`
}

func printPermissions(out io.Writer, perms permissionSet) {
	if perms.SuperAdmin {
		fmt.Fprintln(out, "super admin: every permission is granted")
		return
	}
	if len(perms.Permissions) == 0 {
		fmt.Fprintln(out, "no permissions")
		return
	}
	for _, code := range perms.Permissions {
		fmt.Fprintf(out, "  %s\n", code)
	}
}

func newWhoamiCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "whoami",
		Description: "Show the effective permissions of the token's admin user",
		Flags:       flag.NewFlagSet("whoami", flag.ContinueOnError),
		out:         out,
	}
	server, token := serverFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		c, err := newClient(*server, *token)
		if err != nil {
			return err
		}

		var perms permissionSet
		if err := c.do(context.Background(), http.MethodGet, "/rbac/me/permissions", nil, &perms); err != nil {
			return err
		}
		printPermissions(out, perms)
		return nil
	}
	return cmd
}

func newCheckCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Ask the decision point whether an admin user may act",
		Flags:       flag.NewFlagSet("check", flag.ContinueOnError),
		out:         out,
	}
	server, token := serverFlags(cmd.Flags)
	principal := cmd.Flags.Int64("principal", 0, "Admin user ID")
	codes := cmd.Flags.String("codes", "", "Comma-separated permission codes")
	all := cmd.Flags.Bool("all", false, "Require every code instead of any")
	ip := cmd.Flags.String("ip", "", "Source address to test against the allowlist")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *principal <= 0 {
			return fmt.Errorf("--principal is required")
		}
		c, err := newClient(*server, *token)
		if err != nil {
			return err
		}

		req := rbac.AccessRequest{
			PrincipalID: *principal,
			Codes:       splitCodes(*codes),
			RequireAll:  *all,
			SourceIP:    *ip,
		}
		var decision rbac.Decision
		if err := c.do(context.Background(), http.MethodPost, "/rbac/check", req, &decision); err != nil {
			return err
		}

		if !decision.Allowed {
			fmt.Fprintf(out, "denied (%s)\n", decision.Reason)
			return fmt.Errorf("%w: %s", ErrAccessDenied, decision.Reason)
		}
		fmt.Fprintln(out, "allowed")
		return nil
	}
	return cmd
}

func splitCodes(s string) []string {
	var codes []string
	for _, code := range strings.Split(s, ",") {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

func newRolesCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "roles",
		Description: "List roles and their parents",
		Flags:       flag.NewFlagSet("roles", flag.ContinueOnError),
		out:         out,
	}
	server, token := serverFlags(cmd.Flags)
	effective := cmd.Flags.Int64("effective", 0, "Print the effective permissions of this role ID instead")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		c, err := newClient(*server, *token)
		if err != nil {
			return err
		}
		ctx := context.Background()

		if *effective > 0 {
			var perms permissionSet
			if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/rbac/roles/%d/effective-permissions", *effective), nil, &perms); err != nil {
				return err
			}
			printPermissions(out, perms)
			return nil
		}

		var roles []rbac.Role
		if err := c.do(ctx, http.MethodGet, "/rbac/roles", nil, &roles); err != nil {
			return err
		}

		names := make(map[int64]string, len(roles))
		for _, r := range roles {
			names[r.ID] = r.Name
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPARENT\tSYSTEM\tACTIVE")
		for _, r := range roles {
			parent := "-"
			if r.ParentRoleID != nil {
				parent = names[*r.ParentRoleID]
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\n", r.ID, r.Name, parent, r.IsSystem, r.IsActive)
		}
		return tw.Flush()
	}
	return cmd
}

func newPrincipalCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "principal",
		Description: "Show an admin user's overlay and effective permissions",
		Flags:       flag.NewFlagSet("principal", flag.ContinueOnError),
		out:         out,
	}
	server, token := serverFlags(cmd.Flags)
	id := cmd.Flags.Int64("id", 0, "Admin user ID")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *id <= 0 {
			return fmt.Errorf("--id is required")
		}
		c, err := newClient(*server, *token)
		if err != nil {
			return err
		}
		ctx := context.Background()

		var user rbac.AdminUser
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/rbac/principals/%d", *id), nil, &user); err != nil {
			return err
		}
		var perms permissionSet
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/rbac/principals/%d/permissions", *id), nil, &perms); err != nil {
			return err
		}

		fmt.Fprintf(out, "%s (id %d, active %t)\n", user.Username, user.ID, user.IsActive)
		if len(user.ExtraPermissions) > 0 {
			fmt.Fprintf(out, "extra:  %s\n", strings.Join(user.ExtraPermissions, ", "))
		}
		if len(user.DeniedPermissions) > 0 {
			fmt.Fprintf(out, "denied: %s\n", strings.Join(user.DeniedPermissions, ", "))
		}
		fmt.Fprintln(out, "effective:")
		printPermissions(out, perms)
		return nil
	}
	return cmd
}
