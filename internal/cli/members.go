package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/membership/service"
)

// MemberService is implemented by *service.Service.
type MemberService interface {
	List(ctx context.Context, actor service.Actor) ([]*domain.Membership, error)
	Update(ctx context.Context, actor service.Actor, identityID string, p service.Patch) (*domain.Membership, error)
	Remove(ctx context.Context, actor service.Actor, identityID string) error
}

type membersFlags struct {
	org    string
	output string
}

func newMembersCmd(open Opener) *cobra.Command {
	f := &membersFlags{}
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List and change the members of one organization",
		Example: `  tenantctl members list --org org_123
  tenantctl members set-role user_42 admin --org org_123
  tenantctl members suspend user_42 --org org_123`,
	}
	cmd.PersistentFlags().StringVar(&f.org, "org", "", "organization id (required)")
	_ = cmd.MarkPersistentFlagRequired("org")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withService(c, open, func(ctx context.Context, svc MemberService) error {
				ms, err := svc.List(ctx, actorFor(f.org))
				if err != nil {
					return err
				}
				return printMembers(c.OutOrStdout(), f.output, ms)
			})
		},
	}
	list.Flags().StringVarP(&f.output, "output", "o", "table", "output format: table or json")

	setRole := &cobra.Command{
		Use:   "set-role IDENTITY ROLE",
		Short: "Change a member's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			role, err := domain.ParseRole(args[1])
			if err != nil {
				return err
			}
			return update(c, open, f.org, args[0], service.Patch{Role: role})
		},
	}

	var grant, revoke []string
	setOverrides := &cobra.Command{
		Use:   "set-overrides IDENTITY",
		Short: "Replace a member's permission overrides; no flags clears them",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			o, err := parseOverrides(grant, revoke)
			if err != nil {
				return err
			}
			return update(c, open, f.org, args[0], service.Patch{Overrides: &o})
		},
	}
	setOverrides.Flags().StringSliceVar(&grant, "grant", nil, "permissions to add to the role defaults")
	setOverrides.Flags().StringSliceVar(&revoke, "revoke", nil, "permissions to remove from the role defaults")

	cmd.AddCommand(list, setRole, setOverrides,
		statusCmd("suspend", "Suspend a member", domain.StatusSuspended, open, f),
		statusCmd("activate", "Reactivate a suspended member", domain.StatusActive, open, f),
		&cobra.Command{
			Use:   "remove IDENTITY",
			Short: "Remove a member from the organization",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return withService(c, open, func(ctx context.Context, svc MemberService) error {
					if err := svc.Remove(ctx, actorFor(f.org), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(c.OutOrStdout(), "removed %s from %s\n", args[0], f.org)
					return nil
				})
			},
		},
	)
	return cmd
}

func statusCmd(use, short string, status domain.Status, open Opener, f *membersFlags) *cobra.Command {
	return &cobra.Command{
		Use:   use + " IDENTITY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return update(c, open, f.org, args[0], service.Patch{Status: status})
		},
	}
}

func parseOverrides(grant, revoke []string) (domain.PermissionOverrides, error) {
	var o domain.PermissionOverrides
	for _, g := range grant {
		p, err := domain.ParsePermission(g)
		if err != nil {
			return o, err
		}
		o.Grant = append(o.Grant, p)
	}
	for _, r := range revoke {
		p, err := domain.ParsePermission(r)
		if err != nil {
			return o, err
		}
		o.Revoke = append(o.Revoke, p)
	}
	return o, nil
}

func update(c *cobra.Command, open Opener, orgID, identityID string, p service.Patch) error {
	return withService(c, open, func(ctx context.Context, svc MemberService) error {
		m, err := svc.Update(ctx, actorFor(orgID), identityID, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.OutOrStdout(), "%s in %s: role=%s status=%s\n", m.IdentityID, m.OrgID, m.Role, m.Status)
		return nil
	})
}

func withService(c *cobra.Command, open Opener, fn func(ctx context.Context, svc MemberService) error) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, svc)
}

type memberRow struct {
	IdentityID   string     `json:"identity_id"`
	Role         string     `json:"role"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

func printMembers(w io.Writer, format string, ms []*domain.Membership) error {
	rows := make([]memberRow, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, memberRow{
			IdentityID:   m.IdentityID,
			Role:         string(m.Role),
			Status:       string(m.Status),
			Source:       string(m.Source),
			LastActiveAt: m.LastActiveAt,
		})
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "IDENTITY\tROLE\tSTATUS\tSOURCE\tLAST ACTIVE")
		for _, r := range rows {
			last := "-"
			if r.LastActiveAt != nil {
				last = r.LastActiveAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.IdentityID, r.Role, r.Status, r.Source, last)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown output format %q", format)
}
