// Package cli implements tenantctl, the operator tool for administering memberships outside the
// request path. Every change runs under system bypass attributed to the tenantctl job.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"tenant-control-plane/internal/membership/service"
)

// Job is the bypass job name tenantctl sessions are attributed to.
const Job = "tenantctl"

// Opener connects to the store and returns the member service with a release function.
type Opener func(ctx context.Context) (MemberService, func(), error)

// NewRootCmd returns the tenantctl command tree.
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "tenantctl",
		Short: "Administer organization memberships",
		Long: `tenantctl changes memberships directly in the store, bypassing end-user authorization.
Every change is written to the audit log as an action of the tenantctl job.`,
		SilenceUsage: true,
	}
	root.AddCommand(newMembersCmd(open))
	return root
}

func actorFor(orgID string) service.Actor {
	return service.SystemActor(Job, orgID)
}
