package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/kernel"
)

// HumanActor attributes CLI approval decisions in the event journal.
const HumanActor = "human"

// newApproveCmd creates the approve command
func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve TICKET",
		Short: "Approve an agent-requested ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel()
			if err != nil {
				return err
			}
			defer k.Close()

			if err := k.Approval.Approve(cmd.Context(), args[0], HumanActor); err != nil {
				return err
			}
			fmt.Printf("Ticket %s approved\n", args[0])
			return nil
		},
	}
}

// newRejectCmd creates the reject command
func newRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject TICKET",
		Short: "Reject an agent-requested ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel()
			if err != nil {
				return err
			}
			defer k.Close()

			if err := k.Approval.Reject(cmd.Context(), args[0], HumanActor, reason); err != nil {
				return err
			}
			fmt.Printf("Ticket %s rejected\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason recorded in the journal")
	return cmd
}

// openKernel assembles a kernel for one-shot commands. Background loops
// are not started.
func openKernel() (*kernel.Kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return kernel.New(kernel.Options{Config: cfg})
}
