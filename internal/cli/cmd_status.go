package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/db"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tickets, tasks, and agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := store.NewBackend(cfg.Store.DSN, cfg.Store.Dialect)
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx := cmd.Context()
			tickets, err := backend.ListTickets(ctx, "")
			if err != nil {
				return err
			}
			tasks, err := backend.ListTasks(ctx, db.TaskFilter{})
			if err != nil {
				return err
			}
			agents, err := backend.ListAgents(ctx, "", "")
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"tickets": tickets,
					"tasks":   tasks,
					"agents":  agents,
				})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "TICKET\tCOLUMN\tPHASE\tAPPROVAL\tTITLE\n")
			for _, t := range tickets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.PhaseID, t.ApprovalStatus, t.Title)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "TASK\tSTATUS\tPHASE\tAGENT\tTITLE\n")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.PhaseID, t.AssignedAgentID, t.Title)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "AGENT\tTYPE\tPHASE\tSTATUS\tTASK\n")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Name, a.Type, a.PhaseID, a.Status, a.CurrentTaskID)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			active := 0
			for _, t := range tasks {
				if model.IsActiveTask(t.Status) {
					active++
				}
			}
			fmt.Printf("\n%d tickets, %d tasks (%d active), %d agents\n", len(tickets), len(tasks), active, len(agents))
			return nil
		},
	}
}
