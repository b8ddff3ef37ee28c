package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moored/moor/pkg/config"
	"github.com/moored/moor/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [RUN_ID]",
	Short: "Show recorded deployment runs",
	Long: `Status lists recorded deployment runs, most recent first. With a run
ID it replays that run's stage transitions. Credentials are redacted
before a run is recorded, so nothing here is sensitive.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening run history: %w", err)
		}
		defer st.Close()

		if len(args) == 1 {
			return showRun(st, args[0])
		}
		return listRuns(st)
	},
}

func listRuns(st *store.Store) error {
	runs, err := st.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tOUTCOME\tSTAGE\tTARGET\tREPOSITORY")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s@%s\t%s\n",
			run.ID,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.Outcome,
			run.Stage,
			run.Request.TargetUser,
			run.Request.TargetHost,
			run.Request.RepositoryURL,
		)
	}
	return w.Flush()
}

func showRun(st *store.Store, id string) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Repository: %s (%s)\n", run.Request.RepositoryURL, run.Request.Branch)
	fmt.Printf("Target:     %s@%s\n", run.Request.TargetUser, run.Request.TargetHost)
	fmt.Printf("Outcome:    %s\n", run.Outcome)
	if run.Error != "" {
		fmt.Printf("Error:      %s\n", run.Error)
		fmt.Printf("Previous release live: %t\n", run.PreviousLive)
	}
	if run.Endpoint != "" {
		fmt.Printf("Endpoint:   %s\n", run.Endpoint)
	}

	transitions, err := st.ListTransitions(id)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		return nil
	}

	fmt.Println("\nStages:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, tr := range transitions {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", tr.At.Format("15:04:05"), tr.Stage, tr.Message)
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().StringP("config", "f", "", "Path to deployment config file (YAML)")
}
