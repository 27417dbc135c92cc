package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"morphogen/internal/genome"
	"morphogen/internal/vitals"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system vitals: units, goals, failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		reader := vitals.NewReader(store, nil, time.Second, logger.Named("vitals"))

		v, err := reader.Collect()
		if err != nil {
			return fmt.Errorf("collecting vitals: %w", err)
		}

		if statusJSON {
			out, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("%s  (collected %s)\n", v.SystemName, v.CollectedAt.Format(time.RFC3339))
		fmt.Printf("goals: %d/%d satisfied\n", v.SatisfiedGoals, v.TotalGoals)
		fmt.Printf("units: %d active, %d pending\n\n", len(v.Units), len(v.PendingUnits))
		for _, u := range v.Units {
			fmt.Printf("  %-30s %-10s v%d", u.Name, u.Health, u.Version)
			if u.Attempts > 0 {
				fmt.Printf("  (%d failed attempts)", u.Attempts)
			}
			fmt.Println()
		}
		for _, name := range v.PendingUnits {
			fmt.Printf("  %-30s pending\n", name)
		}
		if len(v.Failures) > 0 {
			fmt.Println("\nfailures:")
			for _, f := range v.Failures {
				state := "closed"
				if f.CircuitOpen {
					state = "OPEN"
				}
				fmt.Printf("  %-30s %-15s circuit=%-6s %s\n", f.Name, f.Kind, state, f.Message)
			}
		}
		return nil
	},
}

var goalsCmd = &cobra.Command{
	Use:   "goals",
	Short: "List goals and their satisfaction state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		g, err := store.Load()
		if err != nil {
			return err
		}
		if len(g.Goals) == 0 {
			fmt.Println("no goals")
			return nil
		}
		for _, goal := range g.Goals {
			mark := " "
			if goal.Satisfied {
				mark = "x"
			}
			fmt.Printf("  [%s] p%d %s", mark, goal.Priority, goal.Description)
			if len(goal.Required) > 0 {
				fmt.Printf("  (requires %v)", goal.Required)
			}
			fmt.Println()
		}
		return nil
	},
}

var (
	goalPriority int
	goalRequires []string
)

var goalsAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a goal to the genome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		g, err := store.LoadOrCreate(nil)
		if err != nil {
			return err
		}
		g.Goals = append(g.Goals, &genome.Goal{
			Description: args[0],
			Priority:    goalPriority,
			Required:    goalRequires,
			CreatedAt:   time.Now().UTC(),
		})
		if err := store.Save(g); err != nil {
			return err
		}
		fmt.Printf("goal added (%d total)\n", len(g.Goals))
		return nil
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show the failure ledger and circuit states",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		g, err := store.Load()
		if err != nil {
			return err
		}
		if len(g.Failures) == 0 {
			fmt.Println("no recorded failures")
			return nil
		}
		for _, f := range g.Failures {
			state := "closed"
			if f.CircuitOpen {
				state = "OPEN"
				if f.CircuitOpenedAt != nil {
					state = fmt.Sprintf("OPEN since %s", f.CircuitOpenedAt.Format(time.RFC3339))
				}
			}
			fmt.Printf("  %-30s %-15s attempts=%d circuit=%s\n    %s\n",
				f.Name, f.Kind, f.AttemptCount, state, f.Message)
		}
		return nil
	},
}

var failuresResetCmd = &cobra.Command{
	Use:   "reset <unit>",
	Short: "Close a unit's circuit and zero its attempt count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		g, err := store.Load()
		if err != nil {
			return err
		}
		if g.FailureFor(args[0]) == nil {
			return fmt.Errorf("no failure record for %s", args[0])
		}
		g.ResetCircuit(args[0])
		if err := store.Save(g); err != nil {
			return err
		}
		fmt.Printf("circuit reset for %s\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON")
	goalsAddCmd.Flags().IntVar(&goalPriority, "priority", 1, "goal priority (1 = highest)")
	goalsAddCmd.Flags().StringSliceVar(&goalRequires, "require", nil, "unit name patterns that must be active")
	goalsCmd.AddCommand(goalsAddCmd)
	failuresCmd.AddCommand(failuresResetCmd)
	rootCmd.AddCommand(statusCmd, goalsCmd, failuresCmd)
}
