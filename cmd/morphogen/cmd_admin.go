package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"morphogen/internal/genealogy"
	"morphogen/internal/genome"
	"morphogen/internal/identity"
)

var (
	blueprintDeps []string
)

var blueprintCmd = &cobra.Command{
	Use:   "blueprint",
	Short: "Manage the blueprint catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		g, err := store.Load()
		if err != nil {
			return err
		}
		if len(g.Blueprints) == 0 {
			fmt.Println("no blueprints")
			return nil
		}
		for name, bp := range g.Blueprints {
			state := "pending"
			if g.IsActive(name) {
				state = "active"
			}
			fmt.Printf("  %-30s v%-3d %-8s %s\n", name, bp.Version, state, bp.Description)
		}
		return nil
	},
}

var blueprintAddCmd = &cobra.Command{
	Use:   "add <name> <description>",
	Short: "Add or revise a blueprint; the kernel builds it next cycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		g, err := store.LoadOrCreate(nil)
		if err != nil {
			return err
		}
		bp := g.AddBlueprint(args[0], args[1], blueprintDeps)
		if err := store.Save(g); err != nil {
			return err
		}
		fmt.Printf("blueprint %s at version %d\n", bp.Name, bp.Version)
		return nil
	},
}

var diffGenerations int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the diff against earlier deployment snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		gene, err := genealogy.New(cfg.DeployPath(), cfg.Genealogy.AuthorName,
			cfg.Genealogy.AuthorEmail, cfg.Genealogy.Enabled, logger.Named("genealogy"))
		if err != nil {
			return err
		}
		diff, err := gene.Diff(diffGenerations)
		if err != nil {
			return err
		}
		if strings.TrimSpace(diff) == "" {
			fmt.Println("no changes")
			return nil
		}
		fmt.Print(diff)
		return nil
	},
}

var reblessCmd = &cobra.Command{
	Use:   "rebless",
	Short: "Recompute the genome integrity digest after a reviewed manual edit",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		if err := store.Rebless(); err != nil {
			return err
		}
		fmt.Println("genome digest recomputed")
		return nil
	},
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the genome and start tabula rasa on the next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			fmt.Print("this deletes all goals, blueprints, and failure history; type 'yes' to continue: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.TrimSpace(line) != "yes" {
				fmt.Println("aborted")
				return nil
			}
		}
		store := genome.NewStore(cfg.GenomePath(), logger.Named("genome"))
		if err := store.Reset(); err != nil {
			return err
		}
		fmt.Println("genome reset; identity preserved")
		return nil
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this instance's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := identity.NewManager(cfg.IdentityPath(), logger.Named("identity"))
		self, err := mgr.Load()
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no identity yet; it is minted on first run")
				return nil
			}
			return err
		}
		fmt.Printf("id:      %s\n", self.ID)
		fmt.Printf("name:    %s\n", self.Name)
		fmt.Printf("born:    %s\n", self.GenesisTime.Format(time.RFC3339))
		fmt.Printf("lineage: %s\n", self.Lineage)
		if self.ParentID != "" {
			fmt.Printf("parent:  %s\n", self.ParentID)
		}
		return nil
	},
}

var identityRenameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Rename this instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := identity.NewManager(cfg.IdentityPath(), logger.Named("identity"))
		self, err := mgr.SetName(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("renamed to %s\n", self.Name)
		return nil
	},
}

func init() {
	blueprintAddCmd.Flags().StringSliceVar(&blueprintDeps, "depends", nil, "unit name patterns this unit depends on")
	blueprintCmd.AddCommand(blueprintAddCmd)
	historyCmd.Flags().IntVar(&diffGenerations, "generations", 1, "snapshots to diff against")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "skip confirmation")
	identityCmd.AddCommand(identityRenameCmd)
	rootCmd.AddCommand(blueprintCmd, historyCmd, reblessCmd, resetCmd, identityCmd)
}
