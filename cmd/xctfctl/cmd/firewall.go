package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xctf/xctf/internal/config"
	"github.com/xctf/xctf/internal/nftables"
)

var firewallCmd = &cobra.Command{
	Use:     "firewall",
	Aliases: []string{"fw"},
	Short:   "Inspect and repair the nftables access control state",
}

var firewallRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild firewall rules from the database",
	Long: `Reinstall every grant the database implies: per-IP rules for active
sessions with running sandboxes, static ports for shared sandboxes, then
sweep any port no active sandbox owns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, closer, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := eng.RebuildFirewall(ctx); err != nil {
			return fmt.Errorf("failed to rebuild firewall: %w", err)
		}
		fmt.Println("✓ Firewall rebuilt from database state")
		return nil
	},
}

var firewallSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove firewall entries for ports no active sandbox owns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, closer, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer closer()

		eng.CleanOrphanFirewallPorts(ctx)
		fmt.Println("✓ Orphan port sweep complete")
		return nil
	},
}

var firewallSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist the current ruleset to the configured rules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.NftablesRulesFile == "" {
			return fmt.Errorf("XCTF_NFTABLES_RULES_FILE is not set")
		}

		ctx, cancel := cmdContext()
		defer cancel()

		fw := nftables.New(cfg.NftablesRulesFile)
		if err := fw.SaveRulesToFile(ctx); err != nil {
			return fmt.Errorf("failed to save rules: %w", err)
		}
		fmt.Printf("✓ Ruleset saved to %s\n", cfg.NftablesRulesFile)
		return nil
	},
}

func init() {
	firewallCmd.AddCommand(firewallRebuildCmd)
	firewallCmd.AddCommand(firewallSweepCmd)
	firewallCmd.AddCommand(firewallSaveCmd)
}
