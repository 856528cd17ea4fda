package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userBanCmd = &cobra.Command{
	Use:   "ban <id>",
	Short: "Ban a user and tear down their sandboxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		ctx, cancel := cmdContext()
		defer cancel()

		eng, closer, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := eng.BanUser(ctx, id); err != nil {
			return fmt.Errorf("failed to ban user: %w", err)
		}
		fmt.Printf("✓ User %d banned\n", id)
		return nil
	},
}

var userUnbanCmd = &cobra.Command{
	Use:   "unban <id>",
	Short: "Lift a user's ban",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		ctx, cancel := cmdContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.SetUserBanned(ctx, id, false); err != nil {
			return fmt.Errorf("failed to unban user: %w", err)
		}
		fmt.Printf("✓ User %d unbanned\n", id)
		return nil
	},
}

var userVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Mark an account as verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		ctx, cancel := cmdContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetUserVerified(ctx, id); err != nil {
			return fmt.Errorf("failed to verify user: %w", err)
		}
		fmt.Printf("✓ User %d verified\n", id)
		return nil
	},
}

func init() {
	userCmd.AddCommand(userBanCmd)
	userCmd.AddCommand(userUnbanCmd)
	userCmd.AddCommand(userVerifyCmd)
}
