package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xctf/xctf/internal/db"
)

var challengeCmd = &cobra.Command{
	Use:     "challenge",
	Aliases: []string{"ch"},
	Short:   "Manage challenges",
}

var challengeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new challenge",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		flag, _ := cmd.Flags().GetString("flag")
		points, _ := cmd.Flags().GetInt("points")
		category, _ := cmd.Flags().GetString("category")
		image, _ := cmd.Flags().GetString("image")
		static, _ := cmd.Flags().GetBool("static")
		ports, _ := cmd.Flags().GetIntSlice("ports")

		if name == "" || flag == "" || image == "" {
			return fmt.Errorf("--name, --flag and --image are required")
		}

		ctx, cancel := cmdContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ch, err := store.CreateChallenge(ctx, &db.Challenge{
			Name:     name,
			Points:   points,
			Flag:     flag,
			Active:   true,
			Category: category,
			Static:   static,
			ImageTag: image,
			TCPPorts: ports,
		})
		if err != nil {
			return fmt.Errorf("failed to create challenge: %w", err)
		}

		fmt.Printf("✓ Challenge created: %s (id=%d)\n", ch.Name, ch.ID)
		fmt.Printf("  Image: %s\n", ch.ImageTag)
		fmt.Printf("  Static: %v\n", ch.Static)
		return nil
	},
}

var challengeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active challenges",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		challenges, err := store.ListActiveChallenges(ctx)
		if err != nil {
			return fmt.Errorf("failed to list challenges: %w", err)
		}
		if len(challenges) == 0 {
			fmt.Println("No active challenges")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPOINTS\tCATEGORY\tSTATIC\tIMAGE")
		for _, ch := range challenges {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%v\t%s\n",
				ch.ID, ch.Name, ch.Points, ch.Category, ch.Static, ch.ImageTag)
		}
		return w.Flush()
	},
}

var challengeDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate a challenge and tear down its sandboxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid challenge id %q", args[0])
		}

		ctx, cancel := cmdContext()
		defer cancel()

		eng, closer, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := eng.DeactivateChallenge(ctx, id); err != nil {
			return fmt.Errorf("failed to deactivate challenge: %w", err)
		}
		fmt.Printf("✓ Challenge %d deactivated\n", id)
		return nil
	},
}

var challengeRefreshCmd = &cobra.Command{
	Use:   "refresh <name>",
	Short: "Rebuild all sandboxes of a challenge from its current image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		queue, err := openQueue()
		if err != nil {
			return err
		}
		defer queue.Close()

		if err := queue.EnqueueRefreshSandboxes(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to enqueue refresh: %w", err)
		}
		fmt.Printf("✓ Refresh of %q enqueued\n", args[0])
		return nil
	},
}

func init() {
	challengeCreateCmd.Flags().String("name", "", "challenge name (unique)")
	challengeCreateCmd.Flags().String("flag", "", "flag string")
	challengeCreateCmd.Flags().Int("points", 0, "points awarded")
	challengeCreateCmd.Flags().String("category", "", "challenge category")
	challengeCreateCmd.Flags().String("image", "", "container image tag")
	challengeCreateCmd.Flags().Bool("static", false, "one shared sandbox for all users")
	challengeCreateCmd.Flags().IntSlice("ports", nil, "exposed TCP ports (primary 8000 is implied)")

	challengeCmd.AddCommand(challengeCreateCmd)
	challengeCmd.AddCommand(challengeListCmd)
	challengeCmd.AddCommand(challengeDeactivateCmd)
	challengeCmd.AddCommand(challengeRefreshCmd)
}
