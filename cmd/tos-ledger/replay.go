package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/recovery"
	"github.com/tos-network/tos-ledger/internal/storage"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Apply the store commands of a payout recovery file",
	Long: `replay verifies a recovery file written when a sent payment could not be
recorded, then applies the commands that did not reach the pool's store in
one transaction. The file is renamed with a .replayed suffix once applied,
and payouts of the pool stay disabled while it is pending. Restart the
ledger afterwards to resume payouts.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().String("pool", "", "pool the file belongs to (defaults to the pool recorded in the file)")
	replayCmd.Flags().Bool("dry-run", false, "print the commands without applying them")
}

func runReplay(cmd *cobra.Command, args []string) error {
	poolName, _ := cmd.Flags().GetString("pool")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	dump, err := recovery.Read(args[0])
	if err != nil {
		return err
	}
	if poolName == "" {
		poolName = dump.Pool
	}
	if poolName != dump.Pool {
		return fmt.Errorf("recovery file belongs to pool %s, not %s", dump.Pool, poolName)
	}

	fmt.Printf("Pool %s, tx %s, written %s: %s\n",
		dump.Pool, dump.TxID, humanize.Time(dump.CreatedAt), dump.Reason)
	pending := dump.Pending()
	fmt.Printf("%s of %s commands to apply\n",
		humanize.Comma(int64(len(pending))), humanize.Comma(int64(len(dump.Commands))))

	if dryRun {
		for _, c := range pending {
			fmt.Println(strings.Join(c, " "))
		}
		return nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	pc, ok := cfg.Pool(poolName)
	if !ok {
		return fmt.Errorf("pool %s is not configured", poolName)
	}

	store, err := storage.NewRedisClient(pc.Redis.URL, pc.Redis.Password, pc.Redis.DB, pc.Redis.BaseName)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := recovery.Replay(context.Background(), store, dump); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	fmt.Printf("Replayed %d commands for pool %s\n", len(pending), dump.Pool)

	done, err := recovery.MarkReplayed(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Recovery file moved to %s\n", done)
	return nil
}
