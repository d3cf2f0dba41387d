// Command auditor is the standalone half of SPEC_FULL §4.15: it wraps
// core.ReconstructChain against a live websocket block feed and prints the
// resulting verdict. Grounded on the same cmd/synnergy/main.go cobra shape as
// cmd/kktp.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kktp-network/core"
)

func main() {
	rootCmd := auditCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auditor",
		Short: "reconstruct and verify a game's anchor chain from a block feed",
	}

	run := &cobra.Command{
		Use:   "check",
		Short: "walk a block feed and print the audit verdict for one game",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, _ := cmd.Flags().GetString("ws-url")
			gameID, _ := cmd.Flags().GetString("game-id")
			startHash, _ := cmd.Flags().GetString("start-hash")
			timeoutS, _ := cmd.Flags().GetInt("timeout-s")

			if wsURL == "" || gameID == "" {
				return fmt.Errorf("auditor: --ws-url and --game-id are required")
			}

			log := logrus.New()
			src, err := core.DialWSBlockSource(wsURL, log)
			if err != nil {
				return fmt.Errorf("auditor: dial %s: %w", wsURL, err)
			}
			defer src.Close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS)*time.Second)
			defer cancel()

			gameIDTag := core.GameIDTagHex(gameID)
			report, err := core.ReconstructChain(ctx, src, gameIDTag, startHash)
			if err != nil {
				return fmt.Errorf("auditor: reconstruct chain: %w", err)
			}

			fmt.Println(report.VerdictString())
			if !report.Passed {
				os.Exit(1)
			}
			return nil
		},
	}
	run.Flags().String("ws-url", "", "websocket block-feed URL to audit against")
	run.Flags().String("game-id", "", "the game's human-readable id (hashed to the on-wire gameIdTag)")
	run.Flags().String("start-hash", "", "block hash to start walking from (empty walks from the first block observed)")
	run.Flags().Int("timeout-s", 120, "maximum seconds to wait while draining the block feed")

	cmd.AddCommand(run)
	return cmd
}
