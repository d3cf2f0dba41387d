// Command kktp is the reference client wiring for the game-engine facade
// described in SPEC_FULL.md. Grounded on the teacher's cmd/synnergy/main.go
// shape: a bare cobra root with grouped subcommand-builder functions, no
// framework beyond that. Unlike the teacher's mock subcommands, these
// subcommands drive the real in-process stack (core.Engine) against an
// in-memory FakeAdapter; no live wallet or block-feed connection is made.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kktp-network/core"
	"kktp-network/pkg/config"
	"kktp-network/pkg/metrics"
)

func main() {
	rootCmd := &cobra.Command{Use: "kktp"}
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "wallet identity and key-branch management"}

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "generate a fresh BIP-39 identity",
		Run: func(cmd *cobra.Command, args []string) {
			bits, _ := cmd.Flags().GetInt("entropy-bits")
			wallet, mnemonic, err := core.NewRandomIdentity(bits)
			if err != nil {
				fmt.Fprintln(os.Stderr, "identity new:", err)
				os.Exit(1)
			}
			branch, err := wallet.Branch(100)
			if err != nil {
				fmt.Fprintln(os.Stderr, "identity new:", err)
				os.Exit(1)
			}
			fmt.Printf("mnemonic: %s\n", mnemonic)
			fmt.Printf("signPub:  %x\n", []byte(branch.SignPub))
		},
	}
	newCmd.Flags().Int("entropy-bits", 256, "mnemonic entropy size (128 or 256)")

	deriveCmd := &cobra.Command{
		Use:   "derive [mnemonic]",
		Short: "derive the branch-100 signing key from an existing mnemonic",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wallet, _, err := core.IdentityFromMnemonic(args[0], "")
			if err != nil {
				fmt.Fprintln(os.Stderr, "identity derive:", err)
				os.Exit(1)
			}
			branch, err := wallet.Branch(100)
			if err != nil {
				fmt.Fprintln(os.Stderr, "identity derive:", err)
				os.Exit(1)
			}
			fmt.Printf("signPub: %x\n", []byte(branch.SignPub))
		},
	}

	cmd.AddCommand(newCmd, deriveCmd)
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "serve", Short: "run ambient services (metrics, health)"}
	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "expose the Prometheus registry over HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Default()
			reg := metrics.New()
			log := newLogger(cfg.Logging.Level)

			r := chi.NewRouter()
			r.Use(middleware.Recoverer)
			r.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
			r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})

			log.WithField("addr", cfg.Metrics.ListenAddr).Info("kktp: metrics server listening")
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, r); err != nil {
				log.WithError(err).Fatal("kktp: metrics server exited")
			}
		},
	}
	cmd.AddCommand(metricsCmd)
	return cmd
}

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "demo", Short: "run an ephemeral two-player demo game"}
	run := &cobra.Command{
		Use:   "run",
		Short: "play a short scripted game end-to-end against an in-memory ledger",
		Run: func(cmd *cobra.Command, args []string) {
			moves, _ := cmd.Flags().GetInt("moves")
			level, _ := cmd.Flags().GetString("log-level")
			if err := runDemo(moves, level); err != nil {
				fmt.Fprintln(os.Stderr, "demo run:", err)
				os.Exit(1)
			}
		},
	}
	run.Flags().Int("moves", 6, "number of local moves to record before ending the game")
	run.Flags().String("log-level", "info", "logrus level")
	cmd.AddCommand(run)
	return cmd
}

// demoPlayer bundles one side of the scripted two-player demo: its own
// engine plus the collaborators wiring keeps a reference to for direct
// inspection (audit printout, shutdown).
type demoPlayer struct {
	tag    string
	branch core.BranchKeys
	engine *core.Engine
}

func runDemo(moveCount int, logLevel string) error {
	log := newLogger(logLevel)
	cfg := config.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	adapter := core.NewFakeAdapter("kktp-demo-address", []core.UTXORecord{
		{Outpoint: core.Outpoint{TxID: "seed-0", Index: 0}, AmountSompi: 500000000},
		{Outpoint: core.Outpoint{TxID: "seed-1", Index: 0}, AmountSompi: 500000000},
		{Outpoint: core.Outpoint{TxID: "seed-2", Index: 0}, AmountSompi: 500000000},
	})

	walletA, _, err := core.NewRandomIdentity(256)
	if err != nil {
		return err
	}
	walletB, _, err := core.NewRandomIdentity(256)
	if err != nil {
		return err
	}
	branchA, err := walletA.Branch(100)
	if err != nil {
		return err
	}
	branchB, err := walletB.Branch(100)
	if err != nil {
		return err
	}

	playerA, err := buildDemoPlayer(cfg, log.WithField("player", "A"), adapter, branchA, "playerA", hexPub(branchB))
	if err != nil {
		return err
	}
	playerB, err := buildDemoPlayer(cfg, log.WithField("player", "B"), adapter, branchB, "playerB", hexPub(branchA))
	if err != nil {
		return err
	}

	if _, err := playerA.engine.Init(ctx); err != nil {
		return fmt.Errorf("playerA init: %w", err)
	}
	if _, err := playerB.engine.Init(ctx); err != nil {
		return fmt.Errorf("playerB init: %w", err)
	}

	start := StartGameParams(playerA.tag, playerB.tag)
	startA, err := playerA.engine.StartGame(ctx, start)
	if err != nil {
		return fmt.Errorf("playerA startGame: %w", err)
	}
	log.WithField("gameIdTag", startA.GameIDTagHex).Info("kktp: game started")

	for i := 0; i < moveCount; i++ {
		lane := uint8(i % 4)
		res, err := playerA.engine.RecordMove(core.MoveAction{Action: "move", Lane: &lane})
		if err != nil {
			return fmt.Errorf("playerA move %d: %w", i, err)
		}
		log.WithFields(logrus.Fields{"move": i, "moveId": res.MoveID, "number": res.RandomNumber}).Debug("kktp: move recorded")
	}

	end, err := playerA.engine.EndGame(ctx, core.FinalState{FinalScore: int64(moveCount * 10), CoinsCollected: uint64(moveCount)})
	if err != nil {
		return fmt.Errorf("playerA endGame: %w", err)
	}

	log.WithFields(logrus.Fields{
		"txId":        end.TxID,
		"anchorChain": len(end.AuditData.AnchorChain),
		"moves":       len(end.AuditData.History),
	}).Info("kktp: game ended")

	if err := playerA.engine.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("kktp: playerA shutdown")
	}
	if err := playerB.engine.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("kktp: playerB shutdown")
	}
	return nil
}

func hexPub(b core.BranchKeys) string { return fmt.Sprintf("%x", []byte(b.SignPub)) }

// StartGameParams builds the genesis parameters the demo's playerA starts
// its game with; playerB is initialised and shut down but starts no game.
func StartGameParams(playerTag, opponentTag string) core.StartGameParams {
	return core.StartGameParams{
		GameID:        "demo-" + playerTag + "-vs-" + opponentTag,
		PlayerID:      playerTag,
		OpponentID:    opponentTag,
		Delay:         0,
		GameLength:    5 * time.Minute,
		StartDaaScore: 1,
		EndDaaScore:   1000,
		BeaconHash:    "demo-beacon",
		PulseIndex:    1,
	}
}

func buildDemoPlayer(cfg config.Config, log *logrus.Entry, adapter *core.FakeAdapter, branch core.BranchKeys, tag, opponentPubSig string) (*demoPlayer, error) {
	sink := core.NopSink{}

	pool := core.NewUTXOPool(sink, cfg.UTXO.TargetUTXOCount, cfg.UTXO.MaxSmallUTXOs/2)
	pool.AddBatch(listSeedUTXOs(adapter))

	submitter := &adapterTxSubmitter{adapter: adapter}
	manager := core.NewUTXOManager(core.UTXOManagerConfig{
		UsableThresholdSompi: cfg.UTXO.UsableThresholdSompi,
		MaxSmallUTXOs:        cfg.UTXO.MaxSmallUTXOs,
		MaxInputsPerTx:       cfg.UTXO.MaxInputsPerTx,
		TargetUTXOCount:      cfg.UTXO.TargetUTXOCount,
		Interval:             time.Duration(cfg.UTXO.IntervalMS) * time.Millisecond,
		StaleReservation:     time.Duration(cfg.UTXO.StaleReservationMS) * time.Millisecond,
		AutoConsolidate:      cfg.UTXO.AutoConsolidate,
	}, pool, submitter, sink, log.Logger)

	entropy := core.NewEntropyProvider()
	vrf := core.NewVRFManager(entropy, branch, sink)
	ownMerkle := core.NewMerkleAccumulator()
	opponentMerkle := core.NewMerkleAccumulator()
	vault := core.NewMoveVault()

	processor := core.NewMoveProcessor(core.MoveProcessorConfig{
		VRF:            vrf,
		OwnMerkle:      ownMerkle,
		OpponentMerkle: opponentMerkle,
		Vault:          vault,
		Sink:           sink,
		TimeDeltaScale: time.Duration(cfg.Anchor.TimeDeltaScaleMS) * time.Millisecond,
		OpponentPubSig: opponentPubSig,
	})

	strategy := core.NewAnchorStrategy(core.AnchorStrategyConfig{
		GameIDTag:         core.GameIDTagHex(tag),
		PlayerTag:         tag,
		Pool:              pool,
		Adapter:           adapter,
		Vault:             vault,
		VRF:               vrf,
		Merkle:            ownMerkle,
		Signer:            branch,
		Sink:              sink,
		Log:               log.Logger,
		HeartbeatInterval: time.Duration(cfg.Anchor.HeartbeatIntervalS) * time.Second,
	})

	timeouts := core.DefaultEngineTimeouts()
	engine := core.NewEngine(core.EngineConfig{
		Adapter:   adapter,
		Processor: processor,
		Strategy:  strategy,
		VRF:       vrf,
		Entropy:   entropy,
		Pool:      pool,
		Manager:   manager,
		Branch:    branch,
		Sink:      sink,
		Timeouts:  &timeouts,
	})

	return &demoPlayer{tag: tag, branch: branch, engine: engine}, nil
}

func listSeedUTXOs(adapter *core.FakeAdapter) []core.UTXORecord {
	recs, err := adapter.ListUTXOs(context.Background())
	if err != nil {
		return nil
	}
	return recs
}

// adapterTxSubmitter implements core.TxSubmitter over a LedgerAdapter,
// grounded on AnchorStrategy's own buildAnchorTxTemplate/submitPayload
// pattern: normalise the request to a canonical unsigned-tx template and
// hand it to the adapter's sign/submit pair, which alone knows the
// ledger's real fee and change-output rules.
type adapterTxSubmitter struct {
	adapter core.LedgerAdapter
}

func (s *adapterTxSubmitter) SubmitConsolidation(ctx context.Context, req core.ConsolidationRequest) error {
	raw, err := core.CanonicalJSON(struct {
		Kind   string           `json:"kind"`
		Inputs []core.PoolEntry `json:"inputs"`
		Reason string           `json:"reason"`
	}{Kind: "consolidation", Inputs: req.Inputs, Reason: req.Reason})
	if err != nil {
		return err
	}
	return signAndSubmit(ctx, s.adapter, raw)
}

func (s *adapterTxSubmitter) SubmitSplit(ctx context.Context, req core.SplitRequest) error {
	raw, err := core.CanonicalJSON(struct {
		Kind           string         `json:"kind"`
		Input          core.PoolEntry `json:"input"`
		OutputCount    int            `json:"outputCount"`
		PerOutputSompi uint64         `json:"perOutputSompi"`
	}{Kind: "split", Input: req.Input, OutputCount: req.OutputCount, PerOutputSompi: req.PerOutputSompi})
	if err != nil {
		return err
	}
	return signAndSubmit(ctx, s.adapter, raw)
}

func signAndSubmit(ctx context.Context, adapter core.LedgerAdapter, unsigned []byte) error {
	signed, err := adapter.Sign(ctx, unsigned)
	if err != nil {
		return err
	}
	_, err = adapter.SubmitTransaction(ctx, signed)
	return err
}
