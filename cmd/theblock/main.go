package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"theblock-network/core"
	"theblock-network/pkg/config"
)

// Exit codes: 0 graceful shutdown, 1 configuration error, 2 I/O failure
// during startup.
const (
	exitOK     = 0
	exitConfig = 1
	exitIO     = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "theblock",
		Short: "The Block layer-1 node",
	}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(economicsCmd())
	rootCmd.AddCommand(settlementCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Errorf("config: %v", err)
		os.Exit(exitConfig)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	return cfg
}

func nodeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "run a gossip node",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			key, err := core.LoadNodeKey()
			if err != nil {
				logrus.Errorf("node key: %v", err)
				os.Exit(exitIO)
			}

			chain := core.NewChain()
			networkID := core.HashBytes([]byte(cfg.Network.ID))
			node := core.NewNode(core.DefaultNodeConfig(networkID, cfg.Network.ListenAddr), key, chain)
			if err := node.Start(); err != nil {
				logrus.Errorf("node start: %v", err)
				os.Exit(exitIO)
			}
			for _, peer := range cfg.Network.BootstrapPeers {
				if err := node.Connect(peer); err != nil {
					logrus.Warnf("bootstrap %s: %v", peer, err)
				}
			}

			if metricsAddr != "" {
				go func() {
					handler := promhttp.HandlerFor(core.MetricsRegistry(), promhttp.HandlerOpts{})
					if err := http.ListenAndServe(metricsAddr, handler); err != nil {
						logrus.Warnf("metrics: %v", err)
					}
				}()
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			node.Close()
			logrus.Info("node: shut down")
			os.Exit(exitOK)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address for the prometheus endpoint")
	return cmd
}

func economicsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "economics"}
	replay := &cobra.Command{
		Use:   "replay",
		Short: "replay economics over an empty chain and print the state",
		Run: func(cmd *cobra.Command, args []string) {
			params := core.DefaultParams()
			state := core.ReplayEconomicsToTip(nil, &params)
			fmt.Printf("height=%d block_reward=%d baselines=(%d,%d,%d)\n",
				state.BlockHeight, state.BlockRewardPerBlock,
				state.BaselineTxCount, state.BaselineTxVolume, state.BaselineMiners)
		},
	}
	cmd.AddCommand(replay)
	return cmd
}

func settlementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settlement"}
	audit := &cobra.Command{
		Use:   "audit [limit]",
		Short: "print recent settlement audit records",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			engine, err := core.InitSettlement(cfg.Settlement.Path, core.SettleMode{Kind: core.SettleDryRun})
			if err != nil {
				logrus.Errorf("settlement: %v", err)
				os.Exit(exitIO)
			}
			defer engine.Shutdown()
			for _, rec := range engine.AuditLog(32) {
				fmt.Printf("%6d %s %-16s ct=%+d it=%+d\n",
					rec.Sequence, rec.Entity, rec.Memo, rec.DeltaCT, rec.DeltaIT)
			}
		},
	}
	cmd.AddCommand(audit)
	return cmd
}
