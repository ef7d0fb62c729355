package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/api"
	"github.com/cuemby/warren/pkg/authn"
	"github.com/cuemby/warren/pkg/cannon"
	"github.com/cuemby/warren/pkg/config"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/envctl"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/network"
	"github.com/cuemby/warren/pkg/peerproxy"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "./fleetctl.yaml", "control plane configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadControl(configPath)
	if err != nil {
		return fmt.Errorf("fleetctl: load config: %w", err)
	}
	telemetry.Init(cfg.Log.Logger())

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("fleetctl: open store: %w", err)
	}
	defer db.Close()

	bus := events.NewBroker()
	pool := control.NewPool(bus, db)

	conns := api.NewAgentConns(pool)
	blocks := control.NewBlockCache()
	selector := peerproxy.NewSelector(pool, blocks)
	resolver := network.NewResolver()
	proxy := peerproxy.NewProxy("", selector, resolver)

	issuer := security.NewTokenIssuer([]byte(cfg.AgentSecret), cfg.TokenTTL)
	registry := authn.NewRegistry(pool, issuer)

	sinksDir := cfg.DataDir + "/sinks"
	cannons := cannon.NewManager(db)
	engine := envctl.NewEngine(pool, bus, sinksDir, cannons)

	broadcaster := cannon.NewBroadcaster(pool, selector, conns, resolver)

	server := api.NewServer(cfg.BindAddr, api.Deps{
		Pool:          pool,
		Registry:      registry,
		Conns:         conns,
		Bus:           bus,
		Engine:        engine,
		Broadcaster:   broadcaster,
		Cannons:       cannons,
		Selector:      selector,
		Proxy:         proxy,
		Blocks:        blocks,
		Resolver:      resolver,
		AgentSecret:   cfg.AgentSecret,
		ComputeTarget: cfg.ComputeTarget,
		DemoxURL:      cfg.DemoxURL,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	telemetry.Logger.Info().Str("addr", cfg.BindAddr).Msg("fleetctl: control plane listening")
	return server.Serve(ctx)
}
