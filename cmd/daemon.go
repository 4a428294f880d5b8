package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/zjrosen/clusterd/internal/audit"
	"github.com/zjrosen/clusterd/internal/clock"
	"github.com/zjrosen/clusterd/internal/clustercontext"
	"github.com/zjrosen/clusterd/internal/clusterstate"
	"github.com/zjrosen/clusterd/internal/collab"
	"github.com/zjrosen/clusterd/internal/collab/memory"
	"github.com/zjrosen/clusterd/internal/commander"
	"github.com/zjrosen/clusterd/internal/config"
	"github.com/zjrosen/clusterd/internal/log"
	"github.com/zjrosen/clusterd/internal/tracing"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cluster control plane",
	Long: `Run the control plane as a foreground process: it submits a heartbeat
tick for every configured member and watches for unresponsive peers. It
does not itself start or stop any application.

Real peer transport is out of scope for this module; the daemon command
wires the in-memory collaborators in package collab/memory so the whole
state machine can be exercised end to end without a live cluster.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("clusterd daemon")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ruleSet, err := config.LoadRuleSet(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	ruleRaw, err := os.ReadFile(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}

	c := clock.Real()
	mapper := memory.NewAddressMapper(cfg.Addresses(), cfg.LocalAddress())

	peers := make(map[clusterstate.Address]*memory.PeerHost, len(cfg.Addresses()))
	for _, addr := range cfg.Addresses() {
		peers[addr] = memory.NewPeerHost()
	}
	baseRequester := memory.NewRequester(peers)
	requester := collab.NewRetryingRequester(
		collab.NewCachingRequester(baseRequester, cfg.Fencing.TickTimeout),
		3,
	)

	pusher := memory.NewPusher()
	infoSource := memory.NewProcessInfoSource()
	parser := memory.NewParser(ruleSet)
	placer := memory.NewPlacer(mapper.Valid)

	var publisher collab.Publisher = memory.NewPublisher()
	if cfg.Audit.Enabled {
		sink, err := audit.Open(cfg.Audit.DSN, c, publisher)
		if err != nil {
			return fmt.Errorf("opening audit sink: %w", err)
		}
		defer sink.Close()
		publisher = sink
		log.Info(log.CatAudit, "audit sink enabled", "dsn", cfg.Audit.DSN)
	}

	tracerProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	defer func() { _ = tracerProvider.Shutdown(shutdownCtx) }()

	clusterCtx := clustercontext.New(mapper, requester, publisher, parser, c, cfg.Fencing.AutoFence, cfg.Fencing.TickTimeout)

	stopper := commander.NewStopper(pusher, infoSource, clusterCtx, c, cfg.Fencing.CommandTimeout)
	stopper.WithTracer(tracerProvider.Tracer())
	starter := commander.NewStarter(pusher, placer, infoSource, clusterCtx, stopper, cfg.PlacementStrategy(), c, cfg.Fencing.CommandTimeout)
	starter.WithTracer(tracerProvider.Tracer())

	loop := clustercontext.NewLoop(clusterCtx, starter, stopper)
	loop.WithTracer(tracerProvider.Tracer())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(runCtx)
	}()

	heartbeat := time.NewTicker(cfg.Fencing.TickTimeout / 2)
	defer heartbeat.Stop()
	timer := time.NewTicker(cfg.Fencing.TickTimeout)
	defer timer.Stop()
	synchro := time.AfterFunc(cfg.Fencing.SynchroTimeout, loop.SubmitEndSynchro)
	defer synchro.Stop()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-heartbeat.C:
				for _, addr := range cfg.Addresses() {
					loop.SubmitTick(addr, now)
				}
			case <-timer.C:
				loop.SubmitTimer()
			}
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rule file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(cfg.RulesFile); err != nil {
		return fmt.Errorf("watching rules file: %w", err)
	}
	go watchRules(runCtx, watcher, cfg.RulesFile, string(ruleRaw), parser)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("clusterd daemon started, local address %s\n", mapper.LocalAddress())
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	cancel()
	<-loopDone
	fmt.Println("Daemon stopped")
	return nil
}

// watchRules reloads the rule file into parser whenever it changes on
// disk, logging a unified diff of what changed. Only applications and
// processes that load_processes discovers after the reload pick up the new
// rules; already-tracked ones keep the rules they were created with
// (spec.md §4.5 scope).
func watchRules(ctx context.Context, watcher *fsnotify.Watcher, path, raw string, parser *memory.Parser) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rs, diff, err := config.ReloadRuleSet(path, raw)
			if err != nil {
				log.Warn(log.CatConfig, "rule file reload failed", "error", err.Error())
				continue
			}
			if diff == "" {
				continue
			}
			parser.SetRuleSet(rs)
			data, _ := os.ReadFile(path)
			raw = string(data)
			log.Info(log.CatConfig, "rule file reloaded", "path", path, "diff", diff)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatConfig, "rule file watcher error", "error", err.Error())
		}
	}
}
