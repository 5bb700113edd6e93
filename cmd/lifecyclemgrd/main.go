//go:build linux

// Command lifecyclemgrd is the process lifecycle and health manager daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/score-lcm/lifecyclemgrd/internal/api"
	"github.com/score-lcm/lifecyclemgrd/internal/eventsink"
	"github.com/score-lcm/lifecyclemgrd/internal/health"
	"github.com/score-lcm/lifecyclemgrd/internal/lcm"
	redisclient "github.com/score-lcm/lifecyclemgrd/redis"
)

type daemonFlags struct {
	configPath string
	apiAddr    string
	devCORS    bool
	debugAPI   bool
	redisAddr  string
	redisDB    int
	watchdog   string
	workers    int
}

func main() {
	var f daemonFlags

	root := &cobra.Command{
		Use:   "lifecyclemgrd",
		Short: "Process lifecycle and health manager",
		Long: `lifecyclemgrd supervises a configured tree of process groups: launching
each group's processes in dependency order, reaping and restarting failed
processes, and feeding a hardware watchdog from an aggregated health
status across deadline, logic, and heartbeat monitors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.Flags().StringVar(&f.configPath, "config", os.Getenv(lcm.ConfigPathEnv), "path to the configuration blob (overrides "+lcm.ConfigPathEnv+")")
	root.Flags().StringVar(&f.apiAddr, "api-addr", "127.0.0.1:8686", "diagnostics HTTP listen address")
	root.Flags().BoolVar(&f.devCORS, "dev-cors", false, "enable the development CORS policy on the diagnostics API")
	root.Flags().BoolVar(&f.debugAPI, "debug-api", false, "enable the debug-only group state override endpoint")
	root.Flags().StringVar(&f.redisAddr, "redis-addr", "127.0.0.1:6379", "event sink Redis address")
	root.Flags().IntVar(&f.redisDB, "redis-db", 0, "event sink Redis database index")
	root.Flags().StringVar(&f.watchdog, "watchdog-device", "", "hardware watchdog device path (empty disables watchdog kicking)")
	root.Flags().IntVar(&f.workers, "workers", 0, "worker pool size (0 = auto, per lcm.WorkerCount)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	log := zap.Must(cfg.Build())
	return log.Named("lifecyclemgrd")
}

func run(parent context.Context, f daemonFlags) error {
	log := newLogger()
	defer log.Sync()

	if f.configPath == "" {
		return fmt.Errorf("no configuration path given (pass --config or set %s)", lcm.ConfigPathEnv)
	}
	cfgFile, err := os.Open(f.configPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	reg, err := lcm.ParseConfigBlob(cfgFile)
	cfgFile.Close()
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	log.Info("configuration loaded", zap.Int("groups", reg.Len()))

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pidMap := lcm.NewPIDMap(0)
	reaper := lcm.NewReaper(log, pidMap)
	reaper.Start()
	defer reaper.Stop()

	totalProcs := 0
	for _, g := range reg.All() {
		totalProcs += len(g.Processes)
	}
	workers := lcm.WorkerCount(f.workers)
	queue := lcm.NewJobQueue(log, totalProcs, workers)
	queue.Start()
	defer queue.Stop()

	launcher := lcm.NewLauncher(log, 0, 0, nil)
	notifier := lcm.NewStateNotifier()
	errLog := lcm.NewExecErrorLog(64)
	control := lcm.NewControlChannel(log, errLog)

	procToGroup := make(map[string]string)
	for _, gc := range reg.All() {
		for _, pc := range gc.Processes {
			procToGroup[pc.Name] = gc.Name
		}
	}

	supervisorBuilder := health.NewBuilder(log).WithCyclePeriod(500 * time.Millisecond)
	if f.watchdog != "" {
		supervisorBuilder = supervisorBuilder.WithWatchdog(health.NewWatchdog(health.NewLinuxDevice(f.watchdog)))
	}

	var sink *eventsink.Sink
	if client := tryConnectRedis(log, f); client != nil {
		defer client.Close()
		sink = eventsink.NewSink(log, client, "lifecyclemgrd.events")
	}

	supervisorBuilder = supervisorBuilder.WithRecoveryHandler(func(tag, reason string) {
		log.Warn("recovery requested", zap.String("tag", tag), zap.String("reason", reason))
		if sink != nil {
			sink.Publish(ctx, eventsink.Event{Kind: "execution_error", Proc: tag, State: reason, Timestamp: time.Now()})
		}
		// spec.md §4.8 step 4: a recovery request from the Health
		// Supervisor is treated as a SetState(group, Recovery) request,
		// fed back through the same control channel an external client
		// would use.
		group, ok := procToGroup[tag]
		if !ok {
			return
		}
		go func() {
			reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := control.Send(reqCtx, &lcm.ControlRequest{
				Action:      lcm.ActionSetState,
				Group:       group,
				TargetState: lcm.StateNameRecovery,
			}); err != nil {
				log.Warn("recovery SetState request failed", zap.String("group", group), zap.Error(err))
			}
		}()
	})
	supervisor := supervisorBuilder.Build()

	notifier.Subscribe(func(proc string, state lcm.NodeState) {
		supervisor.NotifyNodeState(proc, state.String())
		if sink != nil {
			sink.Publish(ctx, eventsink.Event{Kind: "node_state", Proc: proc, State: state.String(), Timestamp: time.Now()})
		}
	})

	groups := make(map[string]*lcm.Graph, reg.Len())
	for _, gc := range reg.All() {
		graph := lcm.NewGraph(log, gc.Name, queue)
		graph.SetErrorLog(errLog)
		for name, members := range gc.States {
			graph.AddState(name, members)
		}
		for _, pc := range gc.Processes {
			node := lcm.NewProcessNode(log, pc, gc.Dependencies[pc.Name], launcher, pidMap, notifier)
			node.SetCrashHandler(func(ee *lcm.ExecutionError) { graph.ReportUnexpectedTermination(ee) })
			graph.AddNode(node)
		}
		groups[gc.Name] = graph
		control.RegisterGroup(gc.Name, graph)
		control.SetInitialMachineState(gc.Name, lcm.InitialStateNotSet)
	}

	groupMgr := lcm.NewGroupManager(log, control, groups)
	go groupMgr.Run(ctx)
	go supervisor.Run(ctx)

	// The initial transition after start is to the configured Startup
	// state of the configured MainPG (spec.md §4.8); every other group
	// stays at its zero-value Off state until explicitly requested.
	mainPG := reg.MainPG()
	if mainPG == "" {
		log.Warn("no MainPG configured; no group is started at boot")
	} else if g, ok := groups[mainPG]; ok {
		if err := g.StartTransition(ctx, lcm.StateNameStartup); err != nil {
			log.Error("MainPG startup transition failed", zap.String("group", mainPG), zap.Error(err))
			control.SetInitialMachineState(mainPG, lcm.InitialStateFailed)
		} else {
			go func() {
				for g.State() == lcm.StateInTransition && ctx.Err() == nil {
					time.Sleep(10 * time.Millisecond)
				}
				if g.State() == lcm.StateSuccess && g.CurrentStateName() == lcm.StateNameStartup {
					control.SetInitialMachineState(mainPG, lcm.InitialStateSuccess)
				} else {
					control.SetInitialMachineState(mainPG, lcm.InitialStateFailed)
				}
			}()
		}
	} else {
		log.Error("configured MainPG is not a known group", zap.String("main_pg", mainPG))
	}

	router := api.NewRouter(api.Options{
		Log:      log,
		Source:   &diagnosticsSource{groups: groups, supervisor: supervisor},
		DevCORS:  f.devCORS,
		DebugAPI: f.debugAPI,
	})
	srv := &http.Server{Addr: f.apiAddr, Handler: router}
	go func() {
		log.Info("diagnostics API listening", zap.String("addr", f.apiAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("diagnostics API stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown requested")
	supervisor.SuppressRecovery(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := groupMgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown completed with errors", zap.Error(err))
	}
	return nil
}

func tryConnectRedis(log *zap.Logger, f daemonFlags) *redisclient.Client {
	if f.redisAddr == "" {
		return nil
	}
	return redisclient.NewClient(f.redisAddr, f.redisDB, log)
}

// diagnosticsSource adapts the daemon's live state to api.GroupSource.
type diagnosticsSource struct {
	groups     map[string]*lcm.Graph
	supervisor *health.Supervisor
}

func (d *diagnosticsSource) Groups() map[string]*lcm.Graph { return d.groups }

func (d *diagnosticsSource) HealthSnapshot() map[string]string {
	out := make(map[string]string, len(d.groups))
	for name, g := range d.groups {
		out[name] = g.State().String()
	}
	return out
}
