package main

import (
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hachi/hachi/credits"
	httpfrontend "github.com/hachi/hachi/frontend/http"
	udpfrontend "github.com/hachi/hachi/frontend/udp"
	websocketfrontend "github.com/hachi/hachi/frontend/websocket"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/middleware/auth"
	"github.com/hachi/hachi/middleware/torrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/metrics"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/repository"
	"github.com/hachi/hachi/stats"
	"github.com/hachi/hachi/storage"

	// Imports to register storage drivers.
	_ "github.com/hachi/hachi/storage/memory"

	// Imports to register repository drivers.
	_ "github.com/hachi/hachi/repository/memory"
	_ "github.com/hachi/hachi/repository/redis"
	_ "github.com/hachi/hachi/repository/sql"

	// Imports to register middleware drivers.
	_ "github.com/hachi/hachi/middleware/clientapproval"
	_ "github.com/hachi/hachi/middleware/jwt"
	_ "github.com/hachi/hachi/middleware/ratelimit"
	_ "github.com/hachi/hachi/middleware/varinterval"
)

// Run represents the state of a running instance of Hachi.
type Run struct {
	configFilePath string
	peerStore      storage.PeerStore
	repo           repository.Repository
	logic          *middleware.Logic
	sg             *stop.Group
}

// NewRun runs an instance of Hachi.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start()
}

// Start begins an instance of Hachi.
func (r *Run) Start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Hachi

	r.sg = stop.NewGroup()

	log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
	r.sg.Add(metrics.NewServer(cfg.MetricsAddr))

	log.Info("starting storage", log.Fields{"name": cfg.Storage.Name})
	r.peerStore, err = storage.NewPeerStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return errors.Wrap(err, "failed to create storage")
	}

	log.Info("starting repository", log.Fields{"name": cfg.Repository.Name})
	r.repo, err = repository.NewRepository(cfg.Repository.Name, cfg.Repository.Config)
	if err != nil {
		return errors.Wrap(err, "failed to create repository")
	}

	aggregator := stats.New(r.peerStore, stats.Protocols{
		HTTP:      cfg.HTTPConfig.Addr != "",
		UDP:       cfg.UDPConfig.Addr != "",
		WebSocket: cfg.WebSocketConfig.Addr != "",
	}, clock.New())

	engine := credits.New(cfg.Credits, r.repo, r.repo, clock.New())

	// Sinks observe every membership change, including the reaper's, so
	// they are registered before any frontend serves traffic.
	r.peerStore.AddDiffSink(aggregator)
	r.peerStore.AddDiffSink(engine)

	preHooks, postHooks, err := cfg.CreateHooks()
	if err != nil {
		return err
	}
	preHooks = append([]middleware.Hook{aggregator.TimerHook()}, preHooks...)
	preHooks = append(preHooks, auth.NewHook(cfg.Auth, r.repo), torrent.NewHook(cfg.TorrentRegistry, r.repo))
	postHooks = append([]middleware.Hook{aggregator, engine}, postHooks...)

	r.logic = middleware.NewLogic(cfg.Config, r.peerStore, preHooks, postHooks)

	if cfg.HTTPConfig.Addr != "" {
		log.Info("starting HTTP frontend", cfg.HTTPConfig)
		httpfe, err := httpfrontend.NewFrontend(r.logic, aggregator, cfg.HTTPConfig)
		if err != nil {
			return err
		}
		r.sg.Add(httpfe)
	}

	if cfg.UDPConfig.Addr != "" {
		log.Info("starting UDP frontend", cfg.UDPConfig)
		udpfe, err := udpfrontend.NewFrontend(r.logic, cfg.UDPConfig)
		if err != nil {
			return err
		}
		r.sg.Add(udpfe)
	}

	if cfg.WebSocketConfig.Addr != "" {
		log.Info("starting WebSocket frontend", cfg.WebSocketConfig)
		websocketfe, err := websocketfrontend.NewFrontend(r.logic, cfg.WebSocketConfig)
		if err != nil {
			return err
		}
		r.sg.Add(websocketfe)
	}

	return nil
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of Hachi.
//
// Frontends go first so no new requests arrive, then the middleware chain,
// which drains the credit engine's queued transactions into the ledger, and
// the repository goes last so everything upstream can still write to it.
func (r *Run) Stop() error {
	log.Debug("stopping frontends and metrics server")
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		return combineErrors("failed while shutting down frontends", errs)
	}

	log.Debug("stopping middleware and hooks")
	if errs := r.logic.Stop().Wait(); len(errs) != 0 {
		return combineErrors("failed while shutting down middleware", errs)
	}

	log.Debug("stopping storage")
	if errs := r.peerStore.Stop().Wait(); len(errs) != 0 {
		return combineErrors("failed while shutting down storage", errs)
	}

	log.Debug("stopping repository")
	if errs := r.repo.Stop().Wait(); len(errs) != 0 {
		return combineErrors("failed while shutting down repository", errs)
	}

	return nil
}

// RunCmdFunc implements a Cobra command that runs an instance of Hachi.
func RunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			// A reload tears the instance down and rebuilds it from
			// the config file; swarms refill on the next announce
			// cycle.
			log.Info("reloading; received reload signal")
			if err := r.Stop(); err != nil {
				return err
			}
			if err := r.Start(); err != nil {
				return err
			}
		case <-quit:
			log.Info("shutting down; received SIGINT/SIGTERM")
			return r.Stop()
		}
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "hachi",
		Short: "BitTorrent Tracker",
		Long:  "A customizable, multi-protocol private BitTorrent Tracker",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			noColors, err := cmd.Flags().GetBool("nocolors")
			if err != nil {
				return err
			}
			if noColors {
				log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
			}

			jsonLog, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}
			if jsonLog {
				log.SetFormatter(&logrus.JSONFormatter{})
			}

			debugLog, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return err
			}
			if debugLog {
				log.Info("enabling debug logging")
				log.SetDebug(true)
			}

			cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
			if err != nil {
				return err
			}
			if cpuProfilePath != "" {
				log.Info("enabling CPU profiling", log.Fields{"path": cpuProfilePath})
				f, err := os.Create(cpuProfilePath)
				if err != nil {
					return err
				}
				if err := pprof.StartCPUProfile(f); err != nil {
					return err
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			// StopCPUProfile() noops when not profiling.
			pprof.StopCPUProfile()
		},
		RunE: RunCmdFunc,
	}

	rootCmd.PersistentFlags().String("config", "/etc/hachi.yaml", "location of configuration file")
	rootCmd.PersistentFlags().String("cpuprofile", "", "location to save a CPU profile")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	if runtime.GOOS == "windows" {
		rootCmd.PersistentFlags().Bool("nocolors", true, "disable log coloring")
	} else {
		rootCmd.PersistentFlags().Bool("nocolors", false, "disable log coloring")
	}

	e2eCmd := &cobra.Command{
		Use:   "e2e",
		Short: "exec e2e tests",
		Long:  "Execute the Hachi end-to-end test suite",
		RunE:  EndToEndRunCmdFunc,
	}
	e2eCmd.Flags().String("httpaddr", "http://127.0.0.1:6969/announce", "address of the HTTP tracker")
	e2eCmd.Flags().String("udpaddr", "udp://127.0.0.1:6969", "address of the UDP tracker")
	e2eCmd.Flags().Duration("delay", time.Second, "delay between announces")

	rootCmd.AddCommand(e2eCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}
