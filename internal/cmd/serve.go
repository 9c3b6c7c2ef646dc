package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/agent"
	"github.com/xcawolfe-amzn/panopticon/internal/config"
	"github.com/xcawolfe-amzn/panopticon/internal/health"
	"github.com/xcawolfe-amzn/panopticon/internal/journal"
	"github.com/xcawolfe-amzn/panopticon/internal/lock"
	"github.com/xcawolfe-amzn/panopticon/internal/metrics"
	"github.com/xcawolfe-amzn/panopticon/internal/patrol"
	"github.com/xcawolfe-amzn/panopticon/internal/pipeline"
	"github.com/xcawolfe-amzn/panopticon/internal/question"
	"github.com/xcawolfe-amzn/panopticon/internal/server"
	"github.com/xcawolfe-amzn/panopticon/internal/specialist"
	"github.com/xcawolfe-amzn/panopticon/internal/state"
	"github.com/xcawolfe-amzn/panopticon/internal/tmux"
	"github.com/xcawolfe-amzn/panopticon/internal/tracker"
	"github.com/xcawolfe-amzn/panopticon/internal/transcript"
)

var (
	serveAddr  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	Long: `Run the engine: the HTTP control surface plus the patrol loop.

Configuration is read from ~/.panopticon/config.toml and credentials
from ~/.panopticon/.env. Shuts down gracefully on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Bind address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Verbose logging")
	rootCmd.AddCommand(serveCmd)
}

func newLogger() (*zap.Logger, error) {
	if serveDebug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe(cmd *cobra.Command, args []string) error {
	root := config.Root()
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	// Credentials only; ignore a missing file.
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	driver := tmux.NewDriver()
	mut := lock.NewMutationLock()
	met := metrics.New()

	store := state.NewStore(config.AgentsDir(root))
	sup := agent.NewSupervisor(store, driver, mut, cfg.AgentCommand, cfg.ActivityRetention, log)
	reg := specialist.NewRegistry(config.SpecialistsDir(root), cfg.SpecialistCommand, driver, mut, log)
	reg.SetWakeHook(func(name string) {
		met.SpecialistWakes.WithLabelValues(name).Inc()
	})

	pstore := pipeline.NewStore(config.ReviewStatusPath(root))
	ctrl := pipeline.NewController(pstore, reg, sup,
		tracker.NoopTracker{}, &tracker.GitPusher{}, log,
		cfg.CircuitBreakerMax, cfg.TrackerTimeout())

	reader := transcript.NewReader(cfg.ResolvedTranscriptRoot())
	broker := question.NewBroker(reader, driver,
		time.Duration(cfg.AnswerPaceMs)*time.Millisecond, log)
	j := journal.New(config.OperationsPath(root))

	srv := server.New(sup, reg, ctrl, broker, j, reader, mut, met, log)
	defer srv.Close()

	th := health.Thresholds{
		Stale: cfg.Health.StaleThreshold(),
		Warn:  cfg.Health.WarnThreshold(),
		Stuck: cfg.Health.StuckThreshold(),
	}
	p := patrol.New(store, driver, reg, j, met, log,
		cfg.PatrolInterval(), th, cfg.OperationTimeout())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	patrolDone := make(chan struct{})
	go func() {
		defer close(patrolDone)
		p.Run(ctx)
	}()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http shutdown", zap.Error(err))
	}
	<-patrolDone
	return nil
}
