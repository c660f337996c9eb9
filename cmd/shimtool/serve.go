package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/shimtool/internal/api"
	"github.com/banshee-data/shimtool/internal/config"
	"github.com/banshee-data/shimtool/internal/db"
	"github.com/banshee-data/shimtool/internal/devmux"
	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/monitoring"
	"github.com/banshee-data/shimtool/internal/orchestrator"
	"github.com/banshee-data/shimtool/internal/scanner"
	"github.com/banshee-data/shimtool/internal/shim"
	"github.com/banshee-data/shimtool/internal/version"
)

// keepSnapshots is how many state snapshots survive a shutdown prune.
const keepSnapshots = 50

func newServeCmd(opts *options) *cobra.Command {
	var (
		noConnect bool
		restore   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the scanner and shim driver and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, noConnect, restore)
		},
	}
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "start without connecting; use POST /api/connect later")
	cmd.Flags().BoolVar(&restore, "restore", true, "restore the latest saved exam state")
	return cmd
}

// logs are the per-component zap loggers.
type logs struct {
	scanner *zap.Logger
	shim    *zap.Logger
	tool    *zap.Logger
}

func openLogs(cfg *config.ToolConfig, verbose bool) (*logs, error) {
	var l logs
	for _, f := range []struct {
		dst  **zap.Logger
		name string
	}{
		{&l.scanner, cfg.GetScannerLog()},
		{&l.shim, cfg.GetShimLog()},
		{&l.tool, cfg.GetToolLog()},
	} {
		logger, err := monitoring.NewFileLogger(cfg.LogPath(f.name), verbose)
		if err != nil {
			return nil, err
		}
		*f.dst = logger
	}
	return &l, nil
}

func (l *logs) sync() {
	for _, logger := range []*zap.Logger{l.scanner, l.shim, l.tool} {
		_ = logger.Sync()
	}
}

// toolConfig maps the file config onto the orchestrator's.
func toolConfig(cfg *config.ToolConfig) orchestrator.Config {
	return orchestrator.Config{
		RootDir:             cfg.GetRootDir(),
		DeltaTEUs:           cfg.GetDeltaTEUs(),
		GradientCalStrength: cfg.GetGradientCalStrength(),
		LoopCalCurrent:      cfg.GetLoopCalCurrent(),
		MaxCurrent:          cfg.GetMaxCurrent(),
		MagnitudeThreshold:  cfg.GetMagnitudeThreshold(),
		ScanTimeout:         cfg.GetScanTimeout(),
		AssetTimeout:        cfg.GetAssetTimeout(),
	}
}

// transferFor copies series out of exam_data_path when one is configured.
// Otherwise the scanner is expected to write straight into the root dir.
func transferFor(cfg *config.ToolConfig) orchestrator.Transfer {
	if cfg.ExamDataPath == nil || *cfg.ExamDataPath == "" {
		return orchestrator.NopTransfer{}
	}
	return orchestrator.DirTransfer{Root: cfg.GetExamDataPath()}
}

// devices owns the two device clients and (re)connects them on demand.
type devices struct {
	cfg     *config.ToolConfig
	scanner *scanner.Client
	shim    *shim.Client

	mu sync.Mutex
}

func newDevices(cfg *config.ToolConfig, l *logs, admin *http.ServeMux) *devices {
	sh := shim.New(shim.Config{
		Path:       cfg.GetShimPort(),
		Options:    devmux.PortOptions{BaudRate: cfg.GetShimBaudRate()},
		NumLoops:   cfg.GetNumLoops(),
		MaxCurrent: cfg.GetMaxCurrent(),
	})
	sh.Logf = monitoring.Logfunc(l.shim)

	sc := scanner.New(scanner.Config{
		Addr:        cfg.ScannerAddr(),
		Product:     cfg.GetExsiProduct(),
		Password:    cfg.GetExsiPassword(),
		AckTimeout:  cfg.GetAckTimeout(),
		ScanTimeout: cfg.GetScanTimeout(),
	})
	sc.SetBridge(sh)
	sc.Logf = monitoring.Logfunc(l.scanner)

	d := &devices{cfg: cfg, scanner: sc, shim: sh}
	d.attachAdminRoutes(admin)
	return d
}

// attachAdminRoutes mounts the send-command and tail pages of both devices.
// Each request looks up the current connection, so the pages keep working
// across a reconnect. Shim commands typed on the page go through the same
// checks as the typed client methods.
func (d *devices) attachAdminRoutes(admin *http.ServeMux) {
	devmux.AttachAdminRoutes(admin, devmux.AdminTarget{Name: "shim", Mux: d.shim.Mux, Send: d.shim.SendCommand})
	devmux.AttachAdminRoutes(admin, devmux.AdminTarget{Name: "scanner", Mux: d.scanner.Mux, Send: d.scanner.Send})
}

// connect opens whichever of the two connections is down. The shim driver
// goes first so synced loop commands have somewhere to land.
func (d *devices) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.shim.Connected() {
		d.shim.Stop()
		if err := d.shim.Connect(ctx); err != nil {
			return fmt.Errorf("connect shim driver: %w", err)
		}
		if !d.shim.WaitReady(ctx, d.cfg.GetAckTimeout()) {
			d.shim.Stop()
			return fmt.Errorf("connect shim driver: %w: no ready report", errs.ErrConnection)
		}
	}
	if !d.scanner.Connected() {
		d.scanner.Stop()
		if err := d.scanner.Connect(ctx); err != nil {
			return fmt.Errorf("connect scanner: %w", err)
		}
	}
	return nil
}

func (d *devices) stop() {
	d.scanner.Stop()
	d.shim.Stop()
}

func runServe(ctx context.Context, opts *options, noConnect, restore bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := opts.cfg
	if err := os.MkdirAll(cfg.GetRootDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create root dir: %w", err)
	}
	l, err := openLogs(cfg, opts.verbose)
	if err != nil {
		return err
	}
	defer l.sync()
	monitoring.SetLogger(monitoring.Logfunc(l.tool))
	monitoring.Logf("%s starting, root %s", version.String(), cfg.GetRootDir())

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	mux := http.NewServeMux()
	dev := newDevices(cfg, l, mux)
	defer dev.stop()

	tool := orchestrator.New(toolConfig(cfg), orchestrator.Deps{
		Scanner:  dev.scanner,
		Shim:     dev.shim,
		Transfer: transferFor(cfg),
		Store:    database,
		Journal:  database,
	})
	tool.Logf = monitoring.Logfunc(l.tool)
	defer tool.Close()

	if restore {
		if ok, err := tool.LoadState(); err != nil {
			monitoring.Logf("restore state: %v", err)
		} else if ok {
			monitoring.Logf("restored exam %s", tool.Exam().ExamNumber)
		}
	}

	srv := api.NewServer(tool, database, dev.scanner)
	srv.SetConnector(dev.connect)
	mux.Handle("/", srv.ServeMux())
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	if !noConnect {
		if err := dev.connect(ctx); err != nil {
			monitoring.Logf("devices not connected, retry with POST /api/connect: %v", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitoring.Logf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	if saveErr := tool.SaveState("shutdown"); saveErr != nil {
		monitoring.Logf("save state on shutdown: %v", saveErr)
	} else if n, pruneErr := database.PruneSnapshots(keepSnapshots); pruneErr != nil {
		monitoring.Logf("prune snapshots: %v", pruneErr)
	} else if n > 0 {
		monitoring.Logf("pruned %d old snapshots", n)
	}
	return err
}
