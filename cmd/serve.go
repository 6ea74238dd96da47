package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ohler55/ojg/oj"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/config"
	"github.com/agentic-research/refract/internal/engine"
	"github.com/agentic-research/refract/internal/registry"
)

var serveConfigPath string

// serveCmd runs the engine as a long-lived process: source events arrive as
// JSON lines on stdin, derived-entry actions leave as JSON lines on stdout,
// and view specifications are managed as *.view files in the configured
// directory.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine against a JSONL event stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var store *registry.Store
	if cfg.StorePath != "" {
		var err error
		if store, err = registry.OpenStore(cfg.StorePath); err != nil {
			return err
		}
		defer store.Close()
	}
	reg, err := registry.New(ctx, store, log)
	if err != nil {
		return err
	}

	lookupTimeout, err := cfg.LookupTimeoutDuration()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()

	sink := &lineSink{w: bufio.NewWriter(os.Stdout), log: log}
	eng := engine.New(engine.Config{
		Registry:      reg,
		Sink:          sink,
		Logger:        log,
		Metrics:       engine.NewMetrics(promReg),
		LookupTimeout: lookupTimeout,
		Workers:       cfg.Workers,
		QueueDepth:    cfg.QueueDepth,
	})

	if err := loadViewDir(ctx, eng, cfg.ViewsDir); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return readEvents(gctx, eng, sink) })
	if cfg.ViewsDir != "" {
		g.Go(func() error { return watchViews(gctx, eng, cfg.ViewsDir, log) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, promReg, log) })
	}

	log.Info("serving", "views", len(reg.List()), "workers", cfg.Workers)
	err = g.Wait()
	sink.flush()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// lineSink writes one JSON object per action. Emit is called from every
// worker, so writes are serialized here.
type lineSink struct {
	mu  sync.Mutex
	w   *bufio.Writer
	log *slog.Logger
}

func (s *lineSink) Emit(a api.Action) {
	b, err := oj.Marshal(&a)
	if err != nil {
		s.log.Error("encode action", "path", a.Path, "err", err)
		return
	}
	s.mu.Lock()
	s.w.Write(b)
	s.w.WriteByte('\n')
	s.w.Flush()
	s.mu.Unlock()
}

func (s *lineSink) flush() {
	s.mu.Lock()
	s.w.Flush()
	s.mu.Unlock()
}

// readEvents decodes source events from stdin and submits them to the worker
// pump. A malformed line is logged and skipped; end of input keeps the
// process alive for timers and view changes.
func readEvents(ctx context.Context, eng *engine.Engine, sink *lineSink) error {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ev, err := decodeSourceEvent(text)
		if err != nil {
			sink.log.Warn("skipping malformed event", "line", line, "err", err)
			continue
		}
		if err := eng.Submit(ctx, ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// watchViews keeps the registry in sync with *.view files: a written file
// registers or replaces the view named after it, a removed file removes it.
func watchViews(ctx context.Context, eng *engine.Engine, dir string, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".view" {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(ev.Name), ".view")
			switch {
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				if _, err := eng.RemoveView(ctx, name); err != nil {
					log.Error("remove view", "view", name, "err", err)
				}
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				raw, err := os.ReadFile(ev.Name)
				if err != nil {
					log.Error("read view file", "file", ev.Name, "err", err)
					continue
				}
				if _, err := eng.PutView(ctx, name, strings.TrimSpace(string(raw)), api.SecurityContext{}); err != nil {
					log.Error("register view", "view", name, "err", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("view watcher", "err", err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "refract.hcl", "HCL configuration file")
	rootCmd.AddCommand(serveCmd)
}
