package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/mastercactapus/atc/atc"
	"github.com/mastercactapus/atc/config"
	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/machine/grbl"
	"github.com/mastercactapus/atc/machine/sim"
	"github.com/mastercactapus/atc/spjs"
	"github.com/mastercactapus/atc/store"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the controller and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("controller", config.ControllerGrbl, "Controller to use (grbl or sim).")
	cmd.Flags().String("port", "", "Port path (or name if using SPJS).")
	cmd.Flags().String("spjs", "", "Websocket URL of the SPJS server to use.")
	cmd.Flags().String("addr", "", "Address to bind the API server to.")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

// openController connects to the configured controller. The returned
// closer is nil when there is nothing to close.
func openController(cfg config.Config, log *zap.Logger) (controller, io.Closer, error) {
	if cfg.Controller.Type == config.ControllerSim {
		log.Info("using simulator")
		return sim.New(
			sim.WithLogger(log),
			sim.WithInput(cfg.Changer.Signals.ToolSeated, true),
		), nil, nil
	}

	var adapter machine.Adapter
	var closer io.Closer
	if cfg.Controller.SPJS != "" {
		sp := spjs.New(cfg.Controller.SPJS, log)
		adapter = grbl.NewSPJSAdapter(sp, cfg.Controller.Port, log)
		closer = sp
	} else {
		port, err := serial.OpenPort(&serial.Config{Name: cfg.Controller.Port, Baud: cfg.Controller.Baud})
		if err != nil {
			return nil, nil, err
		}
		a := grbl.NewSerialAdapter(port, log)
		adapter, closer = a, a
	}

	tools := store.NewFile(filepath.Join(cfg.DataDir, "tool.json"))
	m := machine.NewMachine(adapter, cfg.Machine, machine.WithLogger(log), machine.WithToolStore(tools))
	return m, closer, nil
}

func runServe(ctx context.Context, v *viper.Viper) error {
	log, err := newLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	reg, err := openRegistry(cfg, log)
	if err != nil {
		return err
	}
	if dups := reg.Duplicates(); len(dups) > 0 {
		log.Warn("tools assigned to more than one pocket", zap.Any("pockets", dups))
	}

	ctrl, closer, err := openController(cfg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	changer := atc.New(ctrl, reg, cfg.Changer, atc.WithLogger(log), atc.WithMetrics(metrics))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newAPI(ctx, changer, ctrl, log, metrics)
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           withLogging(log, a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		if strings.HasPrefix(req.URL.Path, "/events/") {
			// event streams need the original writer
			next.ServeHTTP(w, req)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		log.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", req.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
