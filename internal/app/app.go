package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanesim/internal/journal"
	consolenet "lanesim/internal/net"
	"lanesim/internal/net/ws"
	"lanesim/internal/observability"
	"lanesim/internal/render"
	"lanesim/internal/session"
	"lanesim/internal/telemetry"
	"lanesim/logging"
	loggingSinks "lanesim/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	ServerURL     string
	ListenAddr    string
	AutoConnect   bool
	JournalFrames int
	JournalMaxAge time.Duration
	Display       render.Options
	Logging       logging.Config
	Logger        telemetry.Logger
	Observability observability.Config

	// Listener overrides ListenAddr when set.
	Listener net.Listener
	// Stdout receives console sink output; defaults to os.Stdout.
	Stdout io.Writer
}

func DefaultConfig() Config {
	return Config{
		ServerURL:     "ws://localhost:80/ws",
		ListenAddr:    ":8090",
		JournalFrames: 120,
		JournalMaxAge: 2 * time.Minute,
		Logging:       logging.DefaultConfig(),
	}
}

// ApplyEnv overlays environment overrides onto cfg. Invalid values are logged
// and ignored.
func ApplyEnv(cfg Config, getenv func(string) string, logger telemetry.Logger) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	if raw := getenv("LANESIM_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	if raw := getenv("LANESIM_LISTEN_ADDR"); raw != "" {
		cfg.ListenAddr = raw
	}
	if raw := getenv("LANESIM_LOG_SINKS"); raw != "" {
		var names []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Logging.EnabledSinks = names
	}
	if raw := getenv("LANESIM_LOG_LEVEL"); raw != "" {
		if severity, ok := logging.ParseSeverity(raw); ok {
			cfg.Logging.MinimumSeverity = severity
		} else {
			logger.Printf("invalid LANESIM_LOG_LEVEL=%q", raw)
		}
	}
	if raw := getenv("LANESIM_LOG_JSON_PATH"); raw != "" {
		cfg.Logging.JSON.FilePath = raw
	}
	if raw := getenv("LANESIM_JOURNAL_FRAMES"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			cfg.JournalFrames = value
		} else {
			logger.Printf("invalid LANESIM_JOURNAL_FRAMES=%q: %v", raw, err)
		}
	}
	if raw := getenv("LANESIM_JOURNAL_MAX_AGE"); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			cfg.JournalMaxAge = value
		} else {
			logger.Printf("invalid LANESIM_JOURNAL_MAX_AGE=%q: %v", raw, err)
		}
	}
	if raw := getenv("ENABLE_PPROF"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.Observability.EnablePprof = value
		} else {
			logger.Printf("invalid ENABLE_PPROF=%q: %v", raw, err)
		}
	}
	return cfg
}

// Run wires the transport, session and operator console and blocks until ctx
// ends or a component fails.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	sinks, closeFiles, err := buildSinks(cfg.Logging, stdout)
	if err != nil {
		return err
	}
	defer closeFiles()

	router, err := logging.NewRouter(cfg.Logging, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := &logging.Metrics{}
	frames := journal.New(cfg.JournalFrames, cfg.JournalMaxAge)
	frames.AttachTelemetry(telemetry.WrapMetrics(metrics))

	client := ws.NewClient(ws.ClientConfig{
		URL:       cfg.ServerURL,
		Logger:    telemetryLogger,
		Publisher: router,
	})
	sess := session.New(session.Config{
		Transport: client,
		Journal:   frames,
		Publisher: router,
		Metrics:   telemetry.WrapMetrics(metrics),
		Logger:    telemetryLogger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	handler := consolenet.NewHTTPHandler(sess, consolenet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Metrics:       metrics,
		Observability: cfg.Observability,
		Display:       cfg.Display,
		Context:       groupCtx,
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			client.Shutdown()
			return fmt.Errorf("console listen failed: %w", err)
		}
	}
	telemetryLogger.Printf("console listening on %s, simulation server %s", listener.Addr(), cfg.ServerURL)

	group.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("console failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := sess.Run(groupCtx, client.Events()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sess.Disconnect(shutdownCtx); err != nil {
			telemetryLogger.Printf("disconnect: %v", err)
		}
		client.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.AutoConnect {
		sess.Connect(groupCtx)
	}

	return group.Wait()
}

// buildSinks constructs the enabled sinks. The returned func closes any files
// opened for them.
func buildSinks(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, func(), error) {
	var sinks []logging.NamedSink
	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, name := range cfg.EnabledSinks {
		switch name {
		case logging.SinkConsole:
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsole(stdout)})
		case logging.SinkLogrus:
			logger := logrus.New()
			logger.SetOutput(stdout)
			logger.SetLevel(logrus.DebugLevel)
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewLogrus(logger)})
		case logging.SinkJSON:
			path := cfg.JSON.FilePath
			if path == "" {
				closeFiles()
				return nil, nil, errors.New("json log sink enabled without a file path")
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeFiles()
				return nil, nil, fmt.Errorf("open json log %s: %w", path, err)
			}
			files = append(files, f)
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(f, cfg.JSON.FlushInterval)})
		default:
			closeFiles()
			return nil, nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	return sinks, closeFiles, nil
}
