package net

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	nethttp "net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lanesim/internal/grid"
	"lanesim/internal/observability"
	"lanesim/internal/render"
	"lanesim/internal/session"
	"lanesim/internal/simconfig"
	"lanesim/internal/telemetry"
	"lanesim/logging"
)

// maxConfigBody bounds a submitted simulation config.
const maxConfigBody = 1 << 20

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Metrics       *logging.Metrics
	Observability observability.Config
	// Display seeds the display options shared by every grid view.
	Display render.Options
	// Context outlives requests; dials started from the console use it.
	Context context.Context
}

type console struct {
	session     *session.Session
	logger      telemetry.Logger
	metrics     *logging.Metrics
	ctx         context.Context
	showDetails atomic.Bool
}

type statusResponse struct {
	Session     session.Status       `json:"session"`
	Summary     *grid.Summary        `json:"summary,omitempty"`
	Display     render.Options       `json:"display"`
	Metrics     map[string]uint64    `json:"metrics,omitempty"`
	ServerTime  int64                `json:"serverTime"`
	Diagnostics []session.Diagnostic `json:"diagnostics,omitempty"`
}

// NewHTTPHandler serves the operator console for sess.
func NewHTTPHandler(sess *session.Session, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	c := &console{session: sess, logger: logger, metrics: cfg.Metrics, ctx: ctx}
	c.showDetails.Store(cfg.Display.ShowEntityDetails)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	r.Get("/status", c.status)
	r.Get("/diagnostics", c.diagnostics)
	r.Get("/grid", c.grid)
	r.Get("/grid.txt", c.gridText)
	r.Post("/connect", c.connect)
	r.Post("/disconnect", c.disconnect)
	r.Post("/simulation", c.startSimulation)
	r.Delete("/simulation", c.cancelSimulation)
	r.Get("/display", c.getDisplay)
	r.Put("/display", c.putDisplay)
	r.Get("/config/defaults", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, simconfig.Defaults())
	})
	r.Get("/config/schema", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, simconfig.Schema())
	})
	r.Get("/journal", c.journal)

	if cfg.Observability.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// requestLogger routes chi's access log through the telemetry logger when it
// wraps a standard logger.
func requestLogger(logger telemetry.Logger) func(nethttp.Handler) nethttp.Handler {
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if std := provider.StandardLogger(); std != nil {
			return middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: std, NoColor: true})
		}
	}
	return middleware.Logger
}

func (c *console) display() render.Options {
	return render.Options{ShowEntityDetails: c.showDetails.Load()}
}

func (c *console) status(w nethttp.ResponseWriter, r *nethttp.Request) {
	resp := statusResponse{
		Session:     c.session.Status(),
		Display:     c.display(),
		Metrics:     c.metrics.Snapshot(),
		ServerTime:  time.Now().UnixMilli(),
		Diagnostics: c.session.Diagnostics(),
	}
	if g := c.session.Model().Current(); g != nil {
		summary := grid.Summarize(g)
		resp.Summary = &summary
	}
	writeJSON(w, nethttp.StatusOK, resp)
}

func (c *console) diagnostics(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, c.session.Diagnostics())
}

// frameOptions applies a ?details= override to the shared display options.
func (c *console) frameOptions(r *nethttp.Request) (render.Options, error) {
	opts := c.display()
	if raw := r.URL.Query().Get("details"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid details=%q", raw)
		}
		opts.ShowEntityDetails = value
	}
	return opts, nil
}

func (c *console) grid(w nethttp.ResponseWriter, r *nethttp.Request) {
	opts, err := c.frameOptions(r)
	if err != nil {
		httpError(w, err.Error(), nethttp.StatusBadRequest)
		return
	}
	writeJSON(w, nethttp.StatusOK, render.Render(c.session.Model().Current(), opts))
}

func (c *console) gridText(w nethttp.ResponseWriter, r *nethttp.Request) {
	opts, err := c.frameOptions(r)
	if err != nil {
		httpError(w, err.Error(), nethttp.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(render.Render(c.session.Model().Current(), opts).Text()))
}

func (c *console) connect(w nethttp.ResponseWriter, r *nethttp.Request) {
	c.session.Connect(c.ctx)
	writeJSON(w, nethttp.StatusAccepted, c.session.Status())
}

func (c *console) disconnect(w nethttp.ResponseWriter, r *nethttp.Request) {
	if err := c.session.Disconnect(r.Context()); err != nil {
		c.logger.Printf("disconnect: %v", err)
	}
	writeJSON(w, nethttp.StatusOK, c.session.Status())
}

func (c *console) startSimulation(w nethttp.ResponseWriter, r *nethttp.Request) {
	cfg, err := decodeConfig(w, r)
	if err != nil {
		httpError(w, err.Error(), nethttp.StatusBadRequest)
		return
	}
	if err := c.session.StartSimulation(r.Context(), cfg); err != nil {
		httpError(w, err.Error(), commandStatus(err))
		return
	}
	writeJSON(w, nethttp.StatusAccepted, c.session.Status())
}

func (c *console) cancelSimulation(w nethttp.ResponseWriter, r *nethttp.Request) {
	if err := c.session.CancelSimulation(r.Context()); err != nil {
		httpError(w, err.Error(), commandStatus(err))
		return
	}
	writeJSON(w, nethttp.StatusOK, c.session.Status())
}

func (c *console) getDisplay(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, c.display())
}

func (c *console) putDisplay(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		ShowEntityDetails *bool `json:"showEntityDetails"`
	}
	if err := json.NewDecoder(nethttp.MaxBytesReader(w, r.Body, maxConfigBody)).Decode(&req); err != nil {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return
	}
	if req.ShowEntityDetails == nil {
		httpError(w, "missing showEntityDetails", nethttp.StatusBadRequest)
		return
	}
	c.showDetails.Store(*req.ShowEntityDetails)
	writeJSON(w, nethttp.StatusOK, c.display())
}

func (c *console) journal(w nethttp.ResponseWriter, r *nethttp.Request) {
	j := c.session.Journal()
	if j == nil {
		httpError(w, "journal disabled", nethttp.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	count, err := j.Export(&buf)
	if err != nil {
		c.logger.Printf("journal export failed: %v", err)
		httpError(w, "failed to export journal", nethttp.StatusInternalServerError)
		return
	}
	name := "journal.pb"
	if run := j.Run(); run != "" {
		name = "run-" + run + ".pb"
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("X-Journal-Frames", strconv.Itoa(count))
	w.Write(buf.Bytes())
}

// decodeConfig reads a JSON body or form fields into a validated config.
func decodeConfig(w nethttp.ResponseWriter, r *nethttp.Request) (simconfig.Config, error) {
	r.Body = nethttp.MaxBytesReader(w, r.Body, maxConfigBody)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return simconfig.DecodeJSON(r.Body)
	}
	if err := r.ParseForm(); err != nil {
		return simconfig.Config{}, fmt.Errorf("%w: %v", simconfig.ErrInvalidConfig, err)
	}
	return simconfig.FromForm(r.PostForm)
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning):
		return nethttp.StatusConflict
	default:
		return nethttp.StatusBadGateway
	}
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
