package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lanesim/internal/app"
	"lanesim/internal/telemetry"
)

func main() {
	logger := telemetry.WrapLogger(log.Default())
	cfg := app.ApplyEnv(app.DefaultConfig(), os.Getenv, logger)

	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "websocket URL of the simulation server")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address of the operator console")
	flag.BoolVar(&cfg.AutoConnect, "connect", cfg.AutoConnect, "connect to the simulation server on startup")
	flag.BoolVar(&cfg.Display.ShowEntityDetails, "details", cfg.Display.ShowEntityDetails, "show vehicle speed and waiting time in grid views")
	flag.BoolVar(&cfg.Observability.EnablePprof, "pprof", cfg.Observability.EnablePprof, "serve /debug/pprof on the console")
	flag.IntVar(&cfg.JournalFrames, "journal-frames", cfg.JournalFrames, "frames retained per run for export")
	flag.Parse()
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}
