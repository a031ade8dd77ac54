// Command lis-sim serves a stand-in classification service for development.
// Every /get_tests request is answered with a random code, sometimes after a
// delay.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/tubesort/internal/api"
	"github.com/banshee-data/tubesort/internal/classify"
	"github.com/banshee-data/tubesort/internal/monitoring"
)

var (
	listen      = flag.String("listen", ":7114", "Listen address")
	codes       = flag.String("codes", "", "Comma-separated codes to answer with (default: the classification names)")
	delayChance = flag.Float64("delay-chance", 0.25, "Probability of delaying an answer")
	delay       = flag.Duration("delay", time.Second, "Delay applied to delayed answers")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()

	logger, err := monitoring.NewZapLogger(monitoring.LogOptions{Format: *logFormat})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	flush := monitoring.InstallZap(logger)
	defer flush()

	var list []string
	for _, c := range strings.Split(*codes, ",") {
		if c = strings.TrimSpace(c); c != "" {
			list = append(list, c)
		}
	}
	sim := classify.NewSimulator(list)
	sim.DelayChance = *delayChance
	sim.Delay = *delay

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(sim.Handler()),
	}
	go func() {
		monitoring.Logf("lis-sim listening on %s with codes %v", *listen, sim.Codes)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("failed to start server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		server.Close()
	}
	monitoring.Logf("served %d requests", sim.Requests())
}
