package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"canrvc/internal/engine"
	"canrvc/pkg/models"
)

// frameLine is the JSON-line wire format this demonstration harness reads
// from stdin or a file: one raw CAN frame per line.
type frameLine struct {
	ArbitrationID uint32 `json:"arbitration_id"`
	Data          []byte `json:"data"`
	VehicleID     string `json:"vehicle_id,omitempty"`
}

func main() {
	var (
		configDir     string
		inputFile     string
		metricsAddr   string
		snapshotEvery time.Duration
		showVersion   bool
	)

	flag.StringVar(&configDir, "config-dir", "./config", "Path to the RV-C spec/mapping/protocol config directory")
	flag.StringVar(&inputFile, "input", "", "Path to a file of JSON-line CAN frames (default: stdin)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "Interval between stderr snapshots (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("canrvc decoder/safety-supervisor CLI (facade mode)")
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	eng, err := engine.New(engine.Config{ConfigDir: configDir}, logger)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		logger.Warn("second signal received; forcing exit")
		os.Exit(1)
	}()

	eng.Start(ctx)
	defer eng.Stop()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", eng.MetricsHandler())
			logger.Info("serving prometheus metrics", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var in *bufio.Scanner
	if inputFile != "" {
		f, err := os.Open(inputFile)
		if err != nil {
			log.Fatalf("open input: %v", err)
		}
		defer f.Close()
		in = bufio.NewScanner(f)
	} else {
		in = bufio.NewScanner(os.Stdin)
	}
	in.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(os.Stdout)
		for in.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := in.Bytes()
			if len(line) == 0 {
				continue
			}
			var fl frameLine
			if err := json.Unmarshal(line, &fl); err != nil {
				logger.Warn("skipping malformed frame line", "error", err)
				continue
			}
			frame := models.NewCANFrame(fl.ArbitrationID, fl.Data, time.Now())
			if msg := eng.RouteFrame(ctx, frame, fl.VehicleID); msg != nil {
				if err := enc.Encode(msg); err != nil {
					logger.Error("encode processed message", "error", err)
				}
			}
		}
	}()

	if ticker != nil {
		go func() {
			for {
				select {
				case <-ticker.C:
					snap := eng.Snapshot()
					b, _ := json.MarshalIndent(snap, "", "  ")
					fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	select {
	case <-done:
	case <-ctx.Done():
	}

	final := eng.Snapshot()
	b, _ := json.MarshalIndent(final, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== FINAL SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}
