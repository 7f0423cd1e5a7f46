// Command ghostedge is the on-device capture client. It reads raw browser
// events as JSON lines on stdin, runs them through the privacy pipeline
// (scrub, intent encoding, anonymization), and ships secure batches to a
// ghostd ingest endpoint. Raw event content never leaves the process.
//
// Usage:
//
//	capture-source | ghostedge -config ghostedge.yaml
//	capture-source | ghostedge -config ghostedge.yaml -dry-run
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veyra/ghostwork/anonymize"
	"github.com/veyra/ghostwork/config"
	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/transmit"
	"github.com/veyra/ghostwork/veil"
)

func main() {
	configPath := flag.String("config", "", "path to ghostedge.yaml config file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	dryRun := flag.Bool("dry-run", false, "print secure events to stdout instead of transmitting")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ghostedge -config <file> [-dry-run]")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// Logs go to stderr: stdout is the dry-run output stream.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *dryRun); err != nil {
		logger.Error("ghostedge: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.EdgeConfig, dryRun bool) error {
	// Anonymization unit: the HMAC key comes from the device secret when
	// set, so fingerprints cannot be reversed from the device id alone.
	unitOpts := []anonymize.Option{anonymize.WithEpsilon(cfg.Epsilon)}
	if cfg.DeviceSecret != "" {
		unitOpts = append(unitOpts, anonymize.WithSecret([]byte(cfg.DeviceSecret)))
	}
	unit := anonymize.New(cfg.DeviceID, unitOpts...)

	pipeline := veil.New(cfg.OrgID, cfg.DeviceID, cfg.UserID,
		veil.WithUnit(unit),
		veil.WithLogger(logger),
	)

	var tx *transmit.Transmitter
	if !dryRun {
		tx = transmit.New(unit.DeviceFingerprint(), transmit.Config{
			Endpoint:       cfg.Transmit.Endpoint,
			APIKey:         cfg.Transmit.APIKey,
			MaxBatchSize:   cfg.Transmit.MaxBatchSize,
			FlushInterval:  cfg.Transmit.FlushInterval,
			MaxRetries:     cfg.Transmit.MaxRetries,
			RetryBase:      cfg.Transmit.RetryBase,
			PerMinuteLimit: cfg.Transmit.PerMinuteLimit,
			SpoolPath:      cfg.Transmit.SpoolPath,
		}, transmit.WithLogger(logger))
		go tx.Run(ctx)
	}

	out := json.NewEncoder(os.Stdout)

	// The capture source writes one raw event per line. A malformed line is
	// dropped with a warning; the pipeline itself is total and never errors.
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := make([]byte, len(sc.Bytes()))
			copy(line, sc.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var processed, dropped int64
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				// EOF: the capture source exited.
				select {
				case err := <-scanErr:
					if err != nil {
						logger.Warn("stdin read", "error", err)
					}
				default:
				}
				break loop
			}
			if len(line) == 0 {
				continue
			}
			var raw event.Raw
			if err := json.Unmarshal(line, &raw); err != nil {
				dropped++
				logger.Warn("malformed event line", "error", err)
				continue
			}
			sec := pipeline.Process(&raw)
			processed++
			if dryRun {
				if err := out.Encode(sec); err != nil {
					return fmt.Errorf("write stdout: %w", err)
				}
				continue
			}
			tx.Enqueue(*sec)
		}
	}

	if tx != nil {
		// Final flush; anything undeliverable lands in the spool file.
		tx.Close()

		stats := tx.Stats()
		logger.Info("ghostedge: done",
			"processed", processed,
			"dropped_lines", dropped,
			"sent", stats.TotalSent,
			"failed", stats.TotalFailed,
			"batches", stats.TotalBatches,
			"spooled_batches", stats.FailedBatchCount,
		)
	} else {
		logger.Info("ghostedge: done", "processed", processed, "dropped_lines", dropped)
	}
	return nil
}

// loadConfig reads the YAML file, then overlays GHOSTWORK_* environment
// variables so the device secret and API key can stay out of the file.
func loadConfig(path string) (*config.EdgeConfig, error) {
	cfg, err := config.LoadEdgeConfig(path)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("GHOSTWORK_DEVICE_SECRET"); v != "" {
		cfg.DeviceSecret = v
	}
	if v := os.Getenv("GHOSTWORK_EDGE_API_KEY"); v != "" {
		cfg.Transmit.APIKey = v
	}
	if v := os.Getenv("GHOSTWORK_EDGE_ENDPOINT"); v != "" {
		cfg.Transmit.Endpoint = v
	}
	return cfg, cfg.Validate()
}
