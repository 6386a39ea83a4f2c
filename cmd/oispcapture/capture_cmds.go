package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/oximy/oisp/internal/capture"
	"github.com/oximy/oisp/internal/config"
	"github.com/oximy/oisp/internal/enrich"
	"github.com/oximy/oisp/internal/envelope"
	"github.com/oximy/oisp/internal/pipeline"
	"github.com/oximy/oisp/internal/pricing"
	"github.com/oximy/oisp/internal/provider"
	"github.com/oximy/oisp/internal/redact"
	"github.com/oximy/oisp/internal/sink"
	oisptls "github.com/oximy/oisp/internal/tls"
)

// Exit codes per the CLI contract.
const (
	exitOK         = 0
	exitUserError  = 1
	exitCapability = 2
	exitRuntime    = 3
)

// pipelineSource identifies this binary in emitted events.
func pipelineSource() envelope.Source {
	return envelope.Source{Type: "oispcapture", Version: version}
}

// loadPipelineConfig loads + validates config for the pipeline subcommands.
func loadPipelineConfig(path string) (*config.Config, int) {
	cfg, err := config.Load(path)
	if err != nil {
		printError("Failed to load configuration", err, configLoadFix(path))
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return nil, exitUserError
	}
	return cfg, exitOK
}

// buildProducer constructs the capture producer selected by cfg.Capture.Mode.
// For MITM mode the CA path used for minting is also returned.
func buildProducer(cfg *config.Config, logger *slog.Logger) (capture.Producer, string, int, error) {
	switch cfg.Capture.Mode {
	case "replay":
		return capture.NewReplayProducer(cfg.Capture.ReplayPath, cfg.Capture.ReplaySpeed, logger), "", exitOK, nil

	case "mitm":
		configDir, err := config.ConfigDir()
		if err != nil {
			return nil, "", exitCapability, err
		}
		certsDir := filepath.Join(configDir, "certs")
		ca, err := oisptls.LoadOrCreateCA(certsDir)
		if err != nil {
			switch {
			case isPermissionError(err):
				printErrorCode("Cannot access the CA certificate", err, caPermissionFix(certsDir), exitCapability)
			case isCorruptCert(err):
				printErrorCode("CA certificate is corrupted", err, caCorruptFix(certsDir), exitCapability)
			}
			return nil, "", exitCapability, fmt.Errorf("loading CA: %w", err)
		}
		producer, err := capture.NewMITMProducer(capture.MITMProducerConfig{
			Listen:         cfg.Proxy.ListenAddr(),
			CertCache:      oisptls.NewCertCache(ca, 1000),
			Registry:       provider.NewRegistry(),
			InterceptHosts: cfg.Proxy.InterceptHosts,
			Logger:         logger,
		})
		if err != nil {
			return nil, "", exitRuntime, err
		}
		return producer, filepath.Join(certsDir, "ca.crt"), exitOK, nil

	case "uprobe":
		// The kernel attachment is platform machinery this binary does not
		// ship; without it the producer cannot start, and per the error
		// policy other modes keep working.
		return nil, "", exitCapability, fmt.Errorf("uprobe capture requires the kernel SSL reader, which is unavailable on this host (try capture.mode: mitm)")

	default:
		return nil, "", exitUserError, fmt.Errorf("unknown capture.mode %q", cfg.Capture.Mode)
	}
}

// buildSinks constructs runners for every enabled export target.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]*sink.Runner, error) {
	var runners []*sink.Runner
	qcap := cfg.Pipeline.QueueCapacity

	if cfg.Export.JSONL.Enabled {
		path := cfg.Export.JSONL.Path
		if path == "" {
			dir, err := config.ConfigDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "events.jsonl")
		}
		s, err := sink.NewJSONLSink(path, cfg.Export.JSONL.RotateMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		runners = append(runners, sink.NewRunner(s, sink.RunnerConfig{QueueCapacity: qcap}))
		logger.Info("jsonl export enabled", "path", path)
	}

	if cfg.Export.SQLite.Enabled {
		path := cfg.Export.SQLite.Path
		if path == "" {
			dir, err := config.ConfigDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "events.db")
		}
		s, err := sink.NewSQLiteSink(path)
		if err != nil {
			if isDBLocked(err) {
				printErrorCode("Event store is locked", err, dbLockedFix(path), exitRuntime)
			}
			if isPermissionError(err) {
				printErrorCode("Cannot access the event store", err, dbPathFix(path), exitRuntime)
			}
			return nil, fmt.Errorf("sqlite sink: %w", err)
		}
		runners = append(runners, sink.NewRunner(s, sink.RunnerConfig{QueueCapacity: qcap}))
		logger.Info("sqlite export enabled", "path", path)
	}

	if cfg.Export.WS.Enabled {
		s, err := sink.NewWSSink(sink.WSConfig{Bind: cfg.Export.WS.Bind, Port: cfg.Export.WS.Port, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("websocket sink: %w", err)
		}
		runners = append(runners, sink.NewRunner(s, sink.RunnerConfig{QueueCapacity: qcap}))
		logger.Info("websocket export enabled", "addr", s.Addr())
	}

	if cfg.Export.OTLP.Enabled {
		s, err := sink.NewOTLPSink(ctx, sink.OTLPConfig{
			Endpoint:    cfg.Export.OTLP.Endpoint,
			Protocol:    cfg.Export.OTLP.Protocol,
			Headers:     cfg.Export.OTLP.Headers,
			Compression: cfg.Export.OTLP.Compression,
			Insecure:    cfg.Export.OTLP.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("otlp sink: %w", err)
		}
		runners = append(runners, sink.NewRunner(s, sink.RunnerConfig{QueueCapacity: qcap}))
		logger.Info("otlp export enabled", "endpoint", cfg.Export.OTLP.Endpoint, "protocol", cfg.Export.OTLP.Protocol)
	}

	if cfg.Export.Kafka.Enabled {
		s, err := sink.NewKafkaSink(sink.KafkaConfig{
			Brokers:       cfg.Export.Kafka.Brokers,
			Topic:         cfg.Export.Kafka.Topic,
			SASLMechanism: cfg.Export.Kafka.SASLMechanism,
			Username:      cfg.Export.Kafka.Username,
			Password:      cfg.Export.Kafka.Password,
			Compression:   cfg.Export.Kafka.Compression,
			TLS:           cfg.Export.Kafka.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		runners = append(runners, sink.NewRunner(s, sink.RunnerConfig{QueueCapacity: qcap}))
		logger.Info("kafka export enabled", "topic", cfg.Export.Kafka.Topic)
	}

	if cfg.Export.Webhook.Enabled {
		s, err := sink.NewWebhookSink(sink.WebhookConfig{
			URL:            cfg.Export.Webhook.URL,
			Method:         cfg.Export.Webhook.Method,
			Auth:           cfg.Export.Webhook.Auth,
			BatchMode:      cfg.Export.Webhook.BatchMode,
			DeadLetterPath: cfg.Export.Webhook.DeadLetterPath,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		runners = append(runners, sink.NewRunner(s, sink.RunnerConfig{
			QueueCapacity: qcap,
			MaxRetries:    cfg.Export.Webhook.MaxRetries,
			DeadLetter:    s.DeadLetter,
		}))
		logger.Info("webhook export enabled", "url", cfg.Export.Webhook.URL)
	}

	return runners, nil
}

// buildPipeline assembles the full capture pipeline from config.
func buildPipeline(ctx context.Context, cfg *config.Config, producer capture.Producer, logger *slog.Logger) (*pipeline.Pipeline, int, error) {
	redactor, err := redact.NewContentRedactor(&cfg.Redaction)
	if err != nil {
		return nil, exitUserError, err
	}
	enricher := enrich.New(nil, logger)

	p := pipeline.New(pipeline.Config{
		QueueCapacity:     cfg.Pipeline.QueueCapacity,
		Shards:            cfg.Pipeline.Shards,
		CorrelatorTimeout: time.Duration(cfg.Pipeline.CorrelatorTimeoutMs) * time.Millisecond,
		GracefulDrain:     time.Duration(cfg.Pipeline.GracefulDrainMs) * time.Millisecond,
		ExportDeltas:      cfg.Export.StreamingDeltas,
		Source:            pipelineSource(),
		Logger:            logger,
	}, producer, enricher, redactor)

	runners, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return nil, exitRuntime, err
	}
	for _, r := range runners {
		p.AttachSink(r)
	}
	return p, exitOK, nil
}

// serveHealth exposes the pipeline's stats at /api/health on ln.
func serveHealth(ln net.Listener, p *pipeline.Pipeline) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		stats := p.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(stats.Uptime.Seconds()),
			"events":         stats.Events,
			"decoded":        stats.Decoded,
			"decode_errors":  stats.DecodeErrors,
			"dropped":        stats.Dropped,
			"events_per_sec": stats.EventsPerSec,
			"pending":        stats.Pending,
			"sink_status":    stats.SinkStatus,
		})
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return srv
}

// handleRecordCommand runs the live capture pipeline until interrupted.
func handleRecordCommand(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	listenAddr := fs.String("listen", "", "MITM proxy listen address (overrides config)")
	healthAddr := fs.String("health", "", "Health endpoint listen address (overrides config)")
	mode := fs.String("mode", "", "Capture mode: uprobe, mitm, replay (overrides config)")
	jsonlOut := fs.String("out", "", "JSONL export path (enables jsonl export)")
	dbOut := fs.String("db", "", "SQLite event store path (enables sqlite export)")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	_ = fs.Parse(args)

	logger := newCLILogger(*debugMode)

	cfg, code := loadPipelineConfig(*configPath)
	if code != exitOK {
		os.Exit(code)
	}
	if *listenAddr != "" {
		cfg.Proxy.Listen = *listenAddr
	}
	if *healthAddr != "" {
		cfg.Health.Listen = *healthAddr
	}
	if *mode != "" {
		cfg.Capture.Mode = *mode
	}
	if *jsonlOut != "" {
		cfg.Export.JSONL.Enabled = true
		cfg.Export.JSONL.Path = *jsonlOut
	}
	if *dbOut != "" {
		cfg.Export.SQLite.Enabled = true
		cfg.Export.SQLite.Path = *dbOut
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(exitUserError)
	}

	producer, caPath, code, err := buildProducer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, code, err := buildPipeline(ctx, cfg, producer, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}

	healthLn, actualHealthAddr, err := listenWithFallback(cfg.Health.Listen, 10)
	if err != nil {
		printError("Failed to bind health endpoint", err, portInUseFix(cfg.Health.Listen, 10))
	}
	healthSrv := serveHealth(healthLn, p)
	defer healthSrv.Close()
	logger.Info("health endpoint", "addr", actualHealthAddr)

	// Persist state so `oispcapture run` and `status` can find this capture.
	if stateStore, err := NewFileStateStore(); err == nil {
		state := ServerState{
			ProxyAddr: cfg.Proxy.ListenAddr(),
			APIAddr:   actualHealthAddr,
			CAPath:    caPath,
			PID:       os.Getpid(),
			StartedAt: time.Now(),
		}
		if err := stateStore.Write(state); err != nil {
			logger.Warn("could not write state file", "error", err)
		} else {
			defer stateStore.Delete()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("recording", "mode", cfg.Capture.Mode)
	if cfg.Capture.Mode == "mitm" {
		fmt.Fprintf(os.Stderr, "\n  Proxy:  http://%s\n", cfg.Proxy.ListenAddr())
		fmt.Fprintf(os.Stderr, "  Health: http://%s/api/health\n", actualHealthAddr)
		fmt.Fprintf(os.Stderr, "  CA:     %s\n\n", caPath)
		fmt.Fprint(os.Stderr, formatEnvVars(cfg.Proxy.ListenAddr(), caPath, runtime.GOOS))
		fmt.Fprintln(os.Stderr)
	}

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		os.Exit(exitRuntime)
	}

	stats := p.Stats()
	logger.Info("capture finished", "events", stats.Events, "decoded", stats.Decoded, "dropped", stats.Dropped)
}

// handleReplayCommand re-runs a recorded event file through the pipeline.
func handleReplayCommand(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "", "Replay event file (newline-delimited raw events)")
	speed := fs.Float64("speed", 0, "Replay pacing multiplier (0 = instant)")
	jsonlOut := fs.String("out", "", "JSONL export path (enables jsonl export)")
	dbOut := fs.String("db", "", "SQLite event store path (enables sqlite export)")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	_ = fs.Parse(args)

	logger := newCLILogger(*debugMode)

	cfg, code := loadPipelineConfig(*configPath)
	if code != exitOK {
		os.Exit(code)
	}
	cfg.Capture.Mode = "replay"
	if *file != "" {
		cfg.Capture.ReplayPath = *file
	}
	cfg.Capture.ReplaySpeed = *speed
	if *jsonlOut != "" {
		cfg.Export.JSONL.Enabled = true
		cfg.Export.JSONL.Path = *jsonlOut
	}
	if *dbOut != "" {
		cfg.Export.SQLite.Enabled = true
		cfg.Export.SQLite.Path = *dbOut
	}
	if cfg.Capture.ReplayPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required (or capture.replay_path in config)")
		os.Exit(exitUserError)
	}

	producer := capture.NewReplayProducer(cfg.Capture.ReplayPath, cfg.Capture.ReplaySpeed, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, code, err := buildPipeline(ctx, cfg, producer, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// End the run once the file is exhausted (after a settle window for the
	// tail of the pipeline) or on interrupt.
	go func() {
		select {
		case <-producer.Done():
			time.Sleep(500 * time.Millisecond)
		case <-sigCh:
		}
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Replay error: %v\n", err)
		os.Exit(exitRuntime)
	}

	stats := p.Stats()
	fmt.Fprintf(os.Stderr, "Replayed %d raw events, emitted %d, %d decode errors\n",
		stats.Events, stats.Decoded, stats.DecodeErrors)
}

// handleShowCommand pretty-prints captured OISP events from a JSONL export
// or the SQLite event store.
func handleShowCommand(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	file := fs.String("file", "", "Exported OISP JSONL file")
	db := fs.String("db", "", "SQLite event store path")
	typeFilter := fs.String("type", "", "Only show events of this type (e.g. ai.request)")
	limit := fs.Int("limit", 0, "Stop after N events (0 = all)")
	asJSON := fs.Bool("json", false, "Print raw canonical JSON lines")
	withCost := fs.Bool("cost", false, "Print a per-model token/cost summary (needs -db)")
	_ = fs.Parse(args)

	if *file == "" && *db == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}

	switch {
	case *db != "":
		showFromStore(*db, *typeFilter, *limit, *asJSON, *withCost)
	case *file != "":
		if *withCost {
			fmt.Fprintln(os.Stderr, "Error: -cost requires -db (cost summaries aggregate the event store)")
			os.Exit(exitUserError)
		}
		showFromFile(*file, *typeFilter, *limit, *asJSON)
	default:
		fmt.Fprintln(os.Stderr, "Usage: oispcapture show -file <events.jsonl> | -db <events.db>")
		os.Exit(exitUserError)
	}
}

func showFromFile(path, typeFilter string, limit int, asJSON bool) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(exitUserError)
	}
	defer f.Close()

	shown := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := envelope.Unmarshal(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed line: %v\n", err)
			continue
		}
		if typeFilter != "" && ev.EventType != typeFilter {
			continue
		}
		if asJSON {
			fmt.Println(string(line))
		} else {
			printEventSummary(ev)
		}
		shown++
		if limit > 0 && shown >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		os.Exit(exitRuntime)
	}
}

func showFromStore(path, typeFilter string, limit int, asJSON, withCost bool) {
	store, err := sink.NewSQLiteSink(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening event store: %v\n", err)
		os.Exit(exitUserError)
	}
	ctx := context.Background()
	defer store.Close(ctx)

	rows, err := store.List(ctx, sink.QueryFilter{EventType: typeFilter, Limit: limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying event store: %v\n", err)
		os.Exit(exitRuntime)
	}
	for _, row := range rows {
		if asJSON {
			fmt.Println(string(row.Payload))
			continue
		}
		ev, err := envelope.Unmarshal(row.Payload)
		if err != nil {
			continue
		}
		printEventSummary(ev)
	}

	if withCost {
		printCostSummary(ctx, store)
	}
}

// printCostSummary aggregates stored token totals and prices them with the
// LiteLLM table when available.
func printCostSummary(ctx context.Context, store *sink.SQLiteSink) {
	totals, err := store.TokenTotals(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error aggregating tokens: %v\n", err)
		os.Exit(exitRuntime)
	}
	if len(totals) == 0 {
		fmt.Println("\nNo token usage recorded.")
		return
	}

	table := newPriceTable(ctx)

	fmt.Println("\nToken usage by model:")
	for model, tokens := range totals {
		line := fmt.Sprintf("  %-40s %10d tokens", model, tokens)
		if table != nil {
			// Totals don't split prompt/completion, so price the whole count
			// at the input rate as a floor estimate.
			if price, ok := table.Lookup(model); ok {
				line += fmt.Sprintf("   >= $%.4f", float64(tokens)*price.InputPerToken)
			}
		}
		fmt.Println(line)
	}
}

// newPriceTable loads the LiteLLM price table, best effort. Nil when
// pricing is unavailable; cost columns are simply omitted then.
func newPriceTable(ctx context.Context) *pricing.Table {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil
	}
	table := pricing.NewTable(pricing.Config{CacheDir: dir})
	loadCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := table.Load(loadCtx); err != nil {
		fmt.Fprintf(os.Stderr, "note: price table unavailable (%v); showing tokens only\n", err)
		return nil
	}
	return table
}

func printEventSummary(ev *envelope.Event) {
	ts := ev.TS.Format("15:04:05.000000")
	switch ev.EventType {
	case envelope.TypeAiRequest:
		var data envelope.AiRequestData
		if json.Unmarshal(ev.Data, &data) == nil {
			stream := ""
			if data.Streaming {
				stream = " [stream]"
			}
			fmt.Printf("%s  %-12s %s %s/%s msgs=%d%s\n",
				ts, ev.EventType, ev.EventID, data.Provider.Name, data.Model.ID, data.MessagesCount, stream)
			return
		}
	case envelope.TypeAiResponse:
		var data envelope.AiResponseData
		if json.Unmarshal(ev.Data, &data) == nil {
			status := "ok"
			if !data.Success {
				status = "failed"
			}
			tokens := 0
			if data.Usage != nil {
				tokens = data.Usage.TotalTokens
			}
			fmt.Printf("%s  %-12s %s -> %s %s latency=%dms tokens=%d\n",
				ts, ev.EventType, ev.EventID, data.RequestID, status, data.LatencyMs, tokens)
			return
		}
	}
	fmt.Printf("%s  %-12s %s\n", ts, ev.EventType, ev.EventID)
}

// handleCheckCommand enumerates prerequisites for each capture mode and
// export target.
func handleCheckCommand(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	failures := 0
	capFailures := 0
	report := func(ok bool, capability bool, what, detail string) {
		mark := "✓"
		if !ok {
			mark = "✗"
			failures++
			if capability {
				capFailures++
			}
		}
		if detail != "" {
			fmt.Printf("  %s %-32s %s\n", mark, what, detail)
		} else {
			fmt.Printf("  %s %s\n", mark, what)
		}
	}

	fmt.Println("oispcapture check")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		report(false, false, "configuration", err.Error())
		os.Exit(exitUserError)
	}
	if err := cfg.Validate(); err != nil {
		report(false, false, "configuration", err.Error())
		os.Exit(exitUserError)
	}
	report(true, false, "configuration", "valid")

	configDir, err := config.ConfigDir()
	if err != nil {
		report(false, true, "config directory", err.Error())
	} else {
		report(true, false, "config directory", configDir)

		certsDir := filepath.Join(configDir, "certs")
		ca, err := oisptls.LoadOrCreateCA(certsDir)
		if err != nil {
			report(false, true, "certificate authority", err.Error())
		} else {
			report(true, false, "certificate authority", filepath.Join(certsDir, "ca.crt"))
			cache := oisptls.NewCertCache(ca, 4)
			if _, err := cache.GetCertificate(mintProbe("check.oisp.test")); err != nil {
				report(false, true, "leaf certificate minting", err.Error())
			} else {
				report(true, false, "leaf certificate minting", "")
			}
		}
	}

	// Proxy port availability for mitm mode.
	if ln, err := net.Listen("tcp", cfg.Proxy.ListenAddr()); err != nil {
		report(false, false, "proxy listen "+cfg.Proxy.ListenAddr(), err.Error())
	} else {
		ln.Close()
		report(true, false, "proxy listen "+cfg.Proxy.ListenAddr(), "")
	}

	// Uprobe capture needs the kernel-side reader, which this build
	// delegates to the platform layer.
	report(false, true, "uprobe capture", "kernel SSL reader not available in this build")

	// Process table access for enrichment.
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/proc/self/status"); err != nil {
			report(false, true, "process table (/proc)", err.Error())
		} else {
			report(true, false, "process table (/proc)", "")
		}
	} else {
		report(false, true, "process table", "not supported on "+runtime.GOOS)
	}

	// Export target reachability (existence-level checks only).
	if cfg.Export.JSONL.Enabled {
		dir := filepath.Dir(cfg.Export.JSONL.Path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			report(false, false, "jsonl export directory", err.Error())
		} else {
			report(true, false, "jsonl export directory", dir)
		}
	}
	if cfg.Export.SQLite.Enabled {
		dir := filepath.Dir(cfg.Export.SQLite.Path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			report(false, false, "sqlite export directory", err.Error())
		} else {
			report(true, false, "sqlite export directory", dir)
		}
	}

	fmt.Println()
	switch {
	case failures == 0:
		fmt.Println("All checks passed.")
		os.Exit(exitOK)
	case capFailures > 0:
		fmt.Printf("%d check(s) failed (%d capability).\n", failures, capFailures)
		os.Exit(exitCapability)
	default:
		fmt.Printf("%d check(s) failed.\n", failures)
		os.Exit(exitRuntime)
	}
}

// handleStatusCommand queries a running capture's health endpoint. The
// address comes from the state file a running record wrote, unless -api
// overrides it.
func handleStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiAddr := fs.String("api", "", "Health endpoint address (default: from state file)")
	_ = fs.Parse(args)

	addr := *apiAddr
	if addr == "" {
		stateStore, err := NewFileStateStore()
		if err == nil {
			if state, err := stateStore.Read(); err == nil {
				addr = state.APIAddr
			}
		}
	}
	if addr == "" {
		addr = "localhost:9091"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+addr+"/api/health", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitRuntime)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Capture not reachable at %s: %v\n", addr, err)
		os.Exit(exitRuntime)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health endpoint returned %s\n", resp.Status)
		os.Exit(exitRuntime)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

// mintProbe fabricates a ClientHello for the check command's leaf-minting
// probe.
func mintProbe(host string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: host}
}

func newCLILogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
