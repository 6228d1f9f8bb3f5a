// Command fcap pulls a capture stream off a PCAP reassembly appliance's
// control and data ports, reassembles it in global-sequence order, and
// emits it as a PCAP to stdout or a direct-I/O file (spec.md §6).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmadio/fcap/internal/config"
	"github.com/fmadio/fcap/internal/control"
	"github.com/fmadio/fcap/internal/diskbench"
	"github.com/fmadio/fcap/internal/logging"
	"github.com/fmadio/fcap/internal/orchestrator"
	"github.com/fmadio/fcap/internal/pki"
	"github.com/fmadio/fcap/internal/schedule"
	"github.com/fmadio/fcap/internal/sink"
)

func main() {
	listAddr := flag.String("list", "", "run the LIST control command against <ip> and exit")
	getAddr := flag.String("get", "", "pull a stream from <ip> (paired with a positional stream name)")
	outputStdout := flag.Bool("output-stdout", false, "emit the reassembled PCAP to stdout (default)")
	outputFile := flag.String("output-file", "", "emit the reassembled PCAP to this path via direct I/O")
	testBytes := flag.Int64("test", 0, "run the direct-I/O write throughput benchmark instead of a transfer, writing this many bytes to --output-file")
	quiet := flag.Bool("q", false, "suppress periodic stats reporting")
	configPath := flag.String("config", "", "optional YAML config overlay (see SPEC_FULL.md §7)")
	scheduleExpr := flag.String("schedule", "", "cron expression; when set, polls LIST on this schedule and GETs any new stream instead of exiting after one pull")
	s3Bucket := flag.String("s3-bucket", "", "upload the finished PCAP file to this S3 bucket after the disk sink closes (requires --output-file)")
	s3Compress := flag.Bool("s3-compress", false, "gzip the PCAP file before S3 upload")
	filterBPF := flag.String("filter-bpf", "", "optional BPF filter expression passed to GET")
	filterRE := flag.String("filter-re", "", "optional regex filter passed to GET")
	tlsCA := flag.String("tls-ca", "", "CA certificate path; when set with --tls-cert/--tls-key, the control channel is secured with mTLS")
	tlsCert := flag.String("tls-cert", "", "client certificate path for control-channel mTLS")
	tlsKey := flag.String("tls-key", "", "client key path for control-channel mTLS")
	sessionLogDir := flag.String("session-log-dir", "", "optional directory; when set, each GET also writes a dedicated DEBUG-level JSON log for that transfer under <dir>/fcap/<stream>.log")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fcap: %v\n", err)
			os.Exit(1)
		}
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsCfg, err := loadTLSConfig(*tlsCA, *tlsCert, *tlsKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcap: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *testBytes > 0:
		err = runDiskBench(*outputFile, *testBytes, *quiet, logger)
	case *listAddr != "":
		err = runList(*listAddr, tlsCfg, logger)
	case *getAddr != "":
		streamName := flag.Arg(0)
		if streamName == "" {
			err = fmt.Errorf("fcap: --get requires a stream name argument")
			break
		}
		pull := func(name string) error {
			return runGet(ctx, *getAddr, name, *filterBPF, *filterRE, *outputStdout, *outputFile, *s3Bucket, *s3Compress, *quiet, cfg, tlsCfg, *sessionLogDir, logger)
		}
		if *scheduleExpr != "" {
			err = runSchedule(ctx, *getAddr, *scheduleExpr, tlsCfg, pull, logger)
		} else {
			err = pull(streamName)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fcap: %v\n", err)
		os.Exit(1)
	}
}

// queueCapacityFor picks the smallest power-of-two SPSC queue depth that
// comfortably clears the back-pressure threshold, so a worker stalling at
// BackpressureThreshold never finds the queue already full.
func queueCapacityFor(backpressureThreshold int) int {
	capacity := 1
	for capacity <= backpressureThreshold*2 {
		capacity <<= 1
	}
	return capacity
}

// loadTLSConfig builds a client mTLS config from --tls-ca/--tls-cert/--tls-key
// when all three are set; otherwise the control channel dials plain TCP.
func loadTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}
	if caPath == "" || certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("--tls-ca, --tls-cert, and --tls-key must all be set together")
	}
	return pki.NewClientTLSConfig(caPath, certPath, keyPath)
}

func runList(addr string, tlsCfg *tls.Config, logger *slog.Logger) error {
	client := control.New(control.Config{Addr: fmt.Sprintf("%s:%d", addr, 10000), TLS: tlsCfg, Logger: logger})
	if err := client.Connect(); err != nil {
		return fmt.Errorf("control: connecting: %w", err)
	}
	defer client.Close()

	streams, err := client.List()
	if err != nil {
		return fmt.Errorf("control: LIST: %w", err)
	}

	for _, s := range streams {
		fmt.Printf("%s\t%d\n", s.Name, s.Size)
	}
	return nil
}

func runDiskBench(path string, totalBytes int64, quiet bool, logger *slog.Logger) error {
	if path == "" {
		return fmt.Errorf("--test requires --output-file")
	}
	result, err := diskbench.Run(path, totalBytes, quiet, logger)
	if err != nil {
		return fmt.Errorf("disk benchmark: %w", err)
	}
	logger.Info("disk benchmark complete",
		"bytes", result.TotalBytes,
		"duration", result.Duration,
		"gbps", result.Gbps,
	)
	return nil
}

func runSchedule(ctx context.Context, addr, expr string, tlsCfg *tls.Config, pull schedule.PullFunc, logger *slog.Logger) error {
	client := control.New(control.Config{Addr: fmt.Sprintf("%s:%d", addr, 10000), TLS: tlsCfg, Logger: logger})
	if err := client.Connect(); err != nil {
		return fmt.Errorf("schedule: connecting control channel: %w", err)
	}
	defer client.Close()

	poller, err := schedule.New(client, expr, pull, logger)
	if err != nil {
		return err
	}
	poller.Start()
	<-ctx.Done()
	poller.Stop()
	return nil
}

func runGet(ctx context.Context, addr, streamName, filterBPF, filterRE string, outputStdout bool, outputFile, s3Bucket string, s3Compress, quiet bool, cfg *config.Config, tlsCfg *tls.Config, sessionLogDir string, baseLogger *slog.Logger) error {
	logger, sessionLogCloser, sessionLogPath, err := logging.NewSessionLogger(baseLogger, sessionLogDir, "fcap", streamName)
	if err != nil {
		return fmt.Errorf("session log: %w", err)
	}
	defer sessionLogCloser.Close()
	if sessionLogPath != "" {
		logger.Info("session log", "path", sessionLogPath)
	}

	client := control.New(control.Config{Addr: fmt.Sprintf("%s:%d", addr, 10000), TLS: tlsCfg, Logger: logger})
	if err := client.Connect(); err != nil {
		return fmt.Errorf("control: connecting: %w", err)
	}
	defer client.Close()

	if err := client.Get(streamName, filterBPF, filterRE); err != nil {
		return fmt.Errorf("control: GET %q: %w", streamName, err)
	}

	var dispatcher sink.Dispatcher
	switch {
	case outputFile != "":
		diskSink, err := sink.OpenDiskSink(outputFile, logger)
		if err != nil {
			return fmt.Errorf("opening disk sink: %w", err)
		}
		dispatcher = diskSink
	case outputStdout:
		dispatcher = sink.NewStreamSink(os.Stdout)
	default:
		dispatcher = sink.NewStreamSink(os.Stdout)
	}

	affinity := cfg.CPUAffinityList
	if len(affinity) == 0 {
		affinity = nil
	}

	summary, err := orchestrator.Run(ctx, orchestrator.Config{
		ServerIP:             addr,
		DataPortBase:         10010,
		ConnectionCount:      cfg.ConnectionCount,
		CPUAffinity:          affinity,
		ChunkPoolSize:        cfg.ChunkPoolSize,
		QueueCapacity:        queueCapacityFor(cfg.BackpressureThreshold),
		BackpressureDepth:    uint64(cfg.BackpressureThreshold),
		RateLimitBytesPerSec: cfg.MaxReadBytesPerSecRaw,
		Sink:                 dispatcher,
		Quiet:                quiet,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	gbps := (float64(summary.TotalBytes) * 8 / summary.Duration.Seconds()) / 1e9
	logger.Info("transfer complete",
		"stream", streamName,
		"bytes", summary.TotalBytes,
		"packets", summary.TotalPackets,
		"duration", summary.Duration,
		"gbps", gbps,
	)

	if outputFile != "" && s3Bucket != "" {
		uploadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		err := sink.UploadPCAPFile(uploadCtx, outputFile, sink.S3TailConfig{
			Bucket:   s3Bucket,
			Key:      streamName + ".pcap",
			Compress: s3Compress,
		}, logger)
		if err != nil {
			return fmt.Errorf("s3 upload: %w", err)
		}
	}

	return nil
}
