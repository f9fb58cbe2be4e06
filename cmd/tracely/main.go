// main.go - demo host driving the analytics agent from the command line
package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"tracely/internal/agent"
	"tracely/internal/config"
	"tracely/internal/logging"
)

type rootOptions struct {
	APIKey        string
	Host          string
	DataDir       string
	FlushAt       int
	FlushInterval int
	Debug         bool
	OptOut        bool
	SessionReplay bool
	MetricsListen string
}

var rootOpts = rootOptions{
	APIKey:        os.Getenv("TRACELY_API_KEY"),
	Host:          os.Getenv("TRACELY_HOST"),
	FlushAt:       20,
	FlushInterval: 30,
}

func startMetrics(listen string) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())

		listener, err := net.Listen("tcp", listen)
		if err != nil {
			log.Printf("Failed to start metrics listener: %v", err)
			return
		}
		log.Printf("Metrics are up on %s", listen)
		if err := http.Serve(listener, nil); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
}

func run(cmd *cobra.Command, args []string) error {
	settings := map[string]any{
		"apiKey":        rootOpts.APIKey,
		"flushAt":       rootOpts.FlushAt,
		"flushInterval": rootOpts.FlushInterval,
		"debug":         rootOpts.Debug,
		"optOut":        rootOpts.OptOut,
		"sessionReplay": rootOpts.SessionReplay,
	}
	if rootOpts.Host != "" {
		settings["host"] = rootOpts.Host
	}
	if rootOpts.DataDir != "" {
		settings["dataDir"] = rootOpts.DataDir
	}

	cfg, err := config.FromMap(settings)
	if err != nil {
		return err
	}

	logger, level := logging.NewLogger(cfg)
	a, err := agent.New(cfg, logger, level)
	if err != nil {
		return err
	}

	if rootOpts.MetricsListen != "" {
		startMetrics(rootOpts.MetricsListen)
	}

	fmt.Printf("tracely ready: distinct_id=%s session_id=%s queue=%d\n",
		a.DistinctID(), a.SessionID(), a.QueueSize())
	fmt.Println("Type an event name per line (\"flush\" to flush, ctrl-d or SIGINT to exit)")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal: %v", sig)
			return a.Close()
		case line, ok := <-lines:
			if !ok {
				return a.Close()
			}
			name := strings.TrimSpace(line)
			switch name {
			case "":
			case "flush":
				a.Flush()
				fmt.Printf("queue=%d\n", a.QueueSize())
			default:
				a.Capture(name, nil)
				fmt.Printf("captured %q queue=%d\n", name, a.QueueSize())
			}
		}
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracely",
		Short: "Client-side analytics agent",
		RunE:  run,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootOpts.APIKey, "api-key", rootOpts.APIKey, "Project API key")
	flags.StringVar(&rootOpts.Host, "host", rootOpts.Host, "Ingestion base URL")
	flags.StringVar(&rootOpts.DataDir, "data-dir", rootOpts.DataDir, "Data directory for the durable queue")
	flags.IntVar(&rootOpts.FlushAt, "flush-at", rootOpts.FlushAt, "Queue size triggering an inline flush")
	flags.IntVar(&rootOpts.FlushInterval, "flush-interval", rootOpts.FlushInterval, "Flush worker interval in seconds")
	flags.BoolVar(&rootOpts.Debug, "debug", rootOpts.Debug, "Debug logging")
	flags.BoolVar(&rootOpts.OptOut, "opt-out", rootOpts.OptOut, "Start opted out")
	flags.BoolVar(&rootOpts.SessionReplay, "session-replay", rootOpts.SessionReplay, "Enable the session replay pipeline")
	flags.StringVar(&rootOpts.MetricsListen, "metrics-listen", rootOpts.MetricsListen, "Prometheus listen address (empty disables)")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
