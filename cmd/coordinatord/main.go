// Command coordinatord runs the coordinator as a standalone daemon: one
// process, one listen address serving both the client/admin HTTP surface
// and the worker websocket upgrade endpoint (spec.md section 6). Flag
// wiring follows the teacher's cmd/skyc cobra root command shape, adapted
// from a client CLI's persistent flags to a daemon's startup flags.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/gridlabs/coordinator/coordinator"
)

var (
	listenAddr       string
	dbPath           string
	persistDir       string
	languagesFlag    string
	maxCodeBytes     int
	defaultTimeout   int
	costRatePerSec   float64
	costBase         float64
	initialCredits   float64
	rewardFraction   float64
	queueCapacity    int
	heartbeatStaleS  int
	offlineThreshS   int
	watchdogPeriodS  int
	handshakeTimeoutS int
	maxFrameBytes    int64
	writeTimeoutS    int
	idleTimeoutS     int
	coordinatorOwner string
	recentWindowS    int
	downloadSpeed    int64
	uploadSpeed      int64
)

func main() {
	root := &cobra.Command{
		Use:   "coordinatord",
		Short: "coordinatord runs the job-dispatch coordinator daemon",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&listenAddr, "listen", ":9980", "address to listen on for both HTTP and worker websocket traffic")
	flags.StringVar(&dbPath, "db-path", "coordinator.db", "path to the bolt database file")
	flags.StringVar(&persistDir, "persist-dir", "coordinator-data", "directory for logs and persisted state")
	flags.StringVar(&languagesFlag, "languages", "python", "comma-separated list of supported job languages")
	flags.IntVar(&maxCodeBytes, "max-code-bytes", 1<<20, "maximum accepted job source size in bytes")
	flags.IntVar(&defaultTimeout, "default-timeout-seconds", 30, "default job timeout when a submission omits one")
	flags.Float64Var(&costRatePerSec, "cost-rate-per-second", 0.01, "credit cost per second of execution")
	flags.Float64Var(&costBase, "cost-base", 0, "flat per-job credit cost added to the time-based cost")
	flags.Float64Var(&initialCredits, "initial-credits", 100, "balance a newly-seen user starts with")
	flags.Float64Var(&rewardFraction, "worker-reward-fraction", 0.5, "fraction of a settled job's cost credited to the executing worker's owner")
	flags.IntVar(&queueCapacity, "queue-capacity", 1000, "maximum number of queued jobs, 0 for unbounded")
	flags.IntVar(&heartbeatStaleS, "heartbeat-stale-seconds", 45, "seconds of silence before the watchdog requeues a worker's in-flight jobs")
	flags.IntVar(&offlineThreshS, "offline-threshold-seconds", 120, "seconds of silence before a worker is marked offline")
	flags.IntVar(&watchdogPeriodS, "watchdog-period-seconds", 15, "seconds between watchdog reconciliation passes")
	flags.IntVar(&handshakeTimeoutS, "handshake-timeout-seconds", 30, "seconds a newly-upgraded connection has to send its hello frame")
	flags.Int64Var(&maxFrameBytes, "max-frame-bytes", 10<<20, "maximum size of a single inbound websocket frame")
	flags.IntVar(&writeTimeoutS, "write-timeout-seconds", 10, "seconds a single outbound frame send may take")
	flags.IntVar(&idleTimeoutS, "idle-timeout-seconds", 90, "seconds of read silence before a session is dropped at the transport level")
	flags.StringVar(&coordinatorOwner, "coordinator-owner", "coordinator", "owner ID used for the coordinator's own pool of workers")
	flags.IntVar(&recentWindowS, "recent-window-seconds", 3600, "window, in seconds, for the admin overview's recently-completed jobs")
	flags.Int64Var(&downloadSpeed, "download-speed", 0, "coordinator-wide download ratelimit in bytes/sec, 0 for unlimited")
	flags.Int64Var(&uploadSpeed, "upload-speed", 0, "coordinator-wide upload ratelimit in bytes/sec, 0 for unlimited")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	languages := map[string]bool{}
	for _, l := range strings.Split(languagesFlag, ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			languages[l] = true
		}
	}

	config := coordinator.Config{
		DBPath:                  dbPath,
		PersistDir:              persistDir,
		ListenAddr:              listenAddr,
		SupportedLanguages:      languages,
		MaxCodeBytes:            maxCodeBytes,
		DefaultTimeoutSeconds:   defaultTimeout,
		CostRatePerSecond:       costRatePerSec,
		CostBase:                costBase,
		InitialCredits:          initialCredits,
		WorkerRewardFraction:    rewardFraction,
		QueueCapacity:           queueCapacity,
		HeartbeatStaleThreshold: time.Duration(heartbeatStaleS) * time.Second,
		OfflineThreshold:        time.Duration(offlineThreshS) * time.Second,
		WatchdogPeriod:          time.Duration(watchdogPeriodS) * time.Second,
		HandshakeTimeout:        time.Duration(handshakeTimeoutS) * time.Second,
		MaxFrameBytes:           maxFrameBytes,
		WriteTimeout:            time.Duration(writeTimeoutS) * time.Second,
		IdleTimeout:             time.Duration(idleTimeoutS) * time.Second,
		CoordinatorOwner:        coordinatorOwner,
		RecentWindowSeconds:     recentWindowS,
		DownloadSpeed:           downloadSpeed,
		UploadSpeed:             uploadSpeed,
	}

	c, err := coordinator.New(config)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	return c.Close()
}
