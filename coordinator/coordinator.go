// Package coordinator assembles every component (C1-C8) and the node/api
// HTTP surfaces into one running process. The construction order - store,
// then the components layered over it, then the HTTP/websocket transport,
// then the background loops - and the threadgroup-rooted shutdown sequence
// follow the teacher's node/node.go, which builds its modules bottom-up and
// tears them down by calling Close on each in reverse order.
package coordinator

import (
	"context"
	"net"
	"net/http"
	"sort"
	"time"

	connmonitor "gitlab.com/NebulousLabs/monitor"
	"gitlab.com/NebulousLabs/ratelimit"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/dispatcher"
	"gitlab.com/gridlabs/coordinator/modules/ledger"
	"gitlab.com/gridlabs/coordinator/modules/queue"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/modules/session"
	"gitlab.com/gridlabs/coordinator/modules/settlement"
	"gitlab.com/gridlabs/coordinator/modules/store"
	"gitlab.com/gridlabs/coordinator/modules/watchdog"
	"gitlab.com/gridlabs/coordinator/node/api"
	"gitlab.com/gridlabs/coordinator/persist"

	"gitlab.com/NebulousLabs/errors"
)

// Config collects every tunable named by spec.md section 6, assembled by
// cmd/coordinatord from its flags.
type Config struct {
	// DBPath is the bolt database file path.
	DBPath string
	// PersistDir is where logs are written.
	PersistDir string
	// ListenAddr is the single address the coordinator listens on for both
	// the HTTP API and the worker websocket upgrade (spec.md section 6:
	// one process, one port).
	ListenAddr string

	SupportedLanguages map[string]bool
	MaxCodeBytes       int
	DefaultTimeoutSeconds int

	CostRatePerSecond    float64
	CostBase             float64
	InitialCredits       float64
	WorkerRewardFraction float64

	QueueCapacity int

	HeartbeatStaleThreshold time.Duration
	OfflineThreshold        time.Duration
	WatchdogPeriod          time.Duration

	HandshakeTimeout time.Duration
	MaxFrameBytes    int64
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration

	CoordinatorOwner string

	// RecentWindowSeconds bounds the admin overview's "recently completed"
	// section.
	RecentWindowSeconds int

	// DownloadSpeed/UploadSpeed bound the coordinator-wide connection
	// ratelimit, in bytes/sec. Zero means unlimited.
	DownloadSpeed int64
	UploadSpeed   int64
}

// Coordinator is the fully assembled process: every component, the HTTP
// server, and the threadgroup that sequences shutdown.
type Coordinator struct {
	config Config
	log    *persist.Logger
	store  *store.BoltStore

	ledger     *ledger.Ledger
	registry   *registry.Registry
	queue      *queue.Queue
	dispatcher *dispatcher.Dispatcher
	settler    *settlement.Settler
	watchdog   *watchdog.Watchdog
	hub        *session.Hub
	api        *api.API

	monitor *connmonitor.Monitor
	rl      *ratelimit.RateLimit

	httpServer *http.Server
	listener   net.Listener

	tg threadgroup.ThreadGroup
}

// New assembles a Coordinator. It opens the store and builds every
// component but does not yet listen or start background loops; call Start
// for that.
func New(config Config) (*Coordinator, error) {
	log, err := persist.NewLogger(config.PersistDir, "coordinator")
	if err != nil {
		return nil, errors.AddContext(err, "unable to create coordinator logger")
	}

	st, err := store.Open(config.DBPath)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open store")
	}

	reg := registry.New()
	q := queue.New(config.QueueCapacity)

	led := ledger.New(st, ledger.Config{
		CostRatePerSecond: config.CostRatePerSecond,
		CostBase:          config.CostBase,
		InitialCredits:    config.InitialCredits,
	})

	disp := dispatcher.New(st, reg, q, dispatcher.Config{CoordinatorOwner: config.CoordinatorOwner}, log)

	settler := settlement.New(st, led, reg, settlement.Config{WorkerRewardFraction: config.WorkerRewardFraction}, log)

	wd := watchdog.New(st, reg, q, watchdog.Config{
		Period:                  config.WatchdogPeriod,
		HeartbeatStaleThreshold: config.HeartbeatStaleThreshold,
		OfflineThreshold:        config.OfflineThreshold,
	}, log, disp.Trigger)

	hub := session.New(st, reg, disp, settler, session.Config{
		HandshakeTimeout: config.HandshakeTimeout,
		MaxFrameBytes:    config.MaxFrameBytes,
		WriteTimeout:     config.WriteTimeout,
		IdleTimeout:      config.IdleTimeout,
		CoordinatorOwner: config.CoordinatorOwner,
	}, log)

	a := api.New(st, led, reg, q, disp, hub, api.Config{
		SupportedLanguages:    config.SupportedLanguages,
		MaxCodeBytes:          config.MaxCodeBytes,
		DefaultTimeoutSeconds: config.DefaultTimeoutSeconds,
		CoordinatorOwner:      config.CoordinatorOwner,
		RecentWindowSeconds:   config.RecentWindowSeconds,
	}, log)

	c := &Coordinator{
		config:     config,
		log:        log,
		store:      st,
		ledger:     led,
		registry:   reg,
		queue:      q,
		dispatcher: disp,
		settler:    settler,
		watchdog:   wd,
		hub:        hub,
		api:        a,
		monitor:    connmonitor.NewMonitor(),
	}
	if config.DownloadSpeed > 0 || config.UploadSpeed > 0 {
		c.rl = ratelimit.NewRateLimit(config.DownloadSpeed, config.UploadSpeed, 0)
	} else {
		c.rl = ratelimit.NewRateLimit(0, 0, 0)
	}
	return c, nil
}

// monitoredListener wraps net.Listener.Accept so that every accepted
// connection is bandwidth-monitored and ratelimited before any protocol
// framing begins, the same point in the connection's life the teacher
// wraps at in skymodules/gateway/conn.go's staticDial (the dial side of the
// same pattern applied here to the accept side).
type monitoredListener struct {
	net.Listener
	monitor *connmonitor.Monitor
	rl      *ratelimit.RateLimit
	stop    <-chan struct{}
}

func (l *monitoredListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	conn = connmonitor.NewMonitoredConn(conn, l.monitor)
	conn = ratelimit.NewRLConn(conn, l.rl, l.stop)
	return conn, nil
}

// Start opens the listener and launches every background loop. It returns
// once the HTTP server is serving in the background.
func (c *Coordinator) Start() error {
	if err := c.tg.Add(); err != nil {
		return err
	}
	defer c.tg.Done()

	ln, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		return errors.AddContext(err, "unable to listen")
	}
	c.listener = &monitoredListener{Listener: ln, monitor: c.monitor, rl: c.rl, stop: c.tg.StopChan()}

	c.httpServer = &http.Server{Handler: c.api}

	if err := c.requeuePendingJobs(); err != nil {
		ln.Close()
		return errors.AddContext(err, "unable to requeue pending jobs")
	}

	if err := c.dispatcher.Start(); err != nil {
		ln.Close()
		return errors.AddContext(err, "unable to start dispatcher")
	}
	if err := c.watchdog.Start(); err != nil {
		c.dispatcher.Close()
		ln.Close()
		return errors.AddContext(err, "unable to start watchdog")
	}

	go func() {
		if err := c.httpServer.Serve(c.listener); err != nil && err != http.ErrServerClosed {
			c.log.Printf("http server exited: %v", err)
		}
	}()

	c.log.Printf("coordinator listening on %s", c.config.ListenAddr)
	return nil
}

// requeuePendingJobs restores C5's in-memory queue across a restart. A job
// that was queued but never dispatched before the process stopped still has
// an intact store row in JobQueued, but the queue itself is pure in-memory
// state built fresh by queue.New - without this, such a job would sit in
// the store forever, never reaching a worker. Jobs are enqueued in CreatedAt
// order so the restart preserves submission order rather than the store's
// ID-keyed iteration order.
func (c *Coordinator) requeuePendingJobs() error {
	jobs, err := c.store.ListJobsByStatus(modules.JobQueued)
	if err != nil {
		return errors.AddContext(err, "unable to list queued jobs")
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	for _, job := range jobs {
		if err := c.queue.Enqueue(job.ID); err != nil {
			c.log.Printf("coordinator: failed to requeue job %s on startup: %v", job.ID, err)
		}
	}
	return nil
}

// Close stops every background loop, shuts down the HTTP server, and closes
// the store, in the reverse of construction order.
func (c *Coordinator) Close() error {
	var errs []error

	if c.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.watchdog.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.tg.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Compose(errs...)
}

// Store exposes the durable store for callers that need direct read access.
func (c *Coordinator) Store() modules.Store {
	return c.store
}
