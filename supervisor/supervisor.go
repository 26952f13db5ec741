// Package supervisor owns the runtime. It builds the report pipeline, starts
// every enabled listener, runs the schedulers and handles shutdown. One
// listener failing to bind does not stop the rest, the failure is recorded in
// the module registry that the diagnostic surface reports.
package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/hivetrap/hivetrap/backend"
	"github.com/hivetrap/hivetrap/classify"
	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/logger"
	"github.com/hivetrap/hivetrap/monitor"
	"github.com/hivetrap/hivetrap/sensor"
	"github.com/hivetrap/hivetrap/throttle"
)

const (
	// eventBuffer absorbs detection bursts so a slow backend never stalls a
	// protocol session
	eventBuffer = 256

	// pipelineWorkers is how many events are classified and reported in
	// parallel
	pipelineWorkers = 4
)

// shutdownGrace is the window in-flight sessions get between the stop signal
// and the pipeline going away. Var so tests can shorten it.
var shutdownGrace = 5 * time.Second

// ErrNoModulesStarted means every configured listener failed to bind. Run
// returns it so the process can exit non-zero, a honeypot with no open ports
// is not running in any useful sense.
var ErrNoModulesStarted = errors.New("no module could be started")

const (
	StatusRunning = "running"
	StatusError   = "error"
)

type moduleEntry struct {
	name   string
	port   int
	status string
	err    string
}

// Supervisor wires the sensor listeners to the classify, throttle and
// backend stages and keeps the module registry.
type Supervisor struct {
	cfg    *config.Config
	afs    afero.Fs
	client *backend.Client
	cache  *throttle.Cache
	server *monitor.Server

	events chan sensor.Event

	mu      sync.Mutex
	modules []moduleEntry

	// filled during startModules, read-only afterwards
	sweepables []sensor.Sweepable
}

func New(cfg *config.Config, afs afero.Fs) *Supervisor {
	s := &Supervisor{
		cfg: cfg,
		afs: afs,
		cache: throttle.NewCache(throttle.Policy{
			TTL:             cfg.Env.IPCacheTTL,
			MaxReportsPerIP: cfg.Env.MaxReportsPerIP,
			UniqueTypesOnly: cfg.Env.ReportUniqueTypesOnly,
		}),
		client: backend.NewClient(cfg, afs),
		events: make(chan sensor.Event, eventBuffer),
	}
	s.server = monitor.NewServer(cfg, s.client, s.cache, monitor.NewHub(), s.ModuleStates)
	return s
}

// Client returns the backend client shared by the pipeline and schedulers.
func (s *Supervisor) Client() *backend.Client { return s.client }

// Run starts everything and blocks until the context is cancelled. It
// returns ErrNoModulesStarted when not a single listener could bind, any
// other outcome is a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	zlog := logger.GetLogger()

	if s.cfg.Env.ClearSpoolOnStart && !s.client.Offline() {
		if err := s.client.Spool().Clear(); err != nil {
			zlog.Warn().Err(err).Msg("unable to clear the spool at startup")
		} else {
			zlog.Debug().Msg("spool cleared at startup")
		}
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var workers errgroup.Group
	for i := 0; i < pipelineWorkers; i++ {
		workers.Go(func() error {
			s.runWorker(workerCtx)
			return nil
		})
	}

	started := s.startModules(ctx)
	if started == 0 {
		stopWorkers()
		_ = workers.Wait()
		return ErrNoModulesStarted
	}

	s.client.StartHeartbeat(ctx, s.cfg.Env.HeartbeatInterval)
	s.client.StartReplay(ctx)
	s.cache.StartJanitor(ctx)
	sensor.StartJanitor(ctx, s.sweepables...)

	zlog.Info().
		Int("modules", started).
		Str("version", config.Version).
		Bool("offline", s.client.Offline()).
		Msg("hivetrap is up")

	<-ctx.Done()

	zlog.Info().Dur("grace", shutdownGrace).Msg("shutdown requested, draining in-flight sessions")
	time.Sleep(shutdownGrace)
	stopWorkers()
	_ = workers.Wait()
	return nil
}

// emit is the sink handed to every listener. It never blocks a protocol
// session: when the buffer is full the event is dropped and counted against
// the log instead.
func (s *Supervisor) emit(event sensor.Event) {
	select {
	case s.events <- event:
	default:
		zlog := logger.GetLogger()
		zlog.Warn().
			Str("ip", event.SourceIP).
			Str("kind", event.Kind).
			Msg("event buffer full, dropping event")
	}
}

func (s *Supervisor) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.events:
			s.process(ctx, event)
		}
	}
}

// process runs one event through filter, classify, throttle and report.
func (s *Supervisor) process(ctx context.Context, event sensor.Event) {
	zlog := logger.GetLogger()

	if s.cfg.Filtering.FilterSource(net.ParseIP(event.SourceIP)) {
		zlog.Debug().
			Str("ip", event.SourceIP).
			Str("kind", event.Kind).
			Msg("source is in never_report_subnets, dropping event")
		return
	}

	attack := classify.Enhance(classify.Observation{
		SourceIP:     event.SourceIP,
		InternalKind: event.Kind,
		Description:  event.Description,
		Evidence:     event.Evidence,
		Frequency:    event.Frequency,
	})

	alog := logger.AttackLog()
	alog.Info().
		Str("ip", attack.SourceIP).
		Str("attack_type", string(attack.Type)).
		Str("category", string(attack.Category)).
		Int("severity", attack.Severity).
		Int("score", attack.Score).
		Str("description", attack.Description).
		Strs("evidence", attack.Evidence).
		Msg("attack detected")

	decision := s.cache.Decide(attack.SourceIP, attack.Type, time.Now())
	if !decision.Admit {
		slog := logger.SuspiciousLog()
		slog.Info().
			Str("ip", attack.SourceIP).
			Str("attack_type", string(attack.Type)).
			Str("reason", decision.Reason).
			Msg("report suppressed")
		if s.cfg.Env.StoreThrottledAttacks {
			if err := s.client.StoreThrottled(attack); err != nil {
				zlog.Err(err).Str("ip", attack.SourceIP).Msg("unable to store throttled attack")
			}
		}
		return
	}

	s.server.Hub().Publish("attack", attack)

	// Report logs and spools its own failures
	_ = s.client.Report(ctx, attack)
}

// startModules builds and starts every enabled listener and returns how many
// came up. The two SMTP ports share one tracker bundle so attempts against 25
// and 587 count together, HTTP and HTTPS likewise.
func (s *Supervisor) startModules(ctx context.Context) int {
	zlog := logger.GetLogger()

	patterns := sensor.NewPatterns(s.cfg.Detection)
	ops := s.server.Handler()

	bundle := func() *sensor.Trackers {
		t := sensor.NewTrackers()
		s.sweepables = append(s.sweepables, t.Auth, t.Conns)
		return t
	}
	webTrackers := bundle()
	mailTrackers := bundle()

	started := 0
	start := func(name string, port int, build func() (sensor.Listener, error)) {
		entry := moduleEntry{name: name, port: port, status: StatusRunning}

		listener, err := build()
		if err == nil {
			err = listener.Start(ctx)
		}
		if err != nil {
			entry.status = StatusError
			entry.err = err.Error()
			zlog.Err(err).Str("module", name).Int("port", port).Msg("module failed to start")
		} else {
			started++
		}

		s.mu.Lock()
		s.modules = append(s.modules, entry)
		s.mu.Unlock()
	}

	modules := s.cfg.Env.Modules
	if modules.HTTP.Enabled {
		start("http", modules.HTTP.Port, func() (sensor.Listener, error) {
			listener := sensor.NewHTTP(s.cfg, s.emit, webTrackers, patterns, ops)
			s.sweepables = append(s.sweepables, listener)
			return listener, nil
		})
	}
	if modules.HTTPS.Enabled {
		start("https", modules.HTTPS.Port, func() (sensor.Listener, error) {
			listener, err := sensor.NewHTTPS(s.cfg, s.afs, s.emit, webTrackers, patterns, ops)
			if err != nil {
				return nil, err
			}
			s.sweepables = append(s.sweepables, listener)
			return listener, nil
		})
	}
	if modules.SSH.Enabled {
		start("ssh", modules.SSH.Port, func() (sensor.Listener, error) {
			return sensor.NewSSH(s.cfg, s.afs, s.emit, bundle())
		})
	}
	if modules.FTP.Enabled {
		start("ftp", modules.FTP.Port, func() (sensor.Listener, error) {
			return sensor.NewFTP(s.cfg, s.emit, bundle()), nil
		})
	}
	if modules.SMTP.Enabled {
		start("smtp", modules.SMTP.Port, func() (sensor.Listener, error) {
			return sensor.NewSMTP(s.cfg, s.emit, mailTrackers, patterns, "smtp", modules.SMTP.Port), nil
		})
	}
	if modules.SMTPSubmission.Enabled {
		start("smtp-submission", modules.SMTPSubmission.Port, func() (sensor.Listener, error) {
			return sensor.NewSMTP(s.cfg, s.emit, mailTrackers, patterns, "smtp-submission", modules.SMTPSubmission.Port), nil
		})
	}
	if modules.POP3.Enabled {
		start("pop3", modules.POP3.Port, func() (sensor.Listener, error) {
			return sensor.NewPOP3(s.cfg, s.emit, bundle()), nil
		})
	}
	if modules.IMAP.Enabled {
		start("imap", modules.IMAP.Port, func() (sensor.Listener, error) {
			return sensor.NewIMAP(s.cfg, s.emit, bundle()), nil
		})
	}
	if modules.MySQL.Enabled {
		start("mysql", modules.MySQL.Port, func() (sensor.Listener, error) {
			return sensor.NewMySQL(s.cfg, s.emit, bundle()), nil
		})
	}

	return started
}

// ModuleStates renders the registry for the diagnostic surface.
func (s *Supervisor) ModuleStates() []monitor.ModuleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]monitor.ModuleState, 0, len(s.modules))
	for _, entry := range s.modules {
		states = append(states, monitor.ModuleState{
			Name:   entry.name,
			Port:   entry.port,
			Status: entry.status,
			Error:  entry.err,
		})
	}
	return states
}
