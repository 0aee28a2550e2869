// Package daemon assembles and runs the preference controller: the control
// loop, the applier that owns the applied state, and the process lifecycle
// around them (instance lock, PID and status files, health endpoint).
package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/minepref/pkg/daemon/broadcaster"
	"github.com/jamesainslie/minepref/pkg/daemon/metrics"
	"github.com/jamesainslie/minepref/pkg/daemon/store"
	"github.com/jamesainslie/minepref/pkg/gate"
	"github.com/jamesainslie/minepref/pkg/minepref/config"
	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/policy"
	"github.com/jamesainslie/minepref/pkg/rpc"
	"github.com/jamesainslie/minepref/pkg/telemetry"
)

// Daemon is a fully wired controller process.
type Daemon struct {
	cfg *config.Config
	log *logging.Logger

	lock    *InstanceLock
	store   store.Store
	history *history.History
	metrics *metrics.Metrics

	node      *rpc.Client
	telemetry []*rpc.Client

	events       *broadcaster.Broadcaster
	subscriber   *broadcaster.Subscriber
	subscription *rpc.Subscription

	applier    *Applier
	controller *Controller
	status     *StatusReporter

	server     *Server
	metricsSrv *metrics.Server
}

// New validates cfg, takes the instance lock and builds every component.
// Nothing talks to the node until Run.
func New(cfg *config.Config) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d = &Daemon{cfg: cfg, log: logging.Get("daemon")}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.Close())
			d = nil
		}
	}()

	if d.lock, err = AcquireLock(cfg.Daemon.LockPath); err != nil {
		return d, err
	}
	d.log.Debug("instance lock held", "path", d.lock.Path())
	RecoverFromStaleDaemon(cfg.Daemon.PIDPath, cfg.Daemon.SocketPath)

	if d.store, err = store.Open(cfg.State.Backend, cfg.State.Path); err != nil {
		return d, fmt.Errorf("opening state store: %w", err)
	}

	var recorder Recorder
	if cfg.History.Enabled {
		if d.history, err = history.New(cfg.History.Path); err != nil {
			return d, err
		}
		recorder = d.history
	}

	d.metrics = metrics.New()

	if d.node, err = d.newClient(cfg.Node.HTTP); err != nil {
		return d, err
	}

	if cfg.Subscription.Enabled {
		d.events = broadcaster.New()
		d.subscriber = d.events.Subscribe(cfg.Subscription.Buffer)
		d.subscription, err = rpc.NewSubscription(rpc.SubscriptionConfig{
			Endpoint:       cfg.Node.WS,
			Method:         cfg.Subscription.Method,
			Params:         []any{cfg.Subscription.Topic},
			InitialBackoff: cfg.Subscription.InitialBackoff,
			MaxBackoff:     cfg.Subscription.MaxBackoff,
			Observer:       d.metrics,
		}, d.events)
		if err != nil {
			return d, err
		}
	}

	sampler, err := d.newSampler()
	if err != nil {
		return d, err
	}

	calc, err := policy.New(cfg.Preference.Policy)
	if err != nil {
		return d, err
	}
	g, err := gate.New(cfg.Preference.ThresholdPercent)
	if err != nil {
		return d, err
	}

	d.applier, err = NewApplier(ApplierConfig{
		Caller:      d.node,
		Store:       d.store,
		Method:      cfg.Apply.Method,
		Encoding:    Encoding(cfg.Apply.Encoding),
		Target:      preference.SliceID(cfg.Apply.Target),
		ReadMethod:  cfg.Apply.ReadMethod,
		MinInterval: cfg.Apply.MinInterval,
		History:     recorder,
	})
	if err != nil {
		return d, err
	}

	d.status = NewStatusReporter(cfg.Daemon.StatusPath, StatusFile{
		Status:           StatusStarting,
		Node:             cfg.Node.HTTP,
		Policy:           cfg.Preference.Policy,
		ThresholdPercent: cfg.Preference.ThresholdPercent,
		Coinbase:         coinbase(cfg.Coinbase),
	}, d.subscriptionStatus)

	controllerCfg := ControllerConfig{
		Sampler:    sampler,
		Calculator: calc,
		Gate:       g,
		Applier:    d.applier,
		Interval:   cfg.Loop.Interval,
		Trigger:    Trigger(cfg.Loop.Trigger),
		Observers:  []CycleObserver{d.status, CycleObserverFunc(d.recordMetrics)},
	}
	if d.subscriber != nil {
		controllerCfg.Wake = d.subscriber.Wake()
	}
	if d.controller, err = NewController(controllerCfg); err != nil {
		return d, err
	}

	return d, nil
}

func (d *Daemon) newClient(endpoint string) (*rpc.Client, error) {
	return rpc.NewClient(rpc.Config{
		Endpoint:     endpoint,
		Timeout:      d.cfg.Node.Timeout,
		MaxRetries:   d.cfg.Node.MaxRetries,
		RetryInitial: d.cfg.Node.RetryInitial,
		RetryMax:     d.cfg.Node.RetryMax,
		Observer:     d.metrics,
	})
}

// telemetryClient reuses the node client when the endpoints match.
func (d *Daemon) telemetryClient(endpoint string) (*rpc.Client, error) {
	if endpoint == d.node.Endpoint() {
		return d.node, nil
	}
	for _, c := range d.telemetry {
		if c.Endpoint() == endpoint {
			return c, nil
		}
	}
	c, err := d.newClient(endpoint)
	if err != nil {
		return nil, err
	}
	d.telemetry = append(d.telemetry, c)
	return c, nil
}

func (d *Daemon) newSampler() (*telemetry.Sampler, error) {
	cfg := d.cfg
	scfg := telemetry.Config{
		Mode:      telemetry.Mode(cfg.Telemetry.Mode),
		Method:    cfg.Telemetry.Method,
		Params:    cfg.Telemetry.Params,
		QiSlice:   preference.SliceID(cfg.Telemetry.Token.QiSlice),
		QuaiSlice: preference.SliceID(cfg.Telemetry.Token.QuaiSlice),
		Window:    cfg.Telemetry.Window,
	}
	if d.subscriber != nil {
		scfg.Events = d.subscriber
		// Token mode has a single probe and always folds into it.
		if scfg.Mode == telemetry.ModeZone {
			scfg.EventSlice = preference.SliceID(cfg.Subscription.Slice)
			if scfg.EventSlice == "" {
				d.log.Warn("subscription.slice not set, heads wake the loop but are not folded into a probe")
			}
		}
	}

	divisor, err := cfg.QiDivisor()
	if err != nil {
		return nil, err
	}
	scfg.QiDivisor = divisor

	if scfg.Mode == telemetry.ModeToken {
		c, err := d.telemetryClient(cfg.TelemetryEndpoint())
		if err != nil {
			return nil, err
		}
		scfg.Probes = []telemetry.Probe{{Slice: "zone", Caller: c}}
	} else {
		for _, s := range cfg.Telemetry.Slices {
			c, err := d.telemetryClient(s.Endpoint)
			if err != nil {
				return nil, err
			}
			scfg.Probes = append(scfg.Probes, telemetry.Probe{Slice: preference.SliceID(s.ID), Caller: c})
		}
	}

	sampler, err := telemetry.NewSampler(scfg)
	if err != nil {
		return nil, err
	}
	d.log.Info("telemetry configured", "mode", scfg.Mode, "slices", sampler.Slices())
	return sampler, nil
}

func (d *Daemon) subscriptionStatus() SubscriptionStatus {
	if d.subscription == nil {
		return SubscriptionStatus{}
	}
	return SubscriptionStatus{
		Enabled:    true,
		Connected:  d.subscription.Available(),
		Reconnects: d.subscription.Reconnects(),
	}
}

func (d *Daemon) recordMetrics(r CycleResult) {
	d.metrics.CycleDone(string(r.Outcome), r.Finished, r.Decision.Magnitude, r.Dropped)
	if r.Candidate != nil {
		d.metrics.SetCandidate(r.Candidate)
	}
	if r.Applied != nil {
		d.metrics.SetApplied(r.Applied.Preference)
	}
}

// Controller exposes the control loop, mainly for tests and the CLI's dry runs.
func (d *Daemon) Controller() *Controller {
	return d.controller
}

// Run checks that the node is reachable, then runs the subscription, the
// control loop and the health server until ctx is done. Any returned error
// is a startup failure.
func (d *Daemon) Run(ctx context.Context) error {
	d.status.SetStatus(StatusStarting, nil)

	if err := WritePIDFile(d.cfg.Daemon.PIDPath); err != nil {
		return d.fail(fmt.Errorf("writing PID file: %w", err))
	}

	if err := d.probe(ctx); err != nil {
		if ctx.Err() != nil {
			d.status.SetStatus(StatusStopped, nil)
			d.log.Info("shutdown requested during startup probe")
			return nil
		}
		return d.fail(err)
	}

	if d.history != nil {
		if n, err := d.history.Cleanup(d.cfg.History.RetentionDays); err != nil {
			d.log.Warn("history cleanup failed", "error", err)
		} else if n > 0 {
			d.log.Info("pruned history", "removed", n)
		}
	}

	var err error
	if d.server, err = NewServer(d.cfg.Daemon.SocketPath); err != nil {
		return d.fail(fmt.Errorf("starting health server: %w", err))
	}
	d.controller.OnCycle(d.server)

	if d.cfg.Metrics.Listen != "" {
		if d.metricsSrv, err = metrics.Start(d.cfg.Metrics.Listen, d.metrics); err != nil {
			return d.fail(fmt.Errorf("starting metrics server: %w", err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(d.server.Serve)
	g.Go(func() error {
		<-gctx.Done()
		return d.server.Close()
	})

	if d.subscription != nil {
		g.Go(func() error { return d.subscription.Run(gctx) })
	}

	g.Go(func() error {
		if err := d.controller.Run(gctx); err != nil {
			return err
		}
		// Stop the other goroutines when the loop ends on its own.
		return context.Canceled
	})

	d.status.SetStatus(StatusRunning, nil)
	d.log.Info("daemon running",
		"node", d.cfg.Node.HTTP,
		"telemetry", d.cfg.Telemetry.Mode,
		"policy", d.cfg.Preference.Policy,
		"threshold_percent", d.cfg.Preference.ThresholdPercent,
	)

	err = g.Wait()
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return d.fail(err)
	}

	d.status.SetStatus(StatusStopped, nil)
	d.log.Info("daemon stopped")
	return nil
}

func (d *Daemon) probe(ctx context.Context) error {
	clients := append([]*rpc.Client{d.node}, d.telemetry...)
	for _, c := range clients {
		if err := c.Probe(ctx, d.cfg.Node.ProbeMethod, d.cfg.Node.StartupRetries); err != nil {
			return fmt.Errorf("node unreachable: %w", err)
		}
	}

	missing, ok, err := d.node.MissingNamespaces(ctx, d.cfg.Node.Namespaces)
	switch {
	case err != nil:
		d.log.Warn("could not list node namespaces", "error", err)
	case !ok:
		d.log.Debug("node does not answer rpc_modules, namespaces not checked")
	case len(missing) > 0:
		d.log.Warn("node does not expose expected namespaces", "missing", missing, "endpoint", d.cfg.Node.HTTP)
	}
	return nil
}

func (d *Daemon) fail(err error) error {
	d.status.SetStatus(StatusError, err)
	d.log.Error("daemon failed", "error", err)
	return err
}

// Close releases every resource held by the daemon.
func (d *Daemon) Close() error {
	var err error
	if d.metricsSrv != nil {
		err = multierr.Append(err, d.metricsSrv.Close())
	}
	if d.server != nil {
		err = multierr.Append(err, d.server.Close())
	}
	if d.events != nil {
		d.events.Close()
	}
	if d.store != nil {
		err = multierr.Append(err, d.store.Close())
	}
	if d.lock != nil {
		_ = RemovePIDFile(d.cfg.Daemon.PIDPath)
		err = multierr.Append(err, d.lock.Release())
	}
	return err
}

func coinbase(c config.CoinbaseConfig) map[string]string {
	out := make(map[string]string, 2)
	if c.Quai != "" {
		out["quai"] = c.Quai
	}
	if c.Qi != "" {
		out["qi"] = c.Qi
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
