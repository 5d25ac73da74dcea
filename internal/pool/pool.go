// Package pool implements the Pool facade of spec.md §4.7: one Pool
// instance per logical worker family, owning its exchanges, queues,
// policies, tracker, queue controller, driver reconciliation, and message
// processors.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/broker"
	"github.com/osrd-project/osrdyne/internal/config"
	"github.com/osrd-project/osrdyne/internal/driver"
	"github.com/osrd-project/osrdyne/internal/metrics"
	"github.com/osrd-project/osrdyne/internal/processor"
	"github.com/osrd-project/osrdyne/internal/queuecontroller"
	"github.com/osrd-project/osrdyne/internal/resilience"
	"github.com/osrd-project/osrdyne/internal/tracker"
)

// Pool encapsulates everything spec.md §4 describes for one worker family.
type Pool struct {
	cfg      config.PoolConfig
	conn     *broker.Conn
	mgmt     *broker.ManagementClient
	drv      driver.Driver
	topology broker.Topology
	logger   *logrus.Entry
	metrics  *metrics.Collectors

	tr         *tracker.Tracker
	controller *queuecontroller.Controller
	reconciler *driverReconciler
	sweeper    *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the topology for a pool from its config and wires its
// dependencies; call Setup then Start to bring it up. collectors may be nil
// to disable metrics recording (e.g. in tests).
func New(cfg config.PoolConfig, conn *broker.Conn, mgmt *broker.ManagementClient, drv driver.Driver, collectors *metrics.Collectors, logger *logrus.Entry) *Pool {
	prefix := cfg.PoolID + "-req-"
	topology := broker.Topology{
		RequestExchange:    cfg.PoolID + "-requests",
		OrphanExchange:     cfg.PoolID + "-orphan",
		DeadLetterExch:     cfg.PoolID + "-deadletter",
		ActivityExchange:   cfg.PoolID + "-activity",
		OrphanQueue:        cfg.PoolID + "-orphan-q",
		DeadLetterQueue:    cfg.PoolID + "-deadletter-q",
		ActivityQueue:      cfg.PoolID + "-activity-q",
		RequestQueuePrefix: prefix,
	}
	return &Pool{
		cfg:      cfg,
		conn:     conn,
		mgmt:     mgmt,
		drv:      drv,
		topology: topology,
		metrics:  collectors,
		logger:   logger.WithField("pool", cfg.PoolID),
	}
}

// Setup declares the four exchanges and three utility queues, binds them,
// and installs the two policies (spec.md §4.7 "setup").
func (p *Pool) Setup(ctx context.Context) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := broker.DeclareTopology(ch, p.topology); err != nil {
		return err
	}

	ops := p.newBrokerOps()
	if err := ops.SetExchangePolicy(ctx); err != nil {
		return err
	}
	return ops.SetQueuePolicy(ctx)
}

func (p *Pool) newBrokerOps() queuecontroller.BrokerOps {
	args := amqp.Table{}
	for k, v := range p.cfg.RequestQueueArguments {
		args[k] = v
	}
	return queuecontroller.NewLiveBrokerOps(p.conn, p.mgmt, p.topology, args)
}

// Start spawns the tracker, the queue controller, the driver reconciler,
// and the three message processors (spec.md §4.7 "start"). It returns
// immediately; call Shutdown to stop everything.
func (p *Pool) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	p.tr = tracker.New(p.cfg.UnbindDelay, p.cfg.DeleteDelay, p.cfg.TimeoutAllowance, p.logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tr.Run()
	}()

	if staleKeys, err := queuecontroller.ObservedKeys(ctx, p.newBrokerOps(), p.logger); err != nil {
		p.logger.WithError(err).Error("startup queue listing failed, tracker starting with no seeded keys")
	} else if len(staleKeys) > 0 {
		if err := p.tr.Seed(ctx, staleKeys); err != nil {
			return err
		}
	}

	controllerFeed, err := p.tr.Subscribe(ctx)
	if err != nil {
		return err
	}
	p.controller = queuecontroller.New(p.newBrokerOps(), controllerFeed, p.logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.controller.Run(ctx)
	}()

	if p.cfg.ConsistencySweepCron != "" {
		p.sweeper = cron.New()
		controller := p.controller
		logger := p.logger
		_, err := p.sweeper.AddFunc(p.cfg.ConsistencySweepCron, func() {
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := controller.TriggerSweep(sweepCtx); err != nil {
				logger.WithError(err).Warn("consistency sweep failed")
			}
		})
		if err != nil {
			return err
		}
		p.sweeper.Start()
	}

	driverFeed, err := p.tr.Subscribe(ctx)
	if err != nil {
		return err
	}
	p.reconciler = newDriverReconciler(p.drv, resilience.DefaultRetryConfig(), p.logger)
	if p.metrics != nil {
		p.reconciler.OnError(func() { p.metrics.DriverErrorsTotal.WithLabelValues(p.cfg.PoolID).Inc() })
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconciler.run(ctx, driverFeed)
	}()

	if p.metrics != nil {
		metricsFeed, err := p.tr.Subscribe(ctx)
		if err != nil {
			return err
		}
		controllerMetricsFeed, err := p.controller.Subscribe(ctx)
		if err != nil {
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.recordMetrics(ctx, metricsFeed, controllerMetricsFeed)
		}()
	}

	if err := p.startProcessors(ctx); err != nil {
		return err
	}
	return nil
}

// recordMetrics mirrors tracker generations and controller-observed queue
// counts into the shared Prometheus collectors until ctx is canceled.
func (p *Pool) recordMetrics(ctx context.Context, trackerFeed <-chan tracker.TargetState, controllerFeed <-chan queuecontroller.QueuesState) {
	seenRefused := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case ts, ok := <-trackerFeed:
			if !ok {
				return
			}
			p.metrics.TargetGeneration.WithLabelValues(p.cfg.PoolID).Set(float64(ts.Generation))
		case qs, ok := <-controllerFeed:
			if !ok {
				return
			}
			var active, unbound float64
			stillRefused := make(map[string]struct{})
			for key, obs := range qs.Keys {
				switch obs.Status {
				case queuecontroller.ObservedActive:
					active++
				case queuecontroller.ObservedUnbound:
					unbound++
				case queuecontroller.ObservedDeleteRefused:
					stillRefused[key] = struct{}{}
					if _, already := seenRefused[key]; !already {
						p.metrics.DeleteRefusedTotal.WithLabelValues(p.cfg.PoolID).Inc()
					}
				}
			}
			seenRefused = stillRefused
			p.metrics.QueuesActive.WithLabelValues(p.cfg.PoolID).Set(active)
			p.metrics.QueuesUnbound.WithLabelValues(p.cfg.PoolID).Set(unbound)
		}
	}
}

func (p *Pool) startProcessors(ctx context.Context) error {
	activityCh, err := p.conn.Channel()
	if err != nil {
		return err
	}
	activityDeliveries, err := broker.Consume(activityCh, p.topology.ActivityQueue, p.cfg.PoolID+"-activity", 200)
	if err != nil {
		return err
	}
	activity := processor.NewActivityProcessor(p.tr, activityDeliveries, p.logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer activityCh.Close()
		activity.Run(ctx)
	}()

	orphanCh, err := p.conn.Channel()
	if err != nil {
		return err
	}
	orphanDeliveries, err := broker.Consume(orphanCh, p.topology.OrphanQueue, p.cfg.PoolID+"-orphan", 200)
	if err != nil {
		return err
	}
	orphan := processor.NewOrphanProcessor(
		p.tr,
		p.controller,
		&requestPublisher{conn: p.conn, topology: p.topology},
		orphanDeliveries,
		p.cfg.ExtraLifetimeGrace,
		p.orphanReadyTimeout(),
		p.logger,
	)
	if p.metrics != nil {
		orphan.OnTimeout(func() { p.metrics.OrphanTimeoutTotal.WithLabelValues(p.cfg.PoolID).Inc() })
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer orphanCh.Close()
		orphan.Run(ctx)
	}()

	deadletterCh, err := p.conn.Channel()
	if err != nil {
		return err
	}
	deadletterDeliveries, err := broker.Consume(deadletterCh, p.topology.DeadLetterQueue, p.cfg.PoolID+"-deadletter", 50)
	if err != nil {
		return err
	}
	deadletter := processor.NewDeadLetterProcessor(&replyPublisher{conn: p.conn}, deadletterDeliveries, p.logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer deadletterCh.Close()
		deadletter.Run(ctx)
	}()

	return nil
}

func (p *Pool) orphanReadyTimeout() time.Duration {
	if p.cfg.OrphanReadyTimeout > 0 {
		return p.cfg.OrphanReadyTimeout
	}
	return processor.DefaultOrphanReadyTimeout
}

// Shutdown triggers orderly shutdown of every spawned actor and waits for
// them to finish (spec.md §4.7 "dropping it triggers orderly shutdown").
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.sweeper != nil {
		p.sweeper.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}

	var result *multierror.Error
	if p.tr != nil {
		if err := p.tr.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if p.controller != nil {
		if err := p.controller.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return result.ErrorOrNil()
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
		return result.ErrorOrNil()
	}
}

// WorkerStatus answers {Unscheduled, Started, Ready, Error} for one key by
// combining the tracker's target, the controller's observed status, and
// the driver's live worker inventory (spec.md §4.7).
func (p *Pool) WorkerStatus(ctx context.Context, key string) WorkerStatus {
	sub, err := p.tr.Subscribe(ctx)
	if err != nil {
		return Unscheduled
	}
	target, ok := (<-sub).Status(key)
	if !ok {
		return Unscheduled
	}
	_ = target

	_, hasWorker := p.reconciler.workerFor(key)
	if !hasWorker {
		return Started
	}

	statesCh, err := p.controller.Subscribe(ctx)
	if err != nil {
		return Started
	}
	observed := <-statesCh
	obs, ok := observed.Status(key)
	if !ok {
		return Started
	}
	switch obs.Status {
	case queuecontroller.ObservedActive:
		return Ready
	case queuecontroller.ObservedDeleteRefused:
		return Error
	default:
		return Started
	}
}
