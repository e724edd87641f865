// Package listener implements the Message Listener: the long-lived loop
// that maintains a session with the orchestration service and hands each
// accepted job to a Dispatcher, one at a time.
package listener

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/dedup"
	"github.com/addison-moore/fleetrunner/internal/dispatcher"
	"github.com/addison-moore/fleetrunner/internal/metrics"
	"github.com/addison-moore/fleetrunner/internal/throttle"
	"github.com/addison-moore/fleetrunner/internal/tracing"
	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("fleetrunner-listener")

// SettingsApplier applies a RunnerRefreshConfig update to the external
// settings store. The core carries no persisted state of its own (§6), so
// this is a collaborator supplied by the caller.
type SettingsApplier interface {
	Apply(ctx context.Context, settings types.RunnerSettings) error
}

// Listener owns the poll loop, the dedup store, and the single Dispatcher
// it hands jobs to.
type Listener struct {
	client     *client
	dispatcher *dispatcher.Dispatcher
	throttler  *throttle.ErrorThrottler
	dedupStore dedup.Store
	settings   SettingsApplier
	metrics    *metrics.Collector
	log        *logrus.Entry

	refreshGroup singleflight.Group

	lastMessageID int64
	cancelReason  chan dispatcher.ShutdownReason
	dispatchWG    sync.WaitGroup

	// mu guards activeJobID, which the poll loop's dispatch goroutine and
	// the signal-driven Shutdown() call both touch from different
	// goroutines.
	mu          sync.Mutex
	activeJobID string

	restartRequested bool
}

// Option configures a Listener at construction.
type Option func(*Listener)

// WithSettingsApplier installs a collaborator that persists RunnerRefreshConfig
// updates. If omitted, refresh messages are logged and otherwise ignored.
func WithSettingsApplier(s SettingsApplier) Option {
	return func(l *Listener) { l.settings = s }
}

// WithDedupStore overrides the default in-memory dedup ring.
func WithDedupStore(s dedup.Store) Option {
	return func(l *Listener) { l.dedupStore = s }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Listener) { l.metrics = m }
}

// New builds a Listener from cfg's API and Dispatcher sections.
func New(cfg config.Config, log *logrus.Entry, opts ...Option) (*Listener, error) {
	c, err := newClient(cfg.API, log)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		client:       c,
		dispatcher:   dispatcher.New(cfg.Dispatcher, log),
		throttler:    throttle.New(log),
		dedupStore:   dedup.NewRing(0),
		log:          log,
		cancelReason: make(chan dispatcher.ShutdownReason, 1),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// RestartRequested reports whether a RunnerRefreshConfig update this
// Listener applied requires a process restart to take full effect.
func (l *Listener) RestartRequested() bool {
	return l.restartRequested
}

// Run drives the poll loop until ctx is cancelled. It never returns
// spontaneously; only ctx cancellation or a NonRetryable failure ends it.
func (l *Listener) Run(ctx context.Context) error {
	l.client.logTokenExpiry()

	defer l.dispatchWG.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pollStart := time.Now()
		msg, err := l.client.getMessage(ctx, l.lastMessageID)
		pollSeconds := time.Since(pollStart).Seconds()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !apierrors.IsRetryable(err) {
				l.log.WithError(err).Error("non-retryable failure polling for messages, stopping listener")
				l.recordPoll("non_retryable_error", pollSeconds)
				return err
			}
			l.log.WithError(err).Warn("retryable failure polling for messages")
			l.recordPoll("retryable_error", pollSeconds)
			if l.metrics != nil {
				l.metrics.SetThrottleDelay(l.throttler.CurrentDelay().Seconds())
			}
			if !l.throttler.Wait(ctx) {
				return nil
			}
			continue
		}

		l.throttler.Reset()
		if l.metrics != nil {
			l.metrics.SetThrottleDelay(l.throttler.CurrentDelay().Seconds())
		}
		l.recordPoll("ok", pollSeconds)

		if msg == nil {
			continue
		}
		l.lastMessageID = msg.MessageID

		if err := l.handleMessage(ctx, *msg); err != nil {
			l.log.WithError(err).WithField("message_id", msg.MessageID).Warn("failed to handle message")
		}

		if err := l.client.deleteMessage(ctx, msg.MessageID); err != nil {
			l.log.WithError(err).WithField("message_id", msg.MessageID).Warn("failed to acknowledge message")
		}
	}
}

func (l *Listener) recordPoll(outcome string, seconds float64) {
	if l.metrics != nil {
		l.metrics.RecordPoll(outcome, seconds)
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg types.BrokerMessage) error {
	switch msg.MessageType {
	case types.MessageKindJobRequest:
		return l.handleJobRequest(ctx, msg)
	case types.MessageKindJobCancellation:
		return l.handleJobCancellation(msg)
	case types.MessageKindRunnerRefreshConfig:
		return l.handleRefreshConfig(ctx, msg)
	default:
		l.log.WithField("message_type", msg.MessageType).Warn("unknown broker message type, ignoring")
		return nil
	}
}

func (l *Listener) handleJobRequest(ctx context.Context, msg types.BrokerMessage) error {
	var job types.JobMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return apierrors.NewValidationError("message_body", "json", err.Error())
	}

	seen, err := l.dedupStore.SeenBefore(ctx, job.JobID)
	if err != nil {
		l.log.WithError(err).Warn("dedup store lookup failed, dispatching anyway")
	} else if seen {
		l.log.WithField("job_id", job.JobID).Info("duplicate job message, already dispatched")
		return nil
	}

	if l.getActiveJobID() != "" {
		l.log.WithField("job_id", job.JobID).Warn("job request received while another job is active, ignoring")
		return nil
	}

	spanCtx, span := tracer.Start(ctx, "job.dispatch",
		trace.WithAttributes(attribute.String("job.id", job.JobID), attribute.String("job.plan_id", job.PlanID)),
	)
	job.TraceParent = tracing.Inject(spanCtx)

	l.setActiveJobID(job.JobID)
	if l.metrics != nil {
		l.metrics.SetJobActive(true)
	}

	// Dispatch runs in its own goroutine so the poll loop above keeps
	// calling getMessage while the job is in flight: a JobCancellation
	// for this job must reach handleJobCancellation (and l.cancelReason)
	// without waiting for the job to finish first.
	l.dispatchWG.Add(1)
	go func() {
		defer l.dispatchWG.Done()
		defer span.End()
		defer func() {
			l.setActiveJobID("")
			if l.metrics != nil {
				l.metrics.SetJobActive(false)
			}
		}()

		handle, err := l.dispatcher.Dispatch(spanCtx, job, l.cancelReason)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.log.WithError(err).WithField("job_id", job.JobID).Error("job dispatch failed")
			return
		}

		span.SetAttributes(attribute.String("job.result", handle.Result.String()))
		if l.metrics != nil {
			l.metrics.RecordJobDispatched(handle.Result.String())
		}
	}()

	return nil
}

func (l *Listener) getActiveJobID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeJobID
}

func (l *Listener) setActiveJobID(id string) {
	l.mu.Lock()
	l.activeJobID = id
	l.mu.Unlock()
}

func (l *Listener) handleJobCancellation(msg types.BrokerMessage) error {
	var body types.JobCancellationBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return apierrors.NewValidationError("message_body", "json", err.Error())
	}

	if body.JobID != l.getActiveJobID() {
		l.log.WithField("job_id", body.JobID).Debug("cancellation for a job that is not currently active, ignoring")
		return nil
	}

	select {
	case l.cancelReason <- dispatcher.UserCancelled:
	default:
	}
	return nil
}

// handleRefreshConfig applies a settings update via singleflight so a burst
// of redelivered refresh messages collapses into one apply call.
func (l *Listener) handleRefreshConfig(ctx context.Context, msg types.BrokerMessage) error {
	var settings types.RunnerSettings
	if err := json.Unmarshal(msg.Body, &settings); err != nil {
		return apierrors.NewValidationError("message_body", "json", err.Error())
	}

	_, err, _ := l.refreshGroup.Do("apply", func() (interface{}, error) {
		if l.settings == nil {
			l.log.WithField("runner_name", settings.RunnerName).Info("received settings refresh, no applier configured")
			return nil, nil
		}
		return nil, l.settings.Apply(ctx, settings)
	})
	if err != nil {
		return err
	}

	if settings.RequiresRestart {
		l.restartRequested = true
		l.log.Info("settings refresh requires a runner restart")
	}
	return nil
}

// Shutdown sends an OperatingSystemShutdown cancellation for any in-flight
// job. It does not cancel the poll loop itself; the caller's context does.
func (l *Listener) Shutdown() {
	if l.getActiveJobID() == "" {
		return
	}
	select {
	case l.cancelReason <- dispatcher.OperatingSystemShutdown:
	default:
	}
}
