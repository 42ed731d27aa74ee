package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/config"
	"caption-scheduler/internal/models"
	"caption-scheduler/internal/notify"
	"caption-scheduler/internal/queue"
	"caption-scheduler/internal/store"
)

// Handler produces a result for a dispatched job.
type Handler func(ctx context.Context, job models.Job) (string, error)

// Processor drives the worker execution loop: poll the queue manager for the
// next dispatchable job, run the handler, report completion, and trigger
// auto-retry for transient failures. It also hosts the caller-driven sweeps
// (timeout enforcement, stuck-task clearing, retention cleanup) the queue
// manager does not schedule itself.
type Processor struct {
	cfg      config.Config
	queue    *queue.Manager
	store    store.Store
	handler  Handler
	notifier notify.Notifier
	log      *logrus.Logger

	// sweepAdminID is resolved lazily; the stuck-task sweep runs under a
	// system admin identity.
	sweepAdminID string
}

// NewProcessor builds a worker processor around the queue manager.
func NewProcessor(cfg config.Config, qm *queue.Manager, st store.Store, handler Handler, notifier notify.Notifier, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	return &Processor{
		cfg:      cfg,
		queue:    qm,
		store:    st,
		handler:  handler,
		notifier: notifier,
		log:      log,
	}
}

// Run polls until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	sweepInterval := p.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	pollInterval := p.cfg.WorkerPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweepTicker.C:
			p.sweep(ctx)
		default:
		}

		job, ok, err := p.queue.GetNextTask(ctx)
		if err != nil {
			p.log.WithError(err).Warn("dispatch poll failed")
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.queue.DefaultJobTimeout())
	defer cancel()

	start := time.Now()
	result, err := p.handler(jobCtx, job)
	if err == nil {
		p.queue.Complete(ctx, job.ID, true, "")
		if nerr := p.notifier.NotifyUser(ctx, job.UserID, "Caption ready", result); nerr != nil {
			p.log.WithError(nerr).WithField("job_id", job.ID).Warn("completion notification failed")
		}
		p.log.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("job completed")
		return
	}

	p.queue.Complete(ctx, job.ID, false, err.Error())
	p.log.WithError(err).WithField("job_id", job.ID).Warn("job failed")

	if p.queue.ShouldAutoRetry(ctx, job.ID, errorType(err)) {
		newID, rerr := p.queue.RetryFailedTask(ctx, job.ID)
		if rerr != nil {
			p.log.WithError(rerr).WithField("job_id", job.ID).Warn("auto-retry submission failed")
			return
		}
		p.log.WithFields(logrus.Fields{"job_id": job.ID, "retry_job_id": newID}).Info("auto-retry scheduled")
	}
}

// errorType maps a handler failure onto the retry allow-list vocabulary.
func errorType(err error) string {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.Type
	}
	return ""
}

// sweep runs the periodic maintenance passes the deployment would otherwise
// drive via cron: per-job timeout enforcement, stuck-task clearing, and
// retention cleanup.
func (p *Processor) sweep(ctx context.Context) {
	adminID, err := p.adminID(ctx)
	if err != nil {
		p.log.WithError(err).Warn("sweep skipped: no system admin")
		return
	}

	running, err := p.queue.GetAllTasks(ctx, adminID, models.StatusRunning, 0)
	if err != nil {
		p.log.WithError(err).Warn("sweep: listing running jobs failed")
	} else {
		for _, job := range running {
			if _, err := p.queue.EnforceJobTimeout(ctx, job.ID); err != nil {
				p.log.WithError(err).WithField("job_id", job.ID).Warn("timeout enforcement failed")
			}
		}
	}

	threshold := int(p.cfg.StuckTaskThreshold.Minutes())
	if _, err := p.queue.ClearStuckTasks(ctx, adminID, threshold); err != nil {
		p.log.WithError(err).Warn("stuck-task sweep failed")
	}

	retention := int(p.cfg.CompletedRetention.Hours())
	if _, err := p.queue.CleanupCompletedTasks(ctx, retention); err != nil {
		p.log.WithError(err).Warn("retention cleanup failed")
	}

	if err := p.queue.RefreshConfiguration(ctx); err != nil {
		p.log.WithError(err).Warn("configuration refresh failed")
	}
}

func (p *Processor) adminID(ctx context.Context) (string, error) {
	if p.sweepAdminID != "" {
		return p.sweepAdminID, nil
	}
	admin, err := p.store.FindSystemAdmin(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve sweep admin: %w", err)
	}
	p.sweepAdminID = admin.ID
	return admin.ID, nil
}
