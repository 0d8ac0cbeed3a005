package cron

import (
	"context"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/tracing"
)

const (
	// GroupSubscriptions serializes jobs that touch subscription state
	GroupSubscriptions = "subscriptions"
	// GroupReceipts serializes jobs that touch notification receipts
	GroupReceipts = "receipts"

	// LeaseDuration is how long a lease lasts before needing renewal
	LeaseDuration = 15 * time.Second
	// RenewDeadline is how long a leader has to renew its lease
	RenewDeadline = 10 * time.Second
	// RetryPeriod is how long to wait between leadership attempts
	RetryPeriod = 2 * time.Second

	jobTimeout = 5 * time.Minute
)

var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupSubscriptions: new(sync.Mutex),
		GroupReceipts:      new(sync.Mutex),
	},
}

// CronManager runs the periodic maintenance jobs. With a kubernetes client
// only the elected leader schedules them, so one pod renews subscriptions.
type CronManager struct {
	cfg           *config.CronConfig
	log           logger.Logger
	cron          *cronv3.Cron
	k8s           kubernetes.Interface
	stopCh        chan struct{}
	stopOnce      sync.Once
	jobIDs        map[string]cronv3.EntryID
	subscriptions interfaces.SubscriptionManager
	dispatcher    interfaces.ChangeDispatcher
	mu            sync.Mutex
}

func NewCronManager(cfg *config.CronConfig, log logger.Logger, k8s kubernetes.Interface, subscriptions interfaces.SubscriptionManager, dispatcher interfaces.ChangeDispatcher) *CronManager {
	return &CronManager{
		cfg:           cfg,
		log:           log,
		k8s:           k8s,
		stopCh:        make(chan struct{}),
		jobIDs:        make(map[string]cronv3.EntryID),
		subscriptions: subscriptions,
		dispatcher:    dispatcher,
	}
}

// Start schedules the jobs. Without a kubernetes client, or in local mode, it
// schedules them right away.
func (cm *CronManager) Start(ctx context.Context) error {
	if cm.k8s == nil || cm.cfg.LocalMode {
		cm.log.Info("Starting cron manager in local mode")
		return cm.StartCron()
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cm.cfg.LeaseName,
			Namespace: cm.cfg.Namespace,
		},
		Client: cm.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cm.cfg.PodName,
		},
	}

	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   LeaseDuration,
		RenewDeadline:   RenewDeadline,
		RetryPeriod:     RetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				if err := cm.StartCron(); err != nil {
					cm.log.Errorf("Failed to start crons after winning leadership: %v", err)
				}
			},
			OnStoppedLeading: func() {
				cm.log.Info("Leader lost - stopping crons")
				cm.stopCron()
			},
			OnNewLeader: func(identity string) {
				cm.log.Infof("New leader elected: %s", identity)
			},
		},
	})
	if err != nil {
		cm.log.Warnf("Leader election failed, falling back to local mode: %v", err)
		return cm.StartCron()
	}

	go func() {
		defer tracing.RecoverAndLogToJaeger(cm.log)
		le.Run(ctx)
	}()
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (cm *CronManager) Stop() {
	cm.stopCron()
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

func (cm *CronManager) stopCron() {
	cm.mu.Lock()
	c := cm.cron
	cm.cron = nil
	cm.mu.Unlock()
	if c != nil {
		cm.log.Info("Stopping cron manager")
		<-c.Stop().Done()
	}
}

func (cm *CronManager) registerJobs(c *cronv3.Cron) error {
	if cm.cfg.CronScheduleHeartbeat != "" {
		podName := cm.cfg.PodName
		if err := cm.addJob(c, "heartbeat", cm.cfg.CronScheduleHeartbeat, "", func(ctx context.Context) {
			cm.log.Infof("Cron heartbeat from pod: %s", podName)
		}); err != nil {
			return err
		}
	}
	if cm.cfg.CronScheduleSubscriptionRenewal != "" {
		if err := cm.addJob(c, "subscription_renewal", cm.cfg.CronScheduleSubscriptionRenewal, GroupSubscriptions, cm.renewSubscriptions); err != nil {
			return err
		}
	}
	if cm.cfg.CronScheduleReceiptPrune != "" {
		if err := cm.addJob(c, "receipt_prune", cm.cfg.CronScheduleReceiptPrune, GroupReceipts, cm.pruneReceipts); err != nil {
			return err
		}
	}
	return nil
}

func (cm *CronManager) addJob(c *cronv3.Cron, name, schedule, group string, job func(ctx context.Context)) error {
	id, err := c.AddFunc(schedule, func() {
		defer tracing.RecoverAndLogToJaeger(cm.log)
		if group != "" {
			jobLocks.Lock()
			l := jobLocks.locks[group]
			jobLocks.Unlock()
			l.Lock()
			defer l.Unlock()
		}
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		job(ctx)
	})
	if err != nil {
		return err
	}
	cm.jobIDs[name] = id
	cm.log.Infof("Registered %s job with schedule: %s", name, schedule)
	return nil
}

// StartCron creates the scheduler with seconds precision, registers the jobs
// and starts it. Calling it while running is a no-op.
func (cm *CronManager) StartCron() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cron != nil {
		return nil
	}

	cm.log.Info("Starting cron manager")
	c := cronv3.New(
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	)
	if err := cm.registerJobs(c); err != nil {
		return err
	}
	c.Start()
	cm.cron = c
	return nil
}

func (cm *CronManager) renewSubscriptions(ctx context.Context) {
	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.renewSubscriptions")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	renewed, err := cm.subscriptions.RenewDue(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Subscription renewal sweep failed: %v", err)
		return
	}
	span.LogKV("renewed", renewed)
	if renewed > 0 {
		cm.log.Infof("Renewed %d subscriptions", renewed)
	}
}

func (cm *CronManager) pruneReceipts(ctx context.Context) {
	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.pruneReceipts")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	pruned, err := cm.dispatcher.PruneReceipts(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Receipt prune failed: %v", err)
		return
	}
	span.LogKV("pruned", pruned)
	cm.log.Debugf("Pruned %d notification receipts", pruned)
}
