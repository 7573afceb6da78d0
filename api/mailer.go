package api

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"shopfloor-api/domain"
)

var mailJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shopfloor_mail_jobs_total",
	Help: "Mail dispatch outcomes.",
}, []string{"result"})

type emailJob struct {
	envelope  domain.EmailEnvelope
	dedupeKey string // key recorded in the deduper (for rollback on enqueue failure)
}

var (
	mailOnce           sync.Once
	mailJobs           chan emailJob
	mailWorkerCount    int
	mailJobBuf         int
	mailEnqueueTimeout time.Duration
	mailHandoffTimeout time.Duration
	bg                 = context.Background()
	mailStore          Storage
	mailDeduper        Deduper
	mailLog            *log.Logger
	mailWG             sync.WaitGroup
)

// shutdownMailer stops worker goroutines and clears shared state. It is intended for tests.
func shutdownMailer() {
	if mailJobs != nil {
		close(mailJobs)
		mailJobs = nil
	}

	mailWG.Wait()

	mailStore = nil
	mailDeduper = nil
	mailLog = nil
	mailWorkerCount = 0
	mailJobBuf = 0
	mailEnqueueTimeout = 0
	mailHandoffTimeout = 0
	mailOnce = sync.Once{}
	mailWG = sync.WaitGroup{}
}

func initMailer(store Storage, deduper Deduper, log *log.Logger) {
	mailOnce.Do(func() {
		mailStore = store
		mailDeduper = deduper
		if log == nil {
			panic("Logger is not initialized")
		}
		mailLog = log

		mailWorkerCount = envInt("MAIL_WORKERS", 8)
		mailJobBuf = envInt("MAIL_BUFFER", 1024)
		mailEnqueueTimeout = envDur("MAIL_ENQUEUE_TIMEOUT", 60*time.Second)
		mailHandoffTimeout = envDur("MAIL_HANDOFF_TIMEOUT", 15*time.Millisecond)

		mailJobs = make(chan emailJob, mailJobBuf)
		for i := 0; i < mailWorkerCount; i++ {
			mailWG.Add(1)
			go mailWorker(i, mailJobs)
		}
		mailLog.Infof("mailer started, workers: %d, buffer: %d, timeout: %v, handoff: %v", mailWorkerCount, mailJobBuf, mailEnqueueTimeout, mailHandoffTimeout)
	})
}

func mailWorker(id int, jobCh <-chan emailJob) {
	defer mailWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, mailEnqueueTimeout)
		err := mailStore.EnqueueEmail(ctx, j.envelope)
		cancel()

		if err != nil {
			rollbackDedupeKey(j.dedupeKey)
			mailJobsTotal.WithLabelValues("failed").Inc()
			mailLog.Errorf("mail enqueue failed, err: %v, to: %s, kind: %s, worker: %d", err, j.envelope.Message.To, j.envelope.Message.Kind, id)
			continue
		}
		mailJobsTotal.WithLabelValues("enqueued").Inc()
	}
}

func rollbackDedupeKey(key string) {
	if key == "" || mailDeduper == nil {
		return
	}
	if err := mailDeduper.Remove(bg, key); err != nil {
		mailLog.Errorf("dedupe rollback failed, err: %v, key: %s", err, key)
	}
}

// sendInviteEmail hands an invitation to the background mailer. Every
// failure path is logged and swallowed; the invite request already
// succeeded.
func sendInviteEmail(env domain.EmailEnvelope, logger *log.Logger) {
	key := "invite:" + env.Message.To
	if mailDeduper != nil {
		added, err := mailDeduper.Add(bg, key)
		if err != nil {
			logger.Warnf("mail dedupe check failed, sending anyway: %v", err)
			key = ""
		} else if !added {
			mailJobsTotal.WithLabelValues("suppressed").Inc()
			logger.Infof("duplicate invite email suppressed, to: %s", env.Message.To)
			return
		}
	} else {
		key = ""
	}

	job := emailJob{envelope: env, dedupeKey: key}
	if tryEnqueueEmail(job) {
		return
	}

	if mailStore == nil {
		logger.Errorf("mailer not initialized, dropping invite, to: %s", env.Message.To)
		rollbackDedupeKey(key)
		return
	}
	if mailLog != nil {
		mailLog.Warn("mail buffer saturated; enqueueing inline")
	}

	enqueueCtx, cancel := context.WithTimeout(bg, mailEnqueueTimeout)
	err := mailStore.EnqueueEmail(enqueueCtx, env)
	cancel()
	if err != nil {
		rollbackDedupeKey(key)
		logger.Errorf("inline mail enqueue failed, err: %v, to: %s", err, env.Message.To)
	}
}

func tryEnqueueEmail(job emailJob) bool {
	if mailJobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(mailJobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if mailHandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(mailHandoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(mailJobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan emailJob, job emailJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan emailJob, job emailJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
