// Package workerpool executes submitted jobs on a fixed number of worker
// slots. Admission is bounded by a FIFO queue; a full queue rejects
// immediately rather than blocking the caller. Each slot is an isolated
// goroutine, so a crashing job takes down only its own slot, which the pool
// replaces.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// Job is a unit of work submitted to the pool. Execution holds a slot for
// Duration; Panic makes the job crash its slot at the end of that time, which
// exists so that operators and tests can exercise the failure path.
type Job struct {
	Id       string
	Duration time.Duration
	Panic    bool
}

// Future resolves when the submitted job finishes.
type Future struct {
	done   chan struct{}
	result api.JobResult
	err    error
}

// Done returns a channel that is closed when the job has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the job has finished and returns its outcome. The error
// is of type *tannoyerrors.ErrWorkerFailed if the job crashed its slot.
func (f *Future) Result() (api.JobResult, error) {
	<-f.done
	return f.result, f.err
}

func (f *Future) resolve(result api.JobResult, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

type pendingJob struct {
	job    Job
	future *Future
}

// Pool runs jobs on a fixed set of worker slots fed from a bounded FIFO queue.
type Pool struct {
	slots   int
	pending chan *pendingJob
	jobDb   *JobDb
	clock   util.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   int32
	completed uint64
	failed    uint64
	rejected  uint64
	replaced  uint64
}

// NewPool creates a pool with the given number of slots and queue capacity and
// starts its worker goroutines. Call Stop to shut the pool down.
func NewPool(slots int, queueCapacity int, jobDb *JobDb) (*Pool, error) {
	if slots <= 0 {
		return nil, errors.Errorf("pool slots must be positive, got %d", slots)
	}
	if queueCapacity < 0 {
		return nil, errors.Errorf("pool queue capacity must be non-negative, got %d", queueCapacity)
	}
	if jobDb == nil {
		return nil, errors.New("jobDb must be non-nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		slots:   slots,
		pending: make(chan *pendingJob, queueCapacity),
		jobDb:   jobDb,
		clock:   &util.DefaultClock{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for slotId := 0; slotId < slots; slotId++ {
		pool.startSlot(slotId)
	}
	return pool, nil
}

// Submit queues the job for execution. If the job has no id one is assigned.
// If the queue is full the job is rejected immediately with an
// *tannoyerrors.ErrQueueFull; rejection is counted but records nothing in the
// registry, as the job was never admitted.
func (p *Pool) Submit(job Job) (*Future, error) {
	if job.Id == "" {
		job.Id = util.NewULID()
	}

	pj := &pendingJob{
		job:    job,
		future: &Future{done: make(chan struct{})},
	}

	// Record the row before enqueueing so that a slot picking the job up
	// immediately always finds it in the registry.
	txn := p.jobDb.WriteTxn()
	defer txn.Abort()
	err := p.jobDb.Upsert(txn, []*JobEntry{{
		JobId:       job.Id,
		State:       JobQueued,
		DurationMs:  job.Duration.Milliseconds(),
		SubmittedAt: p.clock.Now().UnixNano(),
		SlotId:      -1,
	}})
	if err != nil {
		return nil, err
	}
	txn.Commit()

	select {
	case p.pending <- pj:
	default:
		atomic.AddUint64(&p.rejected, 1)
		p.deleteEntry(job.Id)
		return nil, errors.WithStack(&tannoyerrors.ErrQueueFull{
			Name:     "workerpool",
			Capacity: cap(p.pending),
		})
	}

	return pj.future, nil
}

// deleteEntry removes a registry row written for a job that was then rejected.
func (p *Pool) deleteEntry(id string) {
	txn := p.jobDb.WriteTxn()
	defer txn.Abort()
	if err := p.jobDb.BatchDelete(txn, []string{id}); err != nil {
		log.WithError(err).Errorf("Failed to remove registry entry for rejected job %s", id)
		return
	}
	txn.Commit()
}

// Status reports a point-in-time snapshot of the pool.
func (p *Pool) Status() api.PoolStatus {
	return api.PoolStatus{
		Slots:         p.slots,
		QueueDepth:    len(p.pending),
		QueueCapacity: cap(p.pending),
		Running:       int(atomic.LoadInt32(&p.running)),
		Completed:     atomic.LoadUint64(&p.completed),
		Failed:        atomic.LoadUint64(&p.failed),
		Rejected:      atomic.LoadUint64(&p.rejected),
		Replaced:      atomic.LoadUint64(&p.replaced),
	}
}

// Recent returns up to limit registry rows, newest first.
func (p *Pool) Recent(limit int) ([]*JobEntry, error) {
	txn := p.jobDb.ReadTxn()
	return p.jobDb.GetRecent(txn, limit)
}

// Get returns the registry row for the given job id, or nil if unknown.
func (p *Pool) Get(id string) (*JobEntry, error) {
	txn := p.jobDb.ReadTxn()
	return p.jobDb.GetById(txn, id)
}

// PurgeFinished removes terminal registry rows older than the given age and
// returns how many were removed. Run periodically as a background task.
func (p *Pool) PurgeFinished(olderThan time.Duration) (int, error) {
	cutoff := p.clock.Now().Add(-olderThan).UnixNano()
	txn := p.jobDb.WriteTxn()
	defer txn.Abort()
	purged, err := p.jobDb.PurgeFinishedBefore(txn, cutoff)
	if err != nil {
		return 0, err
	}
	txn.Commit()
	return purged, nil
}

// Stop shuts the pool down: slots finish their in-flight jobs and exit, and
// any jobs still queued have their futures resolved with an error.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	for {
		select {
		case pj := <-p.pending:
			pj.future.resolve(api.JobResult{JobId: pj.job.Id}, errors.New("worker pool stopped"))
		default:
			return
		}
	}
}

func (p *Pool) startSlot(slotId int) {
	p.wg.Add(1)
	go p.runSlot(slotId)
}

// runSlot is the slot goroutine: it executes queued jobs one at a time until
// the pool is stopped. If a job panics, the panic propagates here; the slot
// goroutine is abandoned and a replacement started, so one crashing job can
// never take the pool below its configured parallelism.
func (p *Pool) runSlot(slotId int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Worker slot %d crashed: %v; starting replacement", slotId, r)
			atomic.AddUint64(&p.replaced, 1)
			if p.ctx.Err() == nil {
				p.startSlot(slotId)
			}
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case pj := <-p.pending:
			p.runJob(slotId, pj)
		}
	}
}

// runJob executes one job, updating the registry on start and finish and
// resolving the job's future. A panicking job has its future resolved with an
// *tannoyerrors.ErrWorkerFailed and the panic is re-raised so that runSlot
// replaces the slot.
func (p *Pool) runJob(slotId int, pj *pendingJob) {
	start := p.clock.Now()
	p.markRunning(pj.job.Id, slotId, start)
	atomic.AddInt32(&p.running, 1)

	defer func() {
		atomic.AddInt32(&p.running, -1)
		if r := recover(); r != nil {
			elapsed := p.clock.Now().Sub(start)
			workerErr := &tannoyerrors.ErrWorkerFailed{
				JobId:  pj.job.Id,
				Reason: fmt.Sprintf("%v", r),
			}
			p.markFinished(pj.job.Id, JobFailed, workerErr.Error())
			atomic.AddUint64(&p.failed, 1)
			pj.future.resolve(api.JobResult{
				JobId:     pj.job.Id,
				SlotId:    slotId,
				ElapsedMs: elapsed.Milliseconds(),
				Error:     workerErr.Error(),
			}, errors.WithStack(workerErr))
			panic(r)
		}
	}()

	p.execute(pj.job)

	elapsed := p.clock.Now().Sub(start)
	p.markFinished(pj.job.Id, JobCompleted, "")
	atomic.AddUint64(&p.completed, 1)
	pj.future.resolve(api.JobResult{
		JobId:     pj.job.Id,
		SlotId:    slotId,
		ElapsedMs: elapsed.Milliseconds(),
	}, nil)
}

// execute performs the job's work: it holds the slot for the requested
// duration and optionally crashes.
func (p *Pool) execute(job Job) {
	if job.Duration > 0 {
		select {
		case <-time.After(job.Duration):
		case <-p.ctx.Done():
			// Shutting down; cut the simulated work short.
		}
	}
	if job.Panic {
		panic(fmt.Sprintf("job %s requested a crash", job.Id))
	}
}

func (p *Pool) markRunning(id string, slotId int, startedAt time.Time) {
	txn := p.jobDb.WriteTxn()
	defer txn.Abort()
	entry, err := p.jobDb.GetById(txn, id)
	if err != nil {
		log.WithError(err).Errorf("Failed to load registry entry for job %s", id)
		return
	}
	if entry == nil {
		log.Warnf("No registry entry for running job %s", id)
		return
	}
	updated := entry.copy()
	updated.State = JobRunning
	updated.StartedAt = startedAt.UnixNano()
	updated.SlotId = slotId
	if err := p.jobDb.Upsert(txn, []*JobEntry{updated}); err != nil {
		log.WithError(err).Errorf("Failed to mark job %s running", id)
		return
	}
	txn.Commit()
}

func (p *Pool) markFinished(id string, state string, errorMessage string) {
	txn := p.jobDb.WriteTxn()
	defer txn.Abort()
	entry, err := p.jobDb.GetById(txn, id)
	if err != nil {
		log.WithError(err).Errorf("Failed to load registry entry for job %s", id)
		return
	}
	if entry == nil {
		log.Warnf("No registry entry for finished job %s", id)
		return
	}
	updated := entry.copy()
	updated.State = state
	updated.FinishedAt = p.clock.Now().UnixNano()
	updated.Error = errorMessage
	if err := p.jobDb.Upsert(txn, []*JobEntry{updated}); err != nil {
		log.WithError(err).Errorf("Failed to mark job %s %s", id, state)
		return
	}
	txn.Commit()
}
