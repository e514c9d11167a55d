package worker

import (
	"context"
	"sync"

	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
)

type WorkerHandler = func(ctx context.Context, workerIndex int, job interface{})

// WorkerManager
// is a job manager based on go routines. Define the number of internal
// workers and hand it a batch with Run, it distributes the jobs among its
// internal pool and returns once every worker has drained its share or the
// context is cancelled. Jobs still queued when the context ends are dropped.
type WorkerManager struct {
	bufferSize     int
	numberOfWorker int
	do             WorkerHandler
}

func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers < 1 {
		numberOfWorkers = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
	}
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

func (w *WorkerManager) Workers() int {
	return w.numberOfWorker
}

// Run
// feeds jobs to the workers and blocks until they are all handled
// or ctx is done. It returns the number of jobs handed to a worker.
func (w *WorkerManager) Run(ctx context.Context, jobs []interface{}) int {
	if w.do == nil || len(jobs) == 0 {
		return 0
	}

	jobChannel := make(chan interface{}, w.bufferSize)
	var waiter sync.WaitGroup
	var mu sync.Mutex
	dispatched := 0

	waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer waiter.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobChannel:
					if !ok {
						return
					}
					if ctx.Err() != nil {
						return
					}
					mu.Lock()
					dispatched++
					mu.Unlock()
					w.do(ctx, index, job)
				}
			}
		}(i)
	}

feed:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			logger.Info("worker manager stopped feeding jobs", "reason", ctx.Err())
			break feed
		case jobChannel <- job:
		}
	}
	close(jobChannel)
	waiter.Wait()

	return dispatched
}
