package manager

import (
	"container/heap"
	"sync"
	"time"

	"github.com/w1217358955/BszM3u8Downloader/internal/logger"
)

type queueItem struct {
	id        string
	createdAt time.Time
	index     int
}

// taskHeap implements heap.Interface as a min-heap on createdAt, so a freed
// slot always promotes the oldest waiting task (FIFO fairness).
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].id < h[j].id
	}
	return h[i].createdAt.Before(h[j].createdAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1
	*h = old[:n-1]
	return item
}

// queueProcessor bounds how many tasks are simultaneously active. activateFn
// must block for as long as the task occupies a slot; when it returns, the
// slot frees and exactly one waiting task is promoted.
type queueProcessor struct {
	mu            sync.Mutex
	cond          *sync.Cond
	heap          taskHeap
	queued        map[string]bool
	activateFn    func(string)
	maxConcurrent int
	activeCount   int
	stopCh        <-chan struct{}
}

// newQueueProcessor creates and starts the processor loop. Closing stopCh
// shuts the dispatch loop down.
func newQueueProcessor(maxConcurrent int, activateFn func(string), stopCh <-chan struct{}) *queueProcessor {
	qp := &queueProcessor{
		heap:          make(taskHeap, 0),
		queued:        make(map[string]bool),
		activateFn:    activateFn,
		maxConcurrent: maxConcurrent,
		stopCh:        stopCh,
	}
	qp.cond = sync.NewCond(&qp.mu)

	go qp.dispatchLoop()

	// Wake any waiting cond.Wait when asked to stop.
	go func() {
		<-stopCh
		qp.cond.L.Lock()
		qp.cond.Broadcast()
		qp.cond.L.Unlock()
	}()

	return qp
}

// Enqueue adds a task for activation. Re-enqueueing an already waiting task
// is a no-op.
func (q *queueProcessor) Enqueue(id string, createdAt time.Time) {
	q.mu.Lock()
	if q.queued[id] {
		q.mu.Unlock()
		return
	}
	q.queued[id] = true
	heap.Push(&q.heap, &queueItem{id: id, createdAt: createdAt})
	logger.Debugf("enqueued task %s", id)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *queueProcessor) dispatchLoop() {
	for {
		q.mu.Lock()
		for q.activeCount >= q.maxConcurrent || len(q.heap) == 0 {
			q.cond.Wait()
			select {
			case <-q.stopCh:
				q.mu.Unlock()
				return
			default:
			}
		}

		select {
		case <-q.stopCh:
			q.mu.Unlock()
			return
		default:
		}

		item := heap.Pop(&q.heap).(*queueItem)
		delete(q.queued, item.id)
		q.activeCount++
		q.mu.Unlock()

		go func(id string) {
			defer func() {
				q.mu.Lock()
				q.activeCount--
				q.cond.Signal()
				q.mu.Unlock()
			}()

			logger.Debugf("activating task %s", id)
			q.activateFn(id)
		}(item.id)
	}
}
