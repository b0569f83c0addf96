package sweep

import (
	"container/heap"
	"sync"
	"time"
)

// taskHeap implements heap.Interface over sweep tasks.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// Anti-starvation: every 10 seconds of waiting improves precedence by one
	// priority step, so routine sweeps eventually outrank fresh triggers.
	now := time.Now()
	const agingFactorSeconds = 10.0

	effI := float64(h[i].Priority) - now.Sub(h[i].SubmitTime).Seconds()/agingFactorSeconds
	effJ := float64(h[j].Priority) - now.Sub(h[j].SubmitTime).Seconds()/agingFactorSeconds

	if int(effI) == int(effJ) {
		return h[i].SubmitTime.Before(h[j].SubmitTime)
	}
	return effI < effJ
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// TaskQueue is a mutex-guarded priority queue of sweep tasks.
type TaskQueue struct {
	h  taskHeap
	mu sync.Mutex
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{h: make(taskHeap, 0)}
}

func (q *TaskQueue) Push(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, task)
}

func (q *TaskQueue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Task)
}

func (q *TaskQueue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// PushDelayed re-enqueues a task after a delay without blocking the caller.
func (q *TaskQueue) PushDelayed(task *Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Push(task)
	})
}
