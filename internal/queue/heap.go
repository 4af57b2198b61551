package queue

import "container/heap"

// heapEntry keeps a stable sequence number so jobs with equal priority
// dequeue in enqueue order.
type heapEntry struct {
	job *Job
	seq uint64
}

type jobHeap []heapEntry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if h[i].job.Priority != h[k].job.Priority {
		return h[i].job.Priority > h[k].job.Priority
	}
	return h[i].seq < h[k].seq
}

func (h jobHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(heapEntry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = heapEntry{}
	*h = old[:n-1]
	return e
}

// push and pop are the locked-section helpers; callers hold q.mu.
func (q *Queue) push(j *Job) {
	q.seq++
	heap.Push(&q.heap, heapEntry{job: j, seq: q.seq})
}

func (q *Queue) pop() *Job {
	return heap.Pop(&q.heap).(heapEntry).job
}
