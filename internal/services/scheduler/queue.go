package scheduler

import (
	"sync"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/models"
)

// queueEntry pairs a job id with its dispatch ordering key. The sequence
// number is taken from a monotonic counter at push time; within a priority
// bucket dispatch order is FIFO by sequence.
type queueEntry struct {
	jobID string
	seq   uint64
}

// priorityQueue holds the ids of jobs waiting for dispatch, bucketed by
// priority. Only ids live here; the job store stays authoritative, so losing
// the queue loses nothing durable. The queue is bounded: admission past the
// limit is refused with a QueueFull error.
type priorityQueue struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	size    int
	buckets [3][]queueEntry
}

func newPriorityQueue(limit int) *priorityQueue {
	return &priorityQueue{limit: limit}
}

// Push appends the job to its priority bucket. Returns a QueueFull error
// when the queue is at capacity.
func (q *priorityQueue) Push(jobID string, priority models.JobPriority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.limit {
		return common.NewErrorf(common.KindQueueFull,
			"queue is full (%d jobs waiting), retry later", q.size)
	}

	q.seq++
	rank := priority.Rank()
	q.buckets[rank] = append(q.buckets[rank], queueEntry{jobID: jobID, seq: q.seq})
	q.size++
	return nil
}

// Pop removes and returns the head of the highest-priority non-empty bucket.
func (q *priorityQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for rank := range q.buckets {
		bucket := q.buckets[rank]
		if len(bucket) == 0 {
			continue
		}
		head := bucket[0]
		q.buckets[rank] = bucket[1:]
		q.size--
		return head.jobID, true
	}
	return "", false
}

// Remove deletes the job from whichever bucket holds it. A linear scan is
// fine at the depths this queue is bounded to.
func (q *priorityQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for rank := range q.buckets {
		bucket := q.buckets[rank]
		for i, e := range bucket {
			if e.jobID != jobID {
				continue
			}
			q.buckets[rank] = append(bucket[:i], bucket[i+1:]...)
			q.size--
			return true
		}
	}
	return false
}

// Depth reports the number of queued jobs.
func (q *priorityQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
