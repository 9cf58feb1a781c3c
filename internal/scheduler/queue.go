package scheduler

import (
	"sort"
	"time"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// taskQueue is the FIFO of tasks sharing one QueueID.
type taskQueue struct {
	id    crawler.QueueID
	items []*crawler.FetchTask
	head  int
}

func newTaskQueue(id crawler.QueueID) *taskQueue {
	return &taskQueue{id: id}
}

func (q *taskQueue) push(task *crawler.FetchTask) {
	q.items = append(q.items, task)
}

func (q *taskQueue) pop() *crawler.FetchTask {
	if q.head >= len(q.items) {
		return nil
	}
	task := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Compact once the consumed prefix dominates the backing array.
	if q.head > 32 && q.head*2 >= len(q.items) {
		q.items = append([]*crawler.FetchTask(nil), q.items[q.head:]...)
		q.head = 0
	}
	return task
}

func (q *taskQueue) len() int {
	return len(q.items) - q.head
}

// priorityLevel holds the queues of one priority with a round-robin cursor.
type priorityLevel struct {
	priority int
	ids      []crawler.QueueID
	next     int
}

func (l *priorityLevel) remove(id crawler.QueueID) {
	for i, existing := range l.ids {
		if existing != id {
			continue
		}
		l.ids = append(l.ids[:i], l.ids[i+1:]...)
		if l.next > i {
			l.next--
		}
		break
	}
	if l.next >= len(l.ids) {
		l.next = 0
	}
}

// levelSet keeps priority levels ordered highest priority first.
type levelSet struct {
	levels []*priorityLevel
}

func (s *levelSet) add(id crawler.QueueID) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return s.levels[i].priority <= id.Priority
	})
	if i < len(s.levels) && s.levels[i].priority == id.Priority {
		s.levels[i].ids = append(s.levels[i].ids, id)
		return
	}
	level := &priorityLevel{priority: id.Priority, ids: []crawler.QueueID{id}}
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = level
}

func (s *levelSet) remove(id crawler.QueueID) {
	for i, level := range s.levels {
		if level.priority != id.Priority {
			continue
		}
		level.remove(id)
		if len(level.ids) == 0 {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
		}
		return
	}
}

// pendingKey correlates a dispatched task with its completion.
type pendingKey struct {
	queue crawler.QueueID
	item  int64
}

// pendingTable tracks dispatched tasks until they are finished or expire.
type pendingTable struct {
	entries map[pendingKey]*crawler.FetchTask
	byItem  map[int64]pendingKey
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[pendingKey]*crawler.FetchTask),
		byItem:  make(map[int64]pendingKey),
	}
}

func (p *pendingTable) put(task *crawler.FetchTask) {
	key := pendingKey{queue: task.QueueID(), item: task.ItemID}
	p.entries[key] = task
	p.byItem[task.ItemID] = key
}

func (p *pendingTable) get(key pendingKey) (*crawler.FetchTask, bool) {
	task, ok := p.entries[key]
	return task, ok
}

func (p *pendingTable) remove(key pendingKey) (*crawler.FetchTask, bool) {
	task, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	delete(p.entries, key)
	delete(p.byItem, key.item)
	return task, true
}

func (p *pendingTable) removeByItem(itemID int64) (*crawler.FetchTask, bool) {
	key, ok := p.byItem[itemID]
	if !ok {
		return nil, false
	}
	return p.remove(key)
}

// expired removes and returns every entry dispatched at or before cutoff.
func (p *pendingTable) expired(cutoff time.Time) []*crawler.FetchTask {
	var out []*crawler.FetchTask
	for key, task := range p.entries {
		if task.PendingStart.After(cutoff) {
			continue
		}
		delete(p.entries, key)
		delete(p.byItem, key.item)
		out = append(out, task)
	}
	return out
}

func (p *pendingTable) len() int {
	return len(p.entries)
}
