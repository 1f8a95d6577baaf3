// Package timerq 共享定时器队列：广播节奏和报警升级的轻量调度任务
// 都跑在同一个模式上 —— 每个键一个堆条目加一个共享工作池，而不是
// 每个键一个 goroutine，数万 Agent/报警下资源有界
package timerq

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type entry struct {
	key   string
	at    time.Time
	index int // 堆内下标；-1 表示已移除
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue 定时器队列
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	entries map[string]*entry
	wake    chan struct{}
	fire    func(key string)
	workers int
}

// New 创建定时器队列；到期的键由 workers 个工作协程回调 fire
func New(workers int, fire func(key string)) *Queue {
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		fire:    fire,
		workers: workers,
	}
}

// Schedule 设置或更新键的触发时间
func (q *Queue) Schedule(key string, at time.Time) {
	q.mu.Lock()
	if e, ok := q.entries[key]; ok {
		e.at = at
		heap.Fix(&q.heap, e.index)
	} else {
		e = &entry{key: key, at: at}
		q.entries[key] = e
		heap.Push(&q.heap, e)
	}
	q.mu.Unlock()
	q.kick()
}

// Cancel 移除键的定时器（确定性取消：之后不会再触发）
func (q *Queue) Cancel(key string) {
	q.mu.Lock()
	if e, ok := q.entries[key]; ok {
		delete(q.entries, key)
		if e.index >= 0 {
			heap.Remove(&q.heap, e.index)
		}
	}
	q.mu.Unlock()
	q.kick()
}

// Pending 键是否有待触发的定时器
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	return ok
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run 调度循环：单 goroutine 守着堆顶，到期键交给工作池（阻塞直到 ctx 取消）
func (q *Queue) Run(ctx context.Context) {
	due := make(chan string)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range due {
				q.fire(key)
			}
		}()
	}
	defer func() {
		close(due)
		wg.Wait()
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var ready []string
		now := time.Now()
		for q.heap.Len() > 0 && !q.heap[0].at.After(now) {
			e := heap.Pop(&q.heap).(*entry)
			delete(q.entries, e.key)
			ready = append(ready, e.key)
		}
		wait := time.Hour
		if q.heap.Len() > 0 {
			wait = time.Until(q.heap[0].at)
		}
		q.mu.Unlock()

		for _, key := range ready {
			select {
			case due <- key:
			case <-ctx.Done():
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}
