package router

import (
	"sync"

	"vigil-engine/internal/models"
)

// subEntry 单个订阅的运行时条目：有界 FIFO 队列 + 状态
// 溢出时先丢最老的非关键消息；关键报警永不丢弃
type subEntry struct {
	sub Subscription

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []models.Envelope
	maxQueue int
	closed   bool
	degraded bool
}

func newSubEntry(sub Subscription, maxQueue int) *subEntry {
	e := &subEntry{
		sub:      sub,
		maxQueue: maxQueue,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// enqueue 入队；返回被挤掉的非关键消息数量
// 关闭后的入队被拒绝（取消订阅后至多排空已入队的消息）
func (e *subEntry) enqueue(env models.Envelope) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0
	}

	dropped := 0
	if len(e.queue) >= e.maxQueue {
		if env.IsCritical() {
			// 关键消息：挤掉最老的非关键消息腾位；全是关键消息时允许
			// 队列短暂越界（关键消息数量本身有升级策略兜底）
			for i, queued := range e.queue {
				if !queued.IsCritical() {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					dropped++
					break
				}
			}
		} else {
			// 非关键消息：丢最老的非关键消息；没有可丢的就丢弃本条
			removed := false
			for i, queued := range e.queue {
				if !queued.IsCritical() {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					dropped++
					removed = true
					break
				}
			}
			if !removed {
				return 1
			}
		}
	}

	e.queue = append(e.queue, env)
	e.cond.Signal()
	return dropped
}

// dequeue 出队；队列空且已关闭时返回 false（投递循环退出）
func (e *subEntry) dequeue() (models.Envelope, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.queue) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return models.Envelope{}, false
	}

	env := e.queue[0]
	e.queue = e.queue[1:]
	return env, true
}

// close 停止接收新消息并唤醒投递循环
func (e *subEntry) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *subEntry) markDegraded() {
	e.mu.Lock()
	e.degraded = true
	e.mu.Unlock()
}

func (e *subEntry) isDegraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}
