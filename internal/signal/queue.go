package signal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sylaw2022/ChatApp/internal/metrics"
	"github.com/sylaw2022/ChatApp/internal/models"
)

// Queue 为按用户维度的内存信令队列，是轮询通道的事件来源。
// 语义：
//   - Enqueue 追加未读条目；超过容量上限时丢弃最旧条目（呼叫类事件以最新状态为准）
//   - Drain 返回 未读条目（标记为已读）+ 已读但仍在保留窗口内的条目，
//     因此相邻两次快速轮询可能重复看到同一事件，由客户端按事件 ID 去重
//   - 未读条目超过 TTL 后不再可见；已读条目超过保留窗口后回收
//   - 后台清扫协程周期性回收过期条目与空队列
type Queue struct {
	mu    sync.RWMutex
	users map[string]*userQueue

	ttl       time.Duration // 未读条目可见窗口
	retention time.Duration // 已读条目保留窗口
	cap       int           // 单用户容量上限

	now  func() time.Time // 测试注入
	stop chan struct{}
	done chan struct{}
}

type entry struct {
	ev       *models.Event
	enqueued time.Time
	read     bool
	readAt   time.Time
}

type userQueue struct {
	mu      sync.Mutex
	entries []*entry
	dead    bool // 清扫已将本队列从 users 表摘除，不可再写入
}

func NewQueue(ttl, retention time.Duration, capacity int) *Queue {
	return &Queue{
		users:     make(map[string]*userQueue),
		ttl:       ttl,
		retention: retention,
		cap:       capacity,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动后台清扫；interval 通常取 TTL 的几分之一。
func (q *Queue) Start(interval time.Duration) {
	go func() {
		defer close(q.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-t.C:
				q.sweep()
			}
		}
	}()
}

func (q *Queue) Shutdown(ctx context.Context) error {
	close(q.stop)
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) userQueue(userID string) *userQueue {
	q.mu.RLock()
	uq := q.users[userID]
	q.mu.RUnlock()
	if uq != nil {
		return uq
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if uq = q.users[userID]; uq == nil {
		uq = &userQueue{}
		q.users[userID] = uq
	}
	return uq
}

// Enqueue 追加事件到目标用户的队列。队列满时丢弃最旧条目并记录。
// 取到的队列可能恰好被清扫摘除（dead），此时重取，避免写入孤儿队列丢事件。
func (q *Queue) Enqueue(ev *models.Event) {
	for {
		uq := q.userQueue(ev.TargetUserID)
		uq.mu.Lock()
		if uq.dead {
			uq.mu.Unlock()
			continue
		}
		uq.entries = append(uq.entries, &entry{ev: ev, enqueued: q.now()})
		metrics.QueueDepth.Inc()
		if over := len(uq.entries) - q.cap; over > 0 {
			log.Printf("signal queue overflow user=%s dropped=%d", ev.TargetUserID, over)
			uq.entries = uq.entries[over:]
			metrics.QueueDepth.Sub(float64(over))
		}
		uq.mu.Unlock()
		return
	}
}

// Drain 返回用户当前可见的事件并标记未读条目为已读。
// 返回顺序与入队顺序一致；已读但在保留窗口内的条目也会返回（容忍重复轮询）。
func (q *Queue) Drain(userID string) []*models.Event {
	q.mu.RLock()
	uq := q.users[userID]
	q.mu.RUnlock()
	if uq == nil {
		return nil
	}

	now := q.now()
	uq.mu.Lock()
	defer uq.mu.Unlock()

	var out []*models.Event
	kept := uq.entries[:0]
	for _, e := range uq.entries {
		if e.read {
			if now.Sub(e.readAt) < q.retention {
				out = append(out, e.ev)
				kept = append(kept, e)
			} else {
				metrics.QueueDepth.Dec()
			}
			continue
		}
		if now.Sub(e.enqueued) >= q.ttl {
			metrics.QueueDepth.Dec()
			continue
		}
		e.read = true
		e.readAt = now
		out = append(out, e.ev)
		kept = append(kept, e)
	}
	uq.entries = kept
	return out
}

// Depth 返回用户队列的当前条目数（含已读保留条目），用于观测与测试。
func (q *Queue) Depth(userID string) int {
	q.mu.RLock()
	uq := q.users[userID]
	q.mu.RUnlock()
	if uq == nil {
		return 0
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return len(uq.entries)
}

// sweep 回收过期条目与空队列。
func (q *Queue) sweep() {
	now := q.now()

	q.mu.RLock()
	ids := make([]string, 0, len(q.users))
	for id := range q.users {
		ids = append(ids, id)
	}
	q.mu.RUnlock()

	for _, id := range ids {
		q.mu.RLock()
		uq := q.users[id]
		q.mu.RUnlock()
		if uq == nil {
			continue
		}
		uq.mu.Lock()
		kept := uq.entries[:0]
		for _, e := range uq.entries {
			expired := (e.read && now.Sub(e.readAt) >= q.retention) ||
				(!e.read && now.Sub(e.enqueued) >= q.ttl)
			if expired {
				metrics.QueueDepth.Dec()
				continue
			}
			kept = append(kept, e)
		}
		uq.entries = kept
		empty := len(uq.entries) == 0
		uq.mu.Unlock()

		if empty {
			q.mu.Lock()
			// 复查：持锁窗口之间可能有新入队
			if cur := q.users[id]; cur == uq {
				cur.mu.Lock()
				if len(cur.entries) == 0 {
					cur.dead = true
					delete(q.users, id)
				}
				cur.mu.Unlock()
			}
			q.mu.Unlock()
		}
	}
}
