package retry

import (
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

const DefaultSubscribePeriod = 10 * time.Second

// SubscriptionTimer runs one periodic task per packet identifier until the
// matching acknowledgment cancels it.
type SubscriptionTimer struct {
	period  time.Duration
	mu      sync.Mutex
	tasks   map[uint16]chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewSubscriptionTimer(period time.Duration) *SubscriptionTimer {
	if period <= 0 {
		period = DefaultSubscribePeriod
	}
	return &SubscriptionTimer{
		period: period,
		tasks:  make(map[uint16]chan struct{}),
	}
}

// Schedule starts task every period for id. An id that is already scheduled
// keeps its existing task and false is returned.
func (t *SubscriptionTimer) Schedule(id uint16, task func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if _, exists := t.tasks[id]; exists {
		return false
	}
	stop := make(chan struct{})
	t.tasks[id] = stop
	t.wg.Add(1)
	go t.run(id, stop, task)
	return true
}

func (t *SubscriptionTimer) run(id uint16, stop <-chan struct{}, task func()) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			logger.DebugF("Resending unacknowledged subscription request %d", id)
			task()
		}
	}
}

// Cancel stops the task for id, leaving every other id untouched.
func (t *SubscriptionTimer) Cancel(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	stop, exists := t.tasks[id]
	if !exists {
		return false
	}
	close(stop)
	delete(t.tasks, id)
	return true
}

func (t *SubscriptionTimer) Scheduled(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.tasks[id]
	return exists
}

func (t *SubscriptionTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Stop cancels every task and waits for them to return.
func (t *SubscriptionTimer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for id, stop := range t.tasks {
		close(stop)
		delete(t.tasks, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
