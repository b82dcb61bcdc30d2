// Package retry resends unacknowledged operations: the Scanner walks the
// outstanding QoS records on a fixed period, and the SubscriptionTimer keeps
// one periodic task per pending subscribe or unsubscribe.
package retry

import (
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"gopkg.in/tomb.v2"
)

const DefaultPeriod = 10 * time.Second

// Sender puts a frame on the currently active connection.
type Sender interface {
	Send(frame packet.Frame) error
}

type ScannerOptions struct {
	// Period is both the scan interval and the minimum age before a record
	// is resent.
	Period time.Duration
	// Capacity bounds the work queue; 0 means unbounded.
	Capacity int
}

type Scanner struct {
	cache    *session.Cache
	sender   Sender
	period   time.Duration
	capacity int

	mu    sync.Mutex
	queue []session.Record
	// scanning 当前扫描批次取走的记录数，仍计入容量
	scanning int

	tmb       tomb.Tomb
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

func NewScanner(cache *session.Cache, sender Sender, opts ScannerOptions) *Scanner {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	return &Scanner{
		cache:    cache,
		sender:   sender,
		period:   opts.Period,
		capacity: opts.Capacity,
	}
}

// Enqueue registers a record for retry. false means the queue is momentarily
// full and the caller must try again.
func (s *Scanner) Enqueue(record session.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.queue)+s.scanning >= s.capacity {
		return false
	}
	s.queue = append(s.queue, record)
	return true
}

func (s *Scanner) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scanner) Period() time.Duration {
	return s.period
}

func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		s.tmb.Go(s.loop)
	})
}

// Stop cancels the scan loop and waits for it to exit.
func (s *Scanner) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			return
		}
		s.tmb.Kill(nil)
		err = s.tmb.Wait()
	})
	return err
}

// Dying is closed once Stop has been called.
func (s *Scanner) Dying() <-chan struct{} {
	return s.tmb.Dying()
}

func (s *Scanner) loop() error {
	logger.DebugF("Retry scanner started, period %s", s.period)
	defer logger.Debug("Retry scanner stopped")

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.tmb.Dying():
			return nil
		case now := <-ticker.C:
			s.scan(now)
		}
	}
}

// eligible allows a tenth of the period for ticker jitter, so a record sent
// just after a tick is resent on the next one rather than the one after.
func (s *Scanner) eligible(record session.Record, now time.Time) bool {
	return record.Age(now) >= s.period-s.period/10
}

func (s *Scanner) scan(now time.Time) {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.scanning = len(batch)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	requeue := make([]session.Record, 0, len(batch))
	resent := 0
	for _, queued := range batch {
		current, ok := s.cache.Get(queued.Key)
		if !ok || current.Status != queued.Status {
			// acknowledged, or advanced and queued again under its new status
			continue
		}
		if !s.eligible(queued, now) {
			requeue = append(requeue, queued)
			continue
		}
		frame := queued.Frame()
		if err := s.sender.Send(frame); err != nil {
			logger.DebugF("Retry of %s %s deferred: %v", frame.Type(), queued.Key, err)
			requeue = append(requeue, queued)
			continue
		}
		queued.SentAt = now
		s.cache.Touch(queued)
		requeue = append(requeue, queued)
		resent++
	}

	s.mu.Lock()
	s.queue = append(requeue, s.queue...)
	s.scanning = 0
	s.mu.Unlock()

	if resent > 0 {
		logger.DebugF("Retry scanner resent %d of %d outstanding operations", resent, len(requeue))
	}
}
