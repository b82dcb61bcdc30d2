package retry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mu     sync.Mutex
	frames []packet.Frame
	err    error
}

func (s *recordingSender) Send(frame packet.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) sent() []packet.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]packet.Frame(nil), s.frames...)
}

func (s *recordingSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

const testPeriod = time.Second

func newTestScanner(opts ScannerOptions) (*Scanner, *session.Cache, *recordingSender) {
	cache := session.NewCache()
	sender := &recordingSender{}
	if opts.Period == 0 {
		opts.Period = testPeriod
	}
	return NewScanner(cache, sender, opts), cache, sender
}

func putPublish(t *testing.T, cache *session.Cache, id uint16, qos byte, sentAt time.Time) session.Record {
	t.Helper()
	publish := packet.NewPublishPacket("plant/line1", []byte("on"), qos, false)
	publish.PacketID = id
	record := session.NewPublishRecord(publish, sentAt)
	require.True(t, cache.Put(record))
	return record
}

func TestScanResendsEligiblePublishAsDuplicate(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	record := putPublish(t, cache, 7, mqtt.AtLeastOnce, t0)
	require.True(t, scanner.Enqueue(record))

	scanner.scan(t0.Add(testPeriod))

	frames := sender.sent()
	require.Len(t, frames, 1)
	publish, ok := frames[0].(*packet.PublishPacketPayloads)
	require.True(t, ok)
	assert.Equal(t, uint16(7), publish.PacketID)
	assert.True(t, publish.PacketFlag.RetryFlag)

	current, ok := cache.Get(session.OutboundKey(7))
	require.True(t, ok)
	assert.Equal(t, t0.Add(testPeriod), current.SentAt)
	assert.Equal(t, 1, scanner.Len(), "record stays queued until acknowledged")
}

func TestScanSkipsRecordsThatAreTooYoung(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	scanner.Enqueue(putPublish(t, cache, 7, mqtt.AtLeastOnce, t0))

	scanner.scan(t0.Add(testPeriod / 2))
	assert.Empty(t, sender.sent())
	assert.Equal(t, 1, scanner.Len())

	// within the jitter allowance
	scanner.scan(t0.Add(testPeriod - testPeriod/20))
	assert.Len(t, sender.sent(), 1)
}

func TestScanResendsOncePerPeriod(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	scanner.Enqueue(putPublish(t, cache, 7, mqtt.AtLeastOnce, t0))

	for i := 1; i <= 3; i++ {
		scanner.scan(t0.Add(time.Duration(i) * testPeriod))
		scanner.scan(t0.Add(time.Duration(i)*testPeriod + testPeriod/4))
	}
	assert.Len(t, sender.sent(), 3)
}

func TestScanDropsAcknowledgedRecords(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	scanner.Enqueue(putPublish(t, cache, 7, mqtt.AtLeastOnce, t0))
	_, removed := cache.Remove(session.OutboundKey(7))
	require.True(t, removed)

	scanner.scan(t0.Add(2 * testPeriod))
	assert.Empty(t, sender.sent())
	assert.Zero(t, scanner.Len())
}

func TestScanFollowsStatusAdvance(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	scanner.Enqueue(putPublish(t, cache, 9, mqtt.ExactlyOnce, t0))

	_, ok := cache.Advance(session.OutboundKey(9), session.StatusPubRec)
	require.True(t, ok)
	advanced, ok := cache.Advance(session.OutboundKey(9), session.StatusPubComp)
	require.True(t, ok)
	require.True(t, scanner.Enqueue(advanced))

	scanner.scan(t0.Add(testPeriod))

	frames := sender.sent()
	require.Len(t, frames, 1, "the stale publish entry is dropped")
	assert.Equal(t, packet.NewPubRelPacket(9), frames[0])
	assert.Equal(t, 1, scanner.Len())
}

func TestScanResendsPendingReceipt(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	receipt := session.NewReceiptRecord(11, t0)
	require.True(t, cache.Put(receipt))
	scanner.Enqueue(receipt)

	scanner.scan(t0.Add(testPeriod))
	assert.Equal(t, []packet.Frame{packet.NewPubRecPacket(11)}, sender.sent())
}

func TestScanRequeuesOnSendFailure(t *testing.T) {
	scanner, cache, sender := newTestScanner(ScannerOptions{})
	t0 := time.Now()
	scanner.Enqueue(putPublish(t, cache, 7, mqtt.AtLeastOnce, t0))
	sender.fail(errors.New("connection not active"))

	scanner.scan(t0.Add(testPeriod))
	assert.Equal(t, 1, scanner.Len())
	current, _ := cache.Get(session.OutboundKey(7))
	assert.Equal(t, t0, current.SentAt)

	sender.fail(nil)
	scanner.scan(t0.Add(testPeriod + time.Millisecond))
	assert.Len(t, sender.sent(), 1)
}

func TestEnqueueRespectsCapacity(t *testing.T) {
	scanner, cache, _ := newTestScanner(ScannerOptions{Capacity: 1})
	t0 := time.Now()
	assert.True(t, scanner.Enqueue(putPublish(t, cache, 1, mqtt.AtLeastOnce, t0)))
	assert.False(t, scanner.Enqueue(putPublish(t, cache, 2, mqtt.AtLeastOnce, t0)))

	cache.Remove(session.OutboundKey(1))
	scanner.scan(t0.Add(testPeriod))
	assert.True(t, scanner.Enqueue(putPublish(t, cache, 3, mqtt.AtLeastOnce, t0)))
}

type enqueueingSender struct {
	recordingSender
	scanner  *Scanner
	record   session.Record
	accepted []bool
}

func (s *enqueueingSender) Send(frame packet.Frame) error {
	s.accepted = append(s.accepted, s.scanner.Enqueue(s.record))
	return s.recordingSender.Send(frame)
}

func TestCapacityHoldsDuringScan(t *testing.T) {
	cache := session.NewCache()
	sender := &enqueueingSender{}
	scanner := NewScanner(cache, sender, ScannerOptions{Period: testPeriod, Capacity: 2})
	sender.scanner = scanner

	t0 := time.Now()
	require.True(t, scanner.Enqueue(putPublish(t, cache, 1, mqtt.AtLeastOnce, t0)))
	require.True(t, scanner.Enqueue(putPublish(t, cache, 2, mqtt.AtLeastOnce, t0)))
	sender.record = putPublish(t, cache, 3, mqtt.AtLeastOnce, t0)

	// 扫描期间批次里的记录仍占用容量
	scanner.scan(t0.Add(testPeriod))

	assert.Equal(t, []bool{false, false}, sender.accepted)
	assert.Equal(t, 2, scanner.Len())
	assert.False(t, scanner.Enqueue(sender.record))
}

func TestScannerLoopResendsUntilStopped(t *testing.T) {
	period := 20 * time.Millisecond
	scanner, cache, sender := newTestScanner(ScannerOptions{Period: period})
	scanner.Enqueue(putPublish(t, cache, 7, mqtt.AtLeastOnce, time.Now()))

	scanner.Start()
	require.Eventually(t, func() bool { return len(sender.sent()) >= 2 }, time.Second, period/2)
	require.NoError(t, scanner.Stop())

	count := len(sender.sent())
	time.Sleep(3 * period)
	assert.Equal(t, count, len(sender.sent()))
	require.NoError(t, scanner.Stop())
}

func TestStopWithoutStart(t *testing.T) {
	scanner, _, _ := newTestScanner(ScannerOptions{})
	assert.NoError(t, scanner.Stop())
}
