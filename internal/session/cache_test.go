package session

import (
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishRecord(id uint16, qos byte) Record {
	publish := packet.NewPublishPacket("sensors/temp", []byte("21.5"), qos, false)
	publish.PacketID = id
	return NewPublishRecord(publish, time.Now())
}

func TestCachePutIsUniquePerKey(t *testing.T) {
	cache := NewCache()
	require.True(t, cache.Put(publishRecord(7, 1)))
	require.False(t, cache.Put(publishRecord(7, 2)))
	require.True(t, cache.Put(NewReceiptRecord(7, time.Now())), "inbound id space is separate")

	record, ok := cache.Get(OutboundKey(7))
	require.True(t, ok)
	assert.Equal(t, byte(1), record.QoS)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, []Key{OutboundKey(7), InboundKey(7)}, cache.Keys())
}

func TestCacheAdvanceOnlyForward(t *testing.T) {
	cache := NewCache()
	cache.Put(publishRecord(9, 2))
	key := OutboundKey(9)

	record, advanced := cache.Advance(key, StatusPubRec)
	require.True(t, advanced)
	assert.Equal(t, StatusPubRec, record.Status)
	assert.Equal(t, KindPubRel, record.Kind)

	// a duplicate PUBREC leaves the status where the first one put it
	_, advanced = cache.Advance(key, StatusPubRec)
	require.False(t, advanced)

	_, advanced = cache.Advance(key, StatusPubComp)
	require.True(t, advanced)

	record, advanced = cache.Advance(key, StatusPublished)
	require.False(t, advanced)
	assert.Equal(t, StatusPubComp, record.Status)

	current, _ := cache.Get(key)
	assert.Equal(t, StatusPubComp, current.Status)
}

func TestCacheRemoveExactlyOnce(t *testing.T) {
	cache := NewCache()
	cache.Put(publishRecord(3, 1))

	_, removed := cache.Remove(OutboundKey(3))
	require.True(t, removed)
	_, removed = cache.Remove(OutboundKey(3))
	require.False(t, removed)

	_, advanced := cache.Advance(OutboundKey(3), StatusPubRec)
	require.False(t, advanced)
	_, removed = cache.Remove(OutboundKey(1000))
	require.False(t, removed)
	assert.Zero(t, cache.Len())
}

func TestCacheTouch(t *testing.T) {
	cache := NewCache()
	record := publishRecord(5, 1)
	cache.Put(record)

	record.SentAt = record.SentAt.Add(time.Second)
	cache.Touch(record)
	current, _ := cache.Get(record.Key)
	assert.Equal(t, record.SentAt, current.SentAt)

	stale := record
	stale.Status = StatusPubRec
	stale.SentAt = stale.SentAt.Add(time.Hour)
	cache.Touch(stale)
	current, _ = cache.Get(record.Key)
	assert.Equal(t, record.SentAt, current.SentAt)
}

func TestCacheConcurrentRemove(t *testing.T) {
	cache := NewCache()
	for id := uint16(1); id <= 100; id++ {
		cache.Put(publishRecord(id, 1))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := uint16(1); id <= 100; id++ {
				if _, ok := cache.Remove(OutboundKey(id)); ok {
					mu.Lock()
					removed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, removed)
}

func TestRecordFrame(t *testing.T) {
	record := publishRecord(7, 1)
	frame, ok := record.Frame().(*packet.PublishPacketPayloads)
	require.True(t, ok)
	assert.True(t, frame.PacketFlag.RetryFlag)
	assert.False(t, record.Payload.(*packet.PublishPacketPayloads).PacketFlag.RetryFlag)

	record.Status = StatusPubComp
	assert.Equal(t, mqtt.PUBREL, record.Frame().Type())

	receipt := NewReceiptRecord(11, time.Now())
	assert.Equal(t, mqtt.PUBREC, receipt.Frame().Type())
	id, _ := packet.PacketIdentifier(receipt.Frame())
	assert.Equal(t, uint16(11), id)
	assert.Equal(t, "in:11", receipt.Key.String())
}

func TestCacheClear(t *testing.T) {
	cache := NewCache()
	require.True(t, cache.Put(publishRecord(1, 1)))
	require.True(t, cache.Put(NewReceiptRecord(1, time.Now())))

	assert.Equal(t, 2, cache.Clear())
	assert.Zero(t, cache.Len())
	_, ok := cache.Get(OutboundKey(1))
	assert.False(t, ok)
	assert.True(t, cache.Put(publishRecord(1, 2)))
}
