package session

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionSet(t *testing.T) {
	set := NewSubscriptionSet()
	set.Add(
		packet.Subscription{TopicFilter: "sensors/#", QoS: 1},
		packet.Subscription{TopicFilter: "alerts/+", QoS: 0},
		packet.Subscription{TopicFilter: "control", QoS: 2},
	)
	set.Add(packet.Subscription{TopicFilter: "sensors/#", QoS: 2})

	assert.Equal(t, []packet.Subscription{
		{TopicFilter: "sensors/#", QoS: 2},
		{TopicFilter: "alerts/+", QoS: 0},
		{TopicFilter: "control", QoS: 2},
	}, set.Snapshot())

	set.Remove("alerts/+", "unknown")
	assert.False(t, set.Contains("alerts/+"))
	assert.True(t, set.Contains("control"))
	assert.Equal(t, 2, set.Len())

	snapshot := set.Snapshot()
	snapshot[0].QoS = 0
	assert.Equal(t, byte(2), set.Snapshot()[0].QoS, "snapshot must be a copy")
}
