// Package session holds the volatile client-side delivery state: packet
// identifiers, outstanding QoS operations and the desired subscription set.
package session

import (
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

// Key identifies an outstanding operation. Outbound identifiers come from our
// own allocator and inbound ones from the broker, so the two never collide.
type Key struct {
	PacketID uint16
	Inbound  bool
}

func OutboundKey(id uint16) Key {
	return Key{PacketID: id}
}

func InboundKey(id uint16) Key {
	return Key{PacketID: id, Inbound: true}
}

func (k Key) String() string {
	if k.Inbound {
		return fmt.Sprintf("in:%d", k.PacketID)
	}
	return fmt.Sprintf("out:%d", k.PacketID)
}

type Kind byte

const (
	KindPublish Kind = iota
	KindPubRec
	KindPubRel
	KindSubscribe
	KindUnsubscribe
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "PUBLISH"
	case KindPubRec:
		return "PUBREC"
	case KindPubRel:
		return "PUBREL"
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindUnsubscribe:
		return "UNSUBSCRIBE"
	}
	return "UNKNOWN"
}

// ConfirmStatus is the stage reached within the acknowledgment sequence. It is
// ordered and only ever moves forward.
type ConfirmStatus byte

const (
	StatusPublished ConfirmStatus = iota
	StatusPubRec                  // PUBREC received (outbound) or sent (inbound)
	StatusPubComp                 // PUBREL sent, PUBCOMP pending
)

func (s ConfirmStatus) String() string {
	switch s {
	case StatusPublished:
		return "PUBLISHED"
	case StatusPubRec:
		return "PUBREC"
	case StatusPubComp:
		return "PUBCOMP"
	}
	return "UNKNOWN"
}

// Record is one in-flight exchange awaiting acknowledgment.
type Record struct {
	Key       Key
	Kind      Kind
	QoS       byte
	Payload   packet.Frame
	CreatedAt time.Time
	SentAt    time.Time
	Status    ConfirmStatus
}

func NewPublishRecord(publish *packet.PublishPacketPayloads, now time.Time) Record {
	return Record{
		Key:       OutboundKey(publish.PacketID),
		Kind:      KindPublish,
		QoS:       publish.PacketFlag.QoS,
		Payload:   publish,
		CreatedAt: now,
		SentAt:    now,
		Status:    StatusPublished,
	}
}

// NewReceiptRecord tracks the PUBREC we owe the broker for an inbound QoS 2
// publish until its PUBREL arrives.
func NewReceiptRecord(packetID uint16, now time.Time) Record {
	return Record{
		Key:       InboundKey(packetID),
		Kind:      KindPubRec,
		QoS:       2,
		Payload:   packet.NewPubRecPacket(packetID),
		CreatedAt: now,
		SentAt:    now,
		Status:    StatusPubRec,
	}
}

// Frame returns the frame to put on the wire when the record is retried.
func (r Record) Frame() packet.Frame {
	switch {
	case r.Key.Inbound:
		return packet.NewPubRecPacket(r.Key.PacketID)
	case r.Kind == KindPubRel || r.Status >= StatusPubRec:
		return packet.NewPubRelPacket(r.Key.PacketID)
	}
	if publish, ok := r.Payload.(*packet.PublishPacketPayloads); ok {
		return publish.Duplicate()
	}
	return r.Payload
}

// Age reports how long ago the record was last put on the wire.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.SentAt)
}
