package connection

import (
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

// gate 单次握手的一次性闸门：由 CONNACK 打开，或因连接关闭而失败
type gate struct {
	once sync.Once
	done chan struct{}
	code packet.ConnectRespType
	err  error
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

func (g *gate) release(code packet.ConnectRespType) {
	g.once.Do(func() {
		g.code = code
		close(g.done)
	})
}

func (g *gate) fail(err error) {
	g.once.Do(func() {
		g.err = err
		close(g.done)
	})
}

func (g *gate) accepted() bool {
	select {
	case <-g.done:
		return g.err == nil && g.code == packet.Accepted
	default:
		return false
	}
}

func (g *gate) wait(ctx context.Context, timeout time.Duration) (packet.ConnectRespType, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.done:
		return g.code, g.err
	case <-timer.C:
		g.fail(ErrHandshakeTimeout)
	case <-ctx.Done():
		g.fail(ctx.Err())
	}
	// 超时与 CONNACK 同时到达时以先关闭闸门者为准
	<-g.done
	return g.code, g.err
}
