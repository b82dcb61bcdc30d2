package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoPacketID    = errors.New("all packet identifiers are in use")
	ErrPacketIDInUse = errors.New("packet identifier is already in use")
	ErrZeroPacketID  = errors.New("packet identifier must not be 0")
)

// PacketIDManager 分配 1..65535 范围内未被占用的报文标识符
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID，跳过仍在使用中的ID
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inUse) >= 0xFFFF {
		return 0, ErrNoPacketID
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, used := m.inUse[id]; !used {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve 占用调用方指定的ID
func (m *PacketIDManager) Reserve(id uint16) error {
	if id == 0 {
		return ErrZeroPacketID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.inUse[id]; used {
		return fmt.Errorf("%w: %d", ErrPacketIDInUse, id)
	}
	m.inUse[id] = struct{}{}
	return nil
}

// ReleaseID 释放ID（收到确认后调用）
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, id)
}

func (m *PacketIDManager) InUse(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, used := m.inUse[id]
	return used
}

func (m *PacketIDManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}

// Reset 释放全部ID
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.inUse)
	m.currentID = 1
}
