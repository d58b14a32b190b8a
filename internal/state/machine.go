package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 设备采集状态
const (
	StateIdle      = "idle"
	StateRecording = "recording"
)

// 事件
const (
	EventStartRide = "start_ride"
	EventStopRide  = "stop_ride"
)

// DeviceState 设备的采集状态
type DeviceState struct {
	DeviceID     string    `json:"device_id"`
	CurrentState string    `json:"state"`
	RideID       string    `json:"ride_id,omitempty"`
	Since        time.Time `json:"since"`
}

// Machine 单个设备的 ride 生命周期状态机，保证同一设备同时最多一个进行中的 ride
type Machine struct {
	mu            sync.RWMutex
	deviceID      string
	fsm           *fsm.FSM
	state         *DeviceState
	onStateChange func(deviceID string, from, to string)
}

// NewMachine 创建状态机
func NewMachine(deviceID string, onStateChange func(deviceID string, from, to string)) *Machine {
	m := &Machine{
		deviceID:      deviceID,
		onStateChange: onStateChange,
		state: &DeviceState{
			DeviceID:     deviceID,
			CurrentState: StateIdle,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStartRide, Src: []string{StateIdle}, Dst: StateRecording},
			{Name: EventStopRide, Src: []string{StateRecording}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.deviceID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态 (副本)
func (m *Machine) GetState() *DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stateCopy := *m.state
	stateCopy.CurrentState = m.fsm.Current()
	return &stateCopy
}

// Start 开始录制 rideID，设备已在录制时返回错误
func (m *Machine) Start(rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), EventStartRide); err != nil {
		return fmt.Errorf("trigger event %s: %w", EventStartRide, err)
	}
	m.state.CurrentState = m.fsm.Current()
	m.state.RideID = rideID
	m.state.Since = time.Now()
	return nil
}

// Stop 结束录制，只有当前 ride 与 rideID 一致时才转换
func (m *Machine) Stop(rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.RideID != rideID {
		return fmt.Errorf("device %s is not recording ride %s", m.deviceID, rideID)
	}
	if err := m.fsm.Event(context.Background(), EventStopRide); err != nil {
		return fmt.Errorf("trigger event %s: %w", EventStopRide, err)
	}
	m.state.CurrentState = m.fsm.Current()
	m.state.RideID = ""
	m.state.Since = time.Now()
	return nil
}

// CanStart 检查是否可以开始新的 ride
func (m *Machine) CanStart() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(EventStartRide)
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(deviceID string, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(deviceID string, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(deviceID string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[deviceID]; ok {
		return machine
	}

	machine := NewMachine(deviceID, m.onChange)
	m.machines[deviceID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(deviceID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[deviceID]
	return machine, ok
}

// GetAllStates 获取所有设备状态
func (m *Manager) GetAllStates() map[string]*DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*DeviceState)
	for deviceID, machine := range m.machines {
		states[deviceID] = machine.GetState()
	}
	return states
}
