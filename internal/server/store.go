package server

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/pill-dispenser/internal/device"
	"github.com/wfunc/pill-dispenser/internal/errors"
)

// PendingCommand 等待设备拉取的命令
type PendingCommand struct {
	ID       string                 `json:"id"`
	Command  string                 `json:"command"`
	Params   map[string]interface{} `json:"params"`
	IssuedAt time.Time              `json:"issuedAt"`
}

// DeviceStatus 设备最近一次状态上报
type DeviceStatus struct {
	DeviceID   string                 `json:"device_id"`
	StatusType string                 `json:"status_type"`
	Timestamp  string                 `json:"timestamp,omitempty"`
	Data       map[string]interface{} `json:"data"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// DeviceHeartbeat 设备最近一次心跳
type DeviceHeartbeat struct {
	DeviceID         string         `json:"device_id"`
	Timestamp        string         `json:"timestamp,omitempty"`
	IPAddress        string         `json:"ip_address,omitempty"`
	Locked           *bool          `json:"locked,omitempty"`
	FingerprintCount *int           `json:"fingerprint_count,omitempty"`
	Positions        map[string]int `json:"positions,omitempty"`
	ReceivedAt       time.Time      `json:"receivedAt"`
}

// DeviceState 单台设备的快照
type DeviceState struct {
	DeviceID       string           `json:"device_id"`
	PendingCommand *PendingCommand  `json:"pendingCommand"`
	LastStatus     *DeviceStatus    `json:"lastStatus"`
	LastHeartbeat  *DeviceHeartbeat `json:"lastHeartbeat"`
}

// Store 内存中的设备状态，进程退出即丢失
type Store struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
	now     func() time.Time
}

// NewStore 创建存储
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*DeviceState),
		now:     time.Now,
	}
}

func (s *Store) device(id string) *DeviceState {
	d, ok := s.devices[id]
	if !ok {
		d = &DeviceState{DeviceID: id}
		s.devices[id] = d
	}
	return d
}

// SetPendingCommand 校验并保存待执行命令，覆盖尚未被拉取的旧命令
func (s *Store) SetPendingCommand(deviceID, command string, params map[string]interface{}) (*PendingCommand, error) {
	if err := ValidateCommand(command, params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pc := &PendingCommand{
		ID:       uuid.New().String(),
		Command:  command,
		Params:   params,
		IssuedAt: s.now().UTC(),
	}
	s.device(deviceID).PendingCommand = pc
	return pc, nil
}

// PopPendingCommand 取出待执行命令，读取即清除避免重放
func (s *Store) PopPendingCommand(deviceID string) *PendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.device(deviceID)
	pc := d.PendingCommand
	d.PendingCommand = nil
	return pc
}

// SetStatus 记录状态上报
func (s *Store) SetStatus(deviceID string, st DeviceStatus) DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.DeviceID = deviceID
	st.ReceivedAt = s.now().UTC()
	if st.Data == nil {
		st.Data = map[string]interface{}{}
	}
	s.device(deviceID).LastStatus = &st
	return st
}

// SetHeartbeat 记录心跳
func (s *Store) SetHeartbeat(deviceID string, hb DeviceHeartbeat) DeviceHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb.DeviceID = deviceID
	hb.ReceivedAt = s.now().UTC()
	s.device(deviceID).LastHeartbeat = &hb
	return hb
}

// Snapshot 设备状态副本
func (s *Store) Snapshot(deviceID string) DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.device(deviceID)
}

// ValidateCommand 校验命令名和出药参数
func ValidateCommand(command string, params map[string]interface{}) error {
	known := false
	for _, name := range device.CommandNames {
		if name == command {
			known = true
			break
		}
	}
	if !known {
		return errors.Newf(errors.ErrInvalidCommand, "Invalid command: %s", command)
	}

	if command == device.CmdDispense {
		if !nonNegativeInt(params["motor_id"]) {
			return errors.New(errors.ErrInvalidParam, "dispense requires numeric motor_id")
		}
		if !nonNegativeInt(params["segment"]) {
			return errors.New(errors.ErrInvalidParam, "dispense requires numeric segment")
		}
	}
	return nil
}

func nonNegativeInt(v interface{}) bool {
	switch n := v.(type) {
	case int:
		return n >= 0
	case float64:
		return n >= 0 && n == math.Trunc(n) && !math.IsInf(n, 0)
	default:
		return false
	}
}

func (pc *PendingCommand) String() string {
	return fmt.Sprintf("%s(%s)", pc.Command, pc.ID)
}
