package fingerprint

import (
	"sync"
)

// SimulatedPort 在内存中模拟指纹模块，用于调试模式和测试
type SimulatedPort struct {
	mu sync.Mutex

	users     int
	capacity  int
	level     byte
	matchUser int
	pendingID int

	rx       []byte
	received []byte
	closed   bool

	silent   map[byte]bool
	truncate map[byte]int
	corrupt  map[byte]bool
	status   map[byte]byte
	chunk    int
}

// NewSimulatedPort 创建模拟传感器，matchUser>0 时比对返回该用户
func NewSimulatedPort(users, matchUser int) *SimulatedPort {
	return &SimulatedPort{
		users:     users,
		capacity:  MaxUsers,
		level:     5,
		matchUser: matchUser,
		silent:    make(map[byte]bool),
		truncate:  make(map[byte]int),
		corrupt:   make(map[byte]bool),
		status:    make(map[byte]byte),
	}
}

// SetSilent 指定命令不应答
func (p *SimulatedPort) SetSilent(opcode byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent[opcode] = true
}

// SetTruncate 指定命令只应答前n个字节
func (p *SimulatedPort) SetTruncate(opcode byte, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truncate[opcode] = n
}

// SetCorrupt 指定命令的应答校验和错误
func (p *SimulatedPort) SetCorrupt(opcode byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corrupt[opcode] = true
}

// SetStatus 强制指定命令的应答状态字节
func (p *SimulatedPort) SetStatus(opcode, status byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[opcode] = status
}

// SetChunk 每次读取最多返回n个字节
func (p *SimulatedPort) SetChunk(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunk = n
}

// SetUsers 设置已登记数量
func (p *SimulatedPort) SetUsers(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = n
}

// SetMatchUser 设置比对返回的用户ID，0表示库中无此指纹
func (p *SimulatedPort) SetMatchUser(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matchUser = id
}

// Users 已登记数量
func (p *SimulatedPort) Users() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users
}

// Level 当前比对等级
func (p *SimulatedPort) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.level)
}

// Received 收到的命令码序列
func (p *SimulatedPort) Received() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.received))
	copy(out, p.received)
	return out
}

// Flush 清空待读数据
func (p *SimulatedPort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = p.rx[:0]
	return nil
}

// Close 关闭端口
func (p *SimulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Read 读取应答，无数据时返回0
func (p *SimulatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(b)
	if p.chunk > 0 && n > p.chunk {
		n = p.chunk
	}
	n = copy(b[:n], p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

// Write 接收命令帧并生成应答
func (p *SimulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(b) != FrameLen || b[0] != FrameHead || b[FrameLen-1] != FrameTail || Checksum(b[1:6]) != b[6] {
		return len(b), nil
	}
	op := b[1]
	p.received = append(p.received, op)
	if p.silent[op] {
		return len(b), nil
	}

	var payload [5]byte
	if st, ok := p.status[op]; ok {
		payload = [5]byte{op, 0, 0, st, 0}
	} else {
		payload = p.handle(op, b[2], b[3])
	}
	frame := Encode(payload[0], payload[1], payload[2], payload[3], payload[4])
	if p.corrupt[op] {
		frame[6] ^= 0x01
	}
	out := frame[:]
	if n, ok := p.truncate[op]; ok && n < len(out) {
		out = out[:n]
	}
	p.rx = append(p.rx, out...)
	return len(b), nil
}

func (p *SimulatedPort) handle(op, p1, p2 byte) [5]byte {
	switch op {
	case CmdUserCount:
		hi, lo := splitUint16(p.users)
		return [5]byte{op, hi, lo, AckSuccess, 0}
	case CmdCompareLv:
		if p2 <= 9 {
			p.level = p2
		}
		return [5]byte{op, 0, p.level, AckSuccess, 0}
	case CmdAddStep1:
		if p.users >= p.capacity {
			return [5]byte{op, 0, 0, AckFull, 0}
		}
		p.pendingID = int(p1)<<8 | int(p2)
		return [5]byte{op, 0, 0, AckSuccess, 0}
	case CmdAddStep3:
		id := int(p1)<<8 | int(p2)
		if p.pendingID == 0 || p.pendingID != id {
			return [5]byte{op, 0, 0, AckFail, 0}
		}
		p.pendingID = 0
		p.users++
		return [5]byte{op, 0, 0, AckSuccess, 0}
	case CmdMatch:
		if p.matchUser <= 0 {
			return [5]byte{op, 0, 0, AckNoUser, 0}
		}
		hi, lo := splitUint16(p.matchUser)
		return [5]byte{op, hi, lo, byte(p.matchUser), 0}
	case CmdDeleteAll:
		p.users = 0
		return [5]byte{op, 0, 0, AckSuccess, 0}
	default:
		return [5]byte{op, 0, 0, AckFail, 0}
	}
}

// Closed 是否已关闭
func (p *SimulatedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
