package fingerprint

import (
	stderrors "errors"
	"fmt"
)

// 帧定义
const (
	FrameHead byte = 0xF5
	FrameTail byte = 0xF5
	FrameLen       = 8 // 帧头(1) + 命令(1) + 参数(4) + 校验(1) + 帧尾(1)
)

// 命令码定义
const (
	CmdAddStep1  byte = 0x01 // 录入第一次
	CmdAddStep3  byte = 0x03 // 录入第三次（合成）
	CmdDeleteAll byte = 0x05 // 删除全部用户
	CmdUserCount byte = 0x09 // 查询用户数
	CmdMatch     byte = 0x0C // 1:N 比对
	CmdCompareLv byte = 0x28 // 设置/读取比对等级
)

// 应答状态码（响应帧第4字节 p3）
const (
	AckSuccess byte = 0x00
	AckFail    byte = 0x01
	AckFull    byte = 0x04
	AckNoUser  byte = 0x05
	AckTimeout byte = 0x08
	AckGoOut   byte = 0x0F
)

// 用户容量
const (
	MaxUsers = 1000
	MinUser  = 1
)

// 默认用户权限（录入命令 p3）
const defaultPrivilege byte = 0x03

// ErrIncompleteFrame 收到的字节数不足一帧，调用方按超时处理
var ErrIncompleteFrame = stderrors.New("incomplete response frame")

// FramingCheck 帧校验失败的环节
type FramingCheck int

const (
	CheckHeadTail FramingCheck = iota + 1
	CheckOpcode
	CheckChecksum
)

func (c FramingCheck) String() string {
	switch c {
	case CheckHeadTail:
		return "head/tail"
	case CheckOpcode:
		return "opcode echo"
	case CheckChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// FramingError 响应帧结构错误
type FramingError struct {
	Check FramingCheck
	Want  byte
	Got   byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s mismatch (want 0x%02X, got 0x%02X)", e.Check, e.Want, e.Got)
}

// Outcome 传感器响应结果
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeGenericFail
	OutcomeLibraryFull
	OutcomeUserNotFound
	OutcomeTimeout
	OutcomeOutOfPosition
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeGenericFail:
		return "generic_fail"
	case OutcomeLibraryFull:
		return "library_full"
	case OutcomeUserNotFound:
		return "user_not_found"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeOutOfPosition:
		return "out_of_position"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeFromStatus 状态字节映射为结果；超时只在本地产生，0x08 按失败处理
func OutcomeFromStatus(status byte) Outcome {
	switch status {
	case AckSuccess:
		return OutcomeSuccess
	case AckFull:
		return OutcomeLibraryFull
	case AckNoUser:
		return OutcomeUserNotFound
	case AckGoOut:
		return OutcomeOutOfPosition
	default:
		return OutcomeGenericFail
	}
}

// Response 解析后的响应帧
type Response struct {
	Payload [5]byte
}

// Opcode 回显的命令码
func (r Response) Opcode() byte { return r.Payload[0] }

// Status 状态字节 p3（比对成功时即用户ID）
func (r Response) Status() byte { return r.Payload[3] }

// Outcome 状态字节对应的结果
func (r Response) Outcome() Outcome { return OutcomeFromStatus(r.Status()) }

// Value16 p1(高) p2(低) 组成的16位值
func (r Response) Value16() int { return int(r.Payload[1])<<8 | int(r.Payload[2]) }

// Encode 按帧格式编码命令
func Encode(opcode, p1, p2, p3, p4 byte) [FrameLen]byte {
	var f [FrameLen]byte
	f[0] = FrameHead
	f[1], f[2], f[3], f[4], f[5] = opcode, p1, p2, p3, p4
	f[6] = Checksum(f[1:6])
	f[7] = FrameTail
	return f
}

// Decode 校验并解析响应帧，依次检查长度、帧头帧尾、命令回显与校验和
func Decode(frame []byte, expectedOpcode byte) (Response, error) {
	var resp Response
	if len(frame) != FrameLen {
		return resp, ErrIncompleteFrame
	}
	if frame[0] != FrameHead {
		return resp, &FramingError{Check: CheckHeadTail, Want: FrameHead, Got: frame[0]}
	}
	if frame[FrameLen-1] != FrameTail {
		return resp, &FramingError{Check: CheckHeadTail, Want: FrameTail, Got: frame[FrameLen-1]}
	}
	if frame[1] != expectedOpcode {
		return resp, &FramingError{Check: CheckOpcode, Want: expectedOpcode, Got: frame[1]}
	}
	if sum := Checksum(frame[1:6]); sum != frame[6] {
		return resp, &FramingError{Check: CheckChecksum, Want: sum, Got: frame[6]}
	}
	copy(resp.Payload[:], frame[1:6])
	return resp, nil
}

// Checksum XOR校验
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum ^= b
	}
	return sum
}

// splitUint16 拆分为高低字节
func splitUint16(v int) (byte, byte) {
	return byte(v >> 8), byte(v)
}
