package fingerprint

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/pill-dispenser/internal/errors"
)

// MockResetLine 复位引脚模拟
type MockResetLine struct {
	mock.Mock
}

func (m *MockResetLine) SetHigh(high bool) error {
	args := m.Called(high)
	return args.Error(0)
}

// brokenPort 读写均返回错误
type brokenPort struct {
	readErr  error
	writeErr error
}

func (b *brokenPort) Read(p []byte) (int, error)  { return 0, b.readErr }
func (b *brokenPort) Write(p []byte) (int, error) { return len(p), b.writeErr }
func (b *brokenPort) Flush() error                { return nil }

var fastTimeouts = Timeouts{
	Threshold: 50 * time.Millisecond,
	Count:     50 * time.Millisecond,
	Enroll:    80 * time.Millisecond,
	Match:     80 * time.Millisecond,
	Clear:     80 * time.Millisecond,
}

// SensorTestSuite 传感器命令测试套件
type SensorTestSuite struct {
	suite.Suite
	port   *SimulatedPort
	sensor *Sensor
	ctx    context.Context
}

func (s *SensorTestSuite) SetupTest() {
	s.port = NewSimulatedPort(0, 7)
	s.sensor = NewSensor(s.port, WithTimeouts(fastTimeouts))
	s.ctx = context.Background()
}

// 测试设置比对等级
func (s *SensorTestSuite) TestSetMatchThreshold() {
	level, err := s.sensor.SetMatchThreshold(s.ctx, 7)
	s.Require().NoError(err)
	s.Equal(7, level)
	s.Equal(7, s.port.Level())
}

// 测试等级越界不产生任何收发
func (s *SensorTestSuite) TestSetMatchThresholdOutOfRange() {
	_, err := s.sensor.SetMatchThreshold(s.ctx, 10)
	s.True(errors.Is(err, errors.ErrInvalidParam))
	_, err = s.sensor.SetMatchThreshold(s.ctx, -1)
	s.True(errors.Is(err, errors.ErrInvalidParam))
	s.Empty(s.port.Received())
}

// 测试设置等级超时
func (s *SensorTestSuite) TestSetMatchThresholdTimeout() {
	s.port.SetSilent(CmdCompareLv)
	_, err := s.sensor.SetMatchThreshold(s.ctx, 7)
	s.True(errors.Is(err, errors.ErrProtocolTimeout))
}

// 测试查询用户数，分片到达的应答也能拼成完整帧
func (s *SensorTestSuite) TestUserCount() {
	s.port.SetUsers(300)
	s.port.SetChunk(3)
	count, err := s.sensor.UserCount(s.ctx)
	s.Require().NoError(err)
	s.Equal(300, count)
}

// 超时返回错误而不是0
func (s *SensorTestSuite) TestUserCountTimeout() {
	s.port.SetSilent(CmdUserCount)
	start := time.Now()
	count, err := s.sensor.UserCount(s.ctx)
	s.Error(err)
	s.Equal(0, count)
	s.True(errors.Is(err, errors.ErrProtocolTimeout))
	s.GreaterOrEqual(time.Since(start), fastTimeouts.Count)
}

// 短帧按超时处理，不是帧错误
func (s *SensorTestSuite) TestShortReadIsTimeout() {
	s.port.SetTruncate(CmdUserCount, 5)
	_, err := s.sensor.UserCount(s.ctx)
	s.True(errors.Is(err, errors.ErrProtocolTimeout))
	s.False(errors.Is(err, errors.ErrProtocolFraming))
}

// 校验错误按帧错误处理
func (s *SensorTestSuite) TestCorruptIsFraming() {
	s.port.SetCorrupt(CmdUserCount)
	_, err := s.sensor.UserCount(s.ctx)
	s.True(errors.Is(err, errors.ErrProtocolFraming))
	var fe *FramingError
	s.True(stderrors.As(err, &fe))
}

// 测试录入成功
func (s *SensorTestSuite) TestEnrollSuccess() {
	s.port.SetUsers(4)
	r := s.sensor.Enroll(s.ctx)
	s.True(r.OK())
	s.Equal(EnrollSuccess, r.Kind)
	s.Equal(5, r.UserID)
	s.Equal("Fingerprint registered successfully (ID: 5)", r.Message())
	s.Equal(5, s.port.Users())
	s.Equal([]byte{CmdUserCount, CmdAddStep1, CmdAddStep3}, s.port.Received())
	s.NoError(r.Err())
}

// 指纹库满时不进行录入收发
func (s *SensorTestSuite) TestEnrollLibraryFull() {
	s.port.SetUsers(MaxUsers)
	r := s.sensor.Enroll(s.ctx)
	s.Equal(EnrollLibraryFull, r.Kind)
	s.Equal([]byte{CmdUserCount}, s.port.Received())
	s.True(errors.Is(r.Err(), errors.ErrLibraryFull))
}

// 查询数量失败
func (s *SensorTestSuite) TestEnrollCountFailed() {
	s.port.SetSilent(CmdUserCount)
	r := s.sensor.Enroll(s.ctx)
	s.Equal(EnrollCountFailed, r.Kind)
	s.Equal([]byte{CmdUserCount}, s.port.Received())
}

// 第一阶段超时不进行第二阶段，数量不变
func (s *SensorTestSuite) TestEnrollPhaseOneTimeout() {
	s.port.SetUsers(2)
	s.port.SetSilent(CmdAddStep1)
	r := s.sensor.Enroll(s.ctx)
	s.Equal(EnrollPhaseOneTimeout, r.Kind)
	s.Equal("Timeout waiting for first scan", r.Message())
	s.NotContains(s.port.Received(), CmdAddStep3)
	s.Equal(2, s.port.Users())
	s.True(errors.Is(r.Err(), errors.ErrProtocolTimeout))
}

// 第一阶段失败
func (s *SensorTestSuite) TestEnrollPhaseOneFailed() {
	s.port.SetStatus(CmdAddStep1, AckFail)
	r := s.sensor.Enroll(s.ctx)
	s.Equal(EnrollPhaseOneFailed, r.Kind)
	s.NotContains(s.port.Received(), CmdAddStep3)
}

// 第二阶段超时与失败
func (s *SensorTestSuite) TestEnrollPhaseTwo() {
	s.port.SetSilent(CmdAddStep3)
	r := s.sensor.Enroll(s.ctx)
	s.Equal(EnrollPhaseTwoTimeout, r.Kind)
	s.Equal("Timeout waiting for second scan", r.Message())

	s.SetupTest()
	s.port.SetStatus(CmdAddStep3, AckFail)
	r = s.sensor.Enroll(s.ctx)
	s.Equal(EnrollPhaseTwoFailed, r.Kind)
	s.Equal(0, s.port.Users())
}

// 测试比对优先级
func (s *SensorTestSuite) TestVerifyPrecedence() {
	tests := []struct {
		name   string
		status byte
		kind   VerifyKind
		userID int
	}{
		{"用户7", 0x07, VerifySuccess, 7},
		{"库中无此指纹", AckNoUser, VerifyNotFound, 0},
		{"手指未居中", AckGoOut, VerifyOutOfPosition, 0},
		{"未检测到指纹", 0x00, VerifyNoMatch, 0},
		{"最大用户ID", 0xFE, VerifySuccess, 254},
		{"未知错误码", 0xFF, VerifyFailed, 0},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.port.SetStatus(CmdMatch, tt.status)
			r := s.sensor.Verify(s.ctx)
			s.Equal(tt.kind, r.Kind)
			s.Equal(tt.userID, r.UserID)
		})
	}
}

// 0x05 必须判为未找到而不是用户5
func (s *SensorTestSuite) TestVerifyNotFoundBeatsUserRange() {
	s.port.SetStatus(CmdMatch, 0x05)
	r := s.sensor.Verify(s.ctx)
	s.Equal(VerifyNotFound, r.Kind)
	s.False(r.OK())
	s.Equal("Fingerprint not found in database", r.Message())
	s.True(errors.Is(r.Err(), errors.ErrUserNotFound))
}

// 超时与帧错误
func (s *SensorTestSuite) TestVerifyTimeoutAndFraming() {
	s.port.SetSilent(CmdMatch)
	r := s.sensor.Verify(s.ctx)
	s.Equal(VerifyNoFinger, r.Kind)
	s.Equal("Timeout - no finger detected", r.Message())

	s.SetupTest()
	s.port.SetCorrupt(CmdMatch)
	r = s.sensor.Verify(s.ctx)
	s.Equal(VerifyFailed, r.Kind)
	s.False(r.Framed)
	s.Contains(r.Message(), "invalid response frame")
}

// 取消与串口故障不能描述成帧错误
func (s *SensorTestSuite) TestVerifyInterrupted() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	r := s.sensor.Verify(ctx)
	s.Equal(VerifyFailed, r.Kind)
	s.False(r.Framed)
	s.Equal("Verification interrupted (canceled)", r.Message())
	s.True(errors.Is(r.Err(), errors.ErrCanceled))

	sensor := NewSensor(&brokenPort{writeErr: stderrors.New("broken pipe")}, WithTimeouts(fastTimeouts))
	r = sensor.Verify(s.ctx)
	s.Equal(VerifyFailed, r.Kind)
	s.Equal("Verification interrupted (sensor communication error)", r.Message())
	s.True(errors.Is(r.Err(), errors.ErrSerialPortWrite))

	s.port.SetCorrupt(CmdMatch)
	r = s.sensor.Verify(s.ctx)
	s.True(errors.Is(r.Cause, errors.ErrProtocolFraming))
	s.Equal("Verification failed (invalid response frame)", r.Message())
}

// 录入过程中取消
func (s *SensorTestSuite) TestEnrollInterrupted() {
	s.port.SetSilent(CmdAddStep1)
	sensor := NewSensor(s.port, WithTimeouts(Timeouts{Count: 50 * time.Millisecond, Enroll: 5 * time.Second}))
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	r := sensor.Enroll(ctx)
	s.Equal(EnrollPhaseOneFailed, r.Kind)
	s.Equal("First scan interrupted (canceled)", r.Message())
	s.True(errors.Is(r.Err(), errors.ErrCanceled))

	r = sensor.Enroll(ctx)
	s.Equal(EnrollCountFailed, r.Kind)
	s.Equal("Failed to read fingerprint count (canceled)", r.Message())

	s.SetupTest()
	s.port.SetSilent(CmdUserCount)
	r = s.sensor.Enroll(s.ctx)
	s.Equal("Failed to read fingerprint count", r.Message())
}

// 测试清空指纹库
func (s *SensorTestSuite) TestClearAllUsers() {
	s.port.SetUsers(12)
	s.Require().NoError(s.sensor.ClearAllUsers(s.ctx))
	s.Equal(0, s.port.Users())

	s.port.SetStatus(CmdDeleteAll, AckFail)
	err := s.sensor.ClearAllUsers(s.ctx)
	s.True(errors.Is(err, errors.ErrSensorFailed))
}

// 串口读写错误
func (s *SensorTestSuite) TestSerialErrors() {
	sensor := NewSensor(&brokenPort{readErr: stderrors.New("i/o error")}, WithTimeouts(fastTimeouts))
	_, err := sensor.UserCount(s.ctx)
	s.True(errors.Is(err, errors.ErrSerialPortRead))

	sensor = NewSensor(&brokenPort{writeErr: stderrors.New("broken pipe")}, WithTimeouts(fastTimeouts))
	r := sensor.Verify(s.ctx)
	s.Equal(VerifyFailed, r.Kind)
}

// 取消上下文立即返回
func (s *SensorTestSuite) TestContextCanceled() {
	s.port.SetSilent(CmdMatch)
	sensor := NewSensor(s.port, WithTimeouts(Timeouts{Match: 5 * time.Second}))
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := sensor.exchange(ctx, [5]byte{CmdMatch, 0, 0, 0, 0}, sensor.Timeouts().Match)
	s.True(errors.Is(err, errors.ErrCanceled))
	s.Less(time.Since(start), time.Second)
}

// 测试复位时序
func (s *SensorTestSuite) TestResetAndStart() {
	line := new(MockResetLine)
	line.On("SetHigh", false).Return(nil).Once()
	line.On("SetHigh", true).Return(nil).Once()

	sensor := NewSensor(s.port, WithTimeouts(fastTimeouts), WithResetLine(line, time.Millisecond))
	level, err := sensor.Start(s.ctx, 7)
	s.Require().NoError(err)
	s.Equal(7, level)
	line.AssertExpectations(s.T())
}

// 复位引脚失败
func (s *SensorTestSuite) TestResetFailure() {
	line := new(MockResetLine)
	line.On("SetHigh", false).Return(stderrors.New("gpio busy"))

	sensor := NewSensor(s.port, WithResetLine(line, time.Millisecond))
	err := sensor.Reset(s.ctx)
	s.True(errors.Is(err, errors.ErrSensorFailed))
	s.Empty(s.port.Received())
}

func TestSensorSuite(t *testing.T) {
	suite.Run(t, new(SensorTestSuite))
}
