package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Sensor   SensorConfig   `mapstructure:"sensor"`
	Motor    MotorConfig    `mapstructure:"motor"`
	Infrared InfraredConfig `mapstructure:"infrared"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Hardware HardwareConfig `mapstructure:"hardware"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// BackendConfig 后端同步配置
type BackendConfig struct {
	URL              string        `mapstructure:"url"`
	DeviceID         string        `mapstructure:"device_id"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	StatusTimeout    time.Duration `mapstructure:"status_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat_period"`
	ProbeAddress     string        `mapstructure:"probe_address"` // 用于获取本机IP的UDP目标
}

// SensorConfig 指纹传感器配置
type SensorConfig struct {
	Port             string        `mapstructure:"port"` // 串口路径，auto 表示自动发现
	BaudRate         int           `mapstructure:"baud_rate"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	ResetPin         string        `mapstructure:"reset_pin"`
	ResetPulse       time.Duration `mapstructure:"reset_pulse"`
	MatchThreshold   int           `mapstructure:"match_threshold"`
	ThresholdTimeout time.Duration `mapstructure:"threshold_timeout"`
	CountTimeout     time.Duration `mapstructure:"count_timeout"`
	EnrollTimeout    time.Duration `mapstructure:"enroll_timeout"`
	MatchTimeout     time.Duration `mapstructure:"match_timeout"`
	ClearTimeout     time.Duration `mapstructure:"clear_timeout"`
}

// MotorConfig 步进电机配置
type MotorConfig struct {
	StepsPerRevolution int               `mapstructure:"steps_per_revolution"`
	Segments           int               `mapstructure:"segments"`
	StepDelay          time.Duration     `mapstructure:"step_delay"`
	Motors             []MotorPinsConfig `mapstructure:"motors"`
}

// MotorPinsConfig 单个电机的线圈引脚
type MotorPinsConfig struct {
	ID   int      `mapstructure:"id"`
	Pins []string `mapstructure:"pins"`
}

// InfraredConfig 红外传感器配置
type InfraredConfig struct {
	Pin          string        `mapstructure:"pin"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	HandTimeout  time.Duration `mapstructure:"hand_timeout"`
}

// AudioConfig 提示音配置
type AudioConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Player      string `mapstructure:"player"`
	WarningFile string `mapstructure:"warning_file"`
	SuccessFile string `mapstructure:"success_file"`
}

// HardwareConfig 硬件模式配置
type HardwareConfig struct {
	MockMode bool `mapstructure:"mock_mode"` // 调试模式（使用模拟设备）
	MockUser int  `mapstructure:"mock_user"` // 模拟传感器验证时返回的用户ID
}

// ServerConfig 参考后端服务配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("PILL_DISPENSER")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		setDefaults(v)

		// 读取配置文件，不存在时使用默认配置
		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		cfg = &Config{}
		err = v.Unmarshal(cfg)
	})

	return err
}

// Load 从独立的viper实例读取配置，不影响全局配置
func Load(configPath string) (*Config, error) {
	lv := viper.New()
	lv.SetEnvPrefix("PILL_DISPENSER")
	lv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	lv.AutomaticEnv()
	setDefaults(lv)

	if configPath != "" {
		lv.SetConfigFile(configPath)
		if err := lv.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{}
	if err := lv.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 后端同步默认配置
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.device_id", "")
	v.SetDefault("backend.poll_interval", "5s")
	v.SetDefault("backend.poll_timeout", "10s")
	v.SetDefault("backend.status_timeout", "10s")
	v.SetDefault("backend.heartbeat_timeout", "5s")
	v.SetDefault("backend.heartbeat_period", "60s")
	v.SetDefault("backend.probe_address", "8.8.8.8:80")

	// 指纹传感器默认配置
	v.SetDefault("sensor.port", "/dev/serial0")
	v.SetDefault("sensor.baud_rate", 19200)
	v.SetDefault("sensor.read_timeout", "100ms")
	v.SetDefault("sensor.reset_pin", "GPIO24")
	v.SetDefault("sensor.reset_pulse", "250ms")
	v.SetDefault("sensor.match_threshold", 7)
	v.SetDefault("sensor.threshold_timeout", "1s")
	v.SetDefault("sensor.count_timeout", "100ms")
	v.SetDefault("sensor.enroll_timeout", "6s")
	v.SetDefault("sensor.match_timeout", "5s")
	v.SetDefault("sensor.clear_timeout", "5s")

	// 步进电机默认配置
	v.SetDefault("motor.steps_per_revolution", 200)
	v.SetDefault("motor.segments", 15)
	v.SetDefault("motor.step_delay", "10ms")
	v.SetDefault("motor.motors", []map[string]interface{}{
		{"id": 1, "pins": []string{"GPIO5", "GPIO6", "GPIO13", "GPIO19"}},
		{"id": 2, "pins": []string{"GPIO12", "GPIO16", "GPIO20", "GPIO21"}},
	})

	// 红外传感器默认配置
	v.SetDefault("infrared.pin", "GPIO25")
	v.SetDefault("infrared.poll_interval", "100ms")
	v.SetDefault("infrared.hand_timeout", "30s")

	// 提示音默认配置
	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.player", "mpg123")
	v.SetDefault("audio.warning_file", "./sounds/warning.mp3")
	v.SetDefault("audio.success_file", "./sounds/success.mp3")

	v.SetDefault("hardware.mock_mode", false)
	v.SetDefault("hardware.mock_user", 7)

	// 参考后端默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "pill-dispenser.log")
	v.SetDefault("log.file.max_size", 20)
	v.SetDefault("log.file.max_age", 14)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("config reload failed: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}
	})
}

// HeartbeatEvery 返回心跳间隔对应的轮询周期数，即 ceil(period/interval)
func (b BackendConfig) HeartbeatEvery() int {
	if b.PollInterval <= 0 {
		return 1
	}
	period := b.HeartbeatPeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	n := int((period + b.PollInterval - 1) / b.PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate 校验运行所需的配置项
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Backend.DeviceID == "" {
		return fmt.Errorf("backend.device_id is required")
	}
	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.poll_interval must be positive")
	}
	if c.Sensor.MatchThreshold < 0 || c.Sensor.MatchThreshold > 9 {
		return fmt.Errorf("sensor.match_threshold must be 0..9, got %d", c.Sensor.MatchThreshold)
	}
	if c.Motor.Segments <= 0 || c.Motor.StepsPerRevolution <= 0 {
		return fmt.Errorf("motor.segments and motor.steps_per_revolution must be positive")
	}
	return nil
}
