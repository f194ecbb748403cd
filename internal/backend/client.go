package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/device"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// HTTPDoer 可替换的HTTP客户端
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Heartbeat 心跳内容
type Heartbeat struct {
	DeviceID         string      `json:"device_id"`
	Timestamp        string      `json:"timestamp"`
	IPAddress        string      `json:"ip_address"`
	Locked           bool        `json:"locked"`
	FingerprintCount int         `json:"fingerprint_count"`
	Positions        map[int]int `json:"positions,omitempty"`
}

type statusPayload struct {
	DeviceID   string                 `json:"device_id"`
	StatusType string                 `json:"status_type"`
	Timestamp  string                 `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

type pollResponse struct {
	Command *string                `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

// Client 设备端后端客户端
type Client struct {
	baseURL  string
	deviceID string

	pollTimeout      time.Duration
	statusTimeout    time.Duration
	heartbeatTimeout time.Duration
	probeAddress     string

	http HTTPDoer
	log  *zap.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层HTTP客户端
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.http = doer }
}

// NewClient 创建客户端，超时未配置时使用 10s/10s/5s
func NewClient(cfg *config.BackendConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(cfg.URL, "/"),
		deviceID:         cfg.DeviceID,
		pollTimeout:      orDefault(cfg.PollTimeout, 10*time.Second),
		statusTimeout:    orDefault(cfg.StatusTimeout, 10*time.Second),
		heartbeatTimeout: orDefault(cfg.HeartbeatTimeout, 5*time.Second),
		probeAddress:     cfg.ProbeAddress,
		http:             &http.Client{},
		log:              logger.GetModuleLogger("backend"),
	}
	if c.probeAddress == "" {
		c.probeAddress = "8.8.8.8:80"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID 设备ID
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Poll 拉取一条待执行命令，没有命令时返回 nil
func (c *Client) Poll(ctx context.Context) (*device.Command, error) {
	body, err := c.do(ctx, http.MethodGet, "commands", nil, c.pollTimeout)
	if err != nil {
		return nil, err
	}

	var resp pollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrNetwork, "decode command")
	}
	if resp.Command == nil || *resp.Command == "" {
		return nil, nil
	}
	return &device.Command{Kind: *resp.Command, Params: resp.Params}, nil
}

// SendStatus 上报命令执行结果，不重试
func (c *Client) SendStatus(ctx context.Context, r device.Report) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data := r.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	_, err := c.do(ctx, http.MethodPost, "status", statusPayload{
		DeviceID:   c.deviceID,
		StatusType: r.StatusType,
		Timestamp:  ts.Format(time.RFC3339Nano),
		Data:       data,
	}, c.statusTimeout)
	logger.LogStatusReport(c.deviceID, r.StatusType, data, err)
	return err
}

// SendHeartbeat 发送心跳
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	hb.DeviceID = c.deviceID
	if hb.Timestamp == "" {
		hb.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	if hb.IPAddress == "" {
		hb.IPAddress = LocalIP(c.probeAddress)
	}
	_, err := c.do(ctx, http.MethodPost, "heartbeat", hb, c.heartbeatTimeout)
	return err
}

func (c *Client) endpoint(resource string) string {
	return fmt.Sprintf("%s/api/devices/%s/%s", c.baseURL, url.PathEscape(c.deviceID), resource)
}

func (c *Client) do(ctx context.Context, method, resource string, payload interface{}, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInvalidParam, "encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(resource), reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrNetwork)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("backend request failed",
			zap.String("method", method),
			zap.String("resource", resource),
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, errors.Wrapf(err, errors.ErrNetwork, "%s %s", method, resource)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrNetwork, "read %s response", resource)
	}

	c.log.Debug("backend request",
		zap.String("method", method),
		zap.String("resource", resource),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrBackendRejected, "%s %s: HTTP %d", method, resource, resp.StatusCode)
	}
	return body, nil
}

// LocalIP 通过UDP连接探测出口IP，失败时返回 unknown
func LocalIP(probe string) string {
	conn, err := net.Dial("udp", probe)
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "unknown"
	}
	return addr.IP.String()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
