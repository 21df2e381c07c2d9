// Package outbound 提供自动化 webhook 动作使用的出站 HTTP 客户端。
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config 出站客户端配置
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
		UserAgent:  "Planora-Automation/1.0",
	}
}

// Client 出站 webhook HTTP 客户端
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// Post delivers a JSON payload to the target URL. Non-2xx responses,
// timeouts and transport errors surface as ordinary errors for the caller
// to record; the engine treats them as action failures, never faults.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("outbound webhook retry attempt %d/%d: %s", attempt, c.config.MaxRetries, url)
		}

		req, err := c.createRequest(ctx, url, headers, body)
		if err != nil {
			return err
		}

		if err := c.doRequest(req); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return lastErr
}

func (c *Client) createRequest(ctx context.Context, url string, headers map[string]string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (c *Client) doRequest(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// 读掉响应体以复用连接，只保留片段用于错误信息
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	io.Copy(io.Discard, resp.Body)

	c.logger.Debugf("outbound webhook: %s -> %d", req.URL.String(), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook target returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
