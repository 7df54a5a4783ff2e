// Package inference 透過 HTTP 呼叫本地或雲端模型端點
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

var (
	ErrNoDecision            = errors.New("no routing decision in context")
	ErrEndpointNotConfigured = errors.New("inference endpoint not configured")
	ErrUnknownSkill          = errors.New("no executor registered for skill")
	ErrEmptyCompletion       = errors.New("endpoint returned an empty completion")
)

// StatusError 端點回傳非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference endpoint returned %d: %s", e.Code, e.Body)
}

// Retryable 5xx 與 429 可重試
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Endpoint 單一模型服務
type Endpoint struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig 指數退避設定
type RetryConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
}

// DefaultRetryConfig 100ms 起跳，最多重試 2 分鐘
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig 斷路器設定
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// Config inference 客戶端設定
type Config struct {
	Local   Endpoint      `yaml:"local"`
	Cloud   Endpoint      `yaml:"cloud"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

func (c *Config) applyDefaults() {
	d := DefaultRetryConfig()
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = d.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = d.MaxInterval
	}
	if c.Retry.MaxElapsedTime <= 0 {
		c.Retry.MaxElapsedTime = d.MaxElapsedTime
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = d.Multiplier
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = 3
	}
}

type completionRequest struct {
	Model  string            `json:"model"`
	Prompt string            `json:"prompt"`
	Skill  string            `json:"skill,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type completionResponse struct {
	Output   string `json:"output"`
	Response string `json:"response"` // ollama 風格的欄位
}

// Client 依 RoutingDecision 選擇端點的 SkillExecutor
type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	breakers map[types.Target]*gobreaker.CircuitBreaker
}

// NewClient httpClient 為 nil 時使用 http.DefaultClient
func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		breakers: make(map[types.Target]*gobreaker.CircuitBreaker),
	}
}

// Execute 只有在帶有路由決策時才會發出請求；決策取自 context，
// 遠端節點上則取自保留參數
func (c *Client) Execute(ctx context.Context, skill string, params map[string]string) (string, error) {
	decision, ok := types.DecisionFromContext(ctx)
	if !ok {
		decision, ok = types.DecisionFromParams(params)
	}
	if !ok {
		return "", ErrNoDecision
	}
	endpoint := c.endpoint(decision.Target)
	if endpoint.URL == "" {
		return "", fmt.Errorf("%w: %s", ErrEndpointNotConfigured, decision.Target)
	}

	rest := make(map[string]string, len(params))
	for k, v := range params {
		if k != "input" && !types.IsRouteParam(k) {
			rest[k] = v
		}
	}
	req := completionRequest{
		Model:  decision.ModelName,
		Prompt: params["input"],
		Skill:  skill,
		Params: rest,
	}

	var output string
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := c.breaker(decision.Target).Execute(func() (interface{}, error) {
			return c.post(ctx, endpoint, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrEmptyCompletion) {
				return backoff.Permanent(err)
			}
			log.Debug("Inference call failed, retrying", "target", decision.Target, "error", err)
			return err
		}
		output = result.(string)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Retry.InitialInterval
	policy.MaxInterval = c.cfg.Retry.MaxInterval
	policy.MaxElapsedTime = c.cfg.Retry.MaxElapsedTime
	policy.Multiplier = c.cfg.Retry.Multiplier
	policy.RandomizationFactor = c.cfg.Retry.RandomizationFactor

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("%s via %s (%s): %w", skill, decision.Target, decision.ModelName, err)
	}
	return output, nil
}

// BreakerState 回傳目標端點的斷路器狀態
func (c *Client) BreakerState(target types.Target) gobreaker.State {
	return c.breaker(target).State()
}

func (c *Client) endpoint(target types.Target) Endpoint {
	if target == types.TargetCloud {
		return c.cfg.Cloud
	}
	return c.cfg.Local
}

func (c *Client) breaker(target types.Target) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[target]; ok {
		return cb
	}
	failures := c.cfg.Breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "inference-" + string(target),
		MaxRequests: c.cfg.Breaker.HalfOpenRequests,
		Timeout:     c.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 呼叫端取消與 4xx 不代表端點故障
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && !se.Retryable()
		},
	})
	c.breakers[target] = cb
	return cb
}

func (c *Client) post(ctx context.Context, endpoint Endpoint, body completionRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	if endpoint.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, endpoint.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if out.Output != "" {
		return out.Output, nil
	}
	if out.Response != "" {
		return out.Response, nil
	}
	return "", ErrEmptyCompletion
}
