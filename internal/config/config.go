// Package config 載入 venom 的 YAML 設定檔
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpieniak01/venom/internal/autonomy"
	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/inference"
	"github.com/mpieniak01/venom/internal/tracing"
	"github.com/mpieniak01/venom/pkg/types"
)

// DefaultPath run 指令預設讀取的設定檔
const DefaultPath = "configs/venom.yaml"

// Config 完整的系統設定，以 YAML tag 對應設定檔欄位
type Config struct {
	Queue struct {
		MaxActive int `yaml:"max_active"`
	} `yaml:"queue"`

	Storage struct {
		WALPath          string        `yaml:"wal_path"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SyncWAL          bool          `yaml:"sync_wal"`
		WALArchives      int           `yaml:"wal_archives"`
	} `yaml:"storage"`

	// 自主等級與付費模式沒有設定欄位：每次啟動都是 ISOLATED / false，
	// 只能在執行期透過 API 或 CLI 調整
	Autonomy struct {
		PermissionsFile string            `yaml:"permissions_file"`
		Permissions     map[string]string `yaml:"permissions"`
	} `yaml:"autonomy"`

	Routing struct {
		Mode             string   `yaml:"mode"` // LOCAL | HYBRID | CLOUD
		LocalModel       string   `yaml:"local_model"`
		LocalProvider    string   `yaml:"local_provider"`
		CloudModel       string   `yaml:"cloud_model"`
		CloudProvider    string   `yaml:"cloud_provider"`
		ComplexTaskTypes []string `yaml:"complex_task_types"`
	} `yaml:"routing"`

	Distribution struct {
		Mode          string        `yaml:"mode"` // local | nexus | hive
		RemoteTimeout time.Duration `yaml:"remote_timeout"`
		DrainTimeout  time.Duration `yaml:"drain_timeout"`
	} `yaml:"distribution"`

	Nexus struct {
		Listen          string        `yaml:"listen"`
		HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
		OfflineGrace    time.Duration `yaml:"offline_grace"`
	} `yaml:"nexus"`

	Hive struct {
		Path         string        `yaml:"path"`    // 空字串：記憶體佇列
		Workers      int           `yaml:"workers"` // 0：不在本行程消費
		Lease        time.Duration `yaml:"lease"`
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"hive"`

	Inference inference.Config `yaml:"inference"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// Default 內建預設值；設定檔不存在時使用
func Default() *Config {
	var c Config
	c.Queue.MaxActive = 4
	c.Storage.WALPath = "data/venom.wal"
	c.Storage.SnapshotInterval = 30 * time.Second
	c.Storage.WALArchives = 3
	c.Routing.Mode = string(costguard.ModeHybrid)
	c.Routing.LocalModel = "llama3"
	c.Routing.LocalProvider = "ollama"
	c.Routing.CloudModel = "gpt-4o"
	c.Routing.CloudProvider = "openai"
	c.Distribution.Mode = "local"
	c.Distribution.RemoteTimeout = 30 * time.Second
	c.Distribution.DrainTimeout = 10 * time.Second
	c.Nexus.Listen = ":7000"
	c.Nexus.HeartbeatWindow = 10 * time.Second
	c.Nexus.OfflineGrace = 5 * time.Minute
	c.Hive.Workers = 2
	c.Hive.Lease = 30 * time.Second
	c.Hive.PollInterval = 200 * time.Millisecond
	c.Hive.MaxAttempts = 5
	c.Inference.Local.URL = "http://localhost:11434/api/generate"
	c.Inference.Local.Timeout = 2 * time.Minute
	c.Inference.Cloud.Timeout = time.Minute
	c.HTTP.Addr = ":8080"
	c.Metrics.Enabled = true
	c.Tracing.Exporter = "none"
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return &c
}

// Load 讀取設定檔並覆蓋預設值；檔案不存在時回傳 Default()
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := rejectBootElevation(data); err != nil {
		return nil, err
	}
	// 環境變數優先於檔案中的金鑰
	if key := os.Getenv("VENOM_CLOUD_API_KEY"); key != "" {
		cfg.Inference.Cloud.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrBootElevation 設定檔試圖在啟動時提升權限
var ErrBootElevation = errors.New("elevation is runtime-only and resets on every start")

// rejectBootElevation 舊版設定檔的 autonomy.initial_level / routing.paid_mode：
// 只接受安全預設值（ISOLATED / false），其他值一律拒絕
func rejectBootElevation(data []byte) error {
	var legacy struct {
		Autonomy struct {
			InitialLevel *string `yaml:"initial_level"`
		} `yaml:"autonomy"`
		Routing struct {
			PaidMode *bool `yaml:"paid_mode"`
		} `yaml:"routing"`
	}
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}

	var errs []error
	if lvl := legacy.Autonomy.InitialLevel; lvl != nil {
		parsed, err := types.ParseLevel(*lvl)
		if err != nil || parsed != types.LevelIsolated {
			errs = append(errs, fmt.Errorf("autonomy.initial_level %q: %w", *lvl, ErrBootElevation))
		}
	}
	if paid := legacy.Routing.PaidMode; paid != nil && *paid {
		errs = append(errs, fmt.Errorf("routing.paid_mode: %w", ErrBootElevation))
	}
	return errors.Join(errs...)
}

// Validate 檢查列舉值與數值範圍
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxActive < 1 {
		errs = append(errs, fmt.Errorf("queue.max_active must be >= 1, got %d", c.Queue.MaxActive))
	}
	if _, err := costguard.ParseMode(c.Routing.Mode); err != nil {
		errs = append(errs, fmt.Errorf("routing.mode: %w", err))
	}
	if _, err := c.ComplexTaskTypes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Distribution.Mode {
	case "local", "nexus", "hive":
	default:
		errs = append(errs, fmt.Errorf("distribution.mode must be local, nexus or hive, got %q", c.Distribution.Mode))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Permissions 依序採用：權限檔、inline 表、內建預設表
func (c *Config) Permissions() (autonomy.PermissionMap, error) {
	if c.Autonomy.PermissionsFile != "" {
		return autonomy.LoadPermissions(c.Autonomy.PermissionsFile)
	}
	if len(c.Autonomy.Permissions) > 0 {
		return autonomy.FromNames(c.Autonomy.Permissions)
	}
	return autonomy.DefaultPermissions(), nil
}

// ModelConfig 轉成 CostRouter 的設定
func (c *Config) ModelConfig() (costguard.ModelConfig, error) {
	mode, err := costguard.ParseMode(c.Routing.Mode)
	if err != nil {
		return costguard.ModelConfig{}, err
	}
	complexTypes, err := c.ComplexTaskTypes()
	if err != nil {
		return costguard.ModelConfig{}, err
	}
	return costguard.ModelConfig{
		Mode:          mode,
		LocalModel:    c.Routing.LocalModel,
		LocalProvider: c.Routing.LocalProvider,
		CloudModel:    c.Routing.CloudModel,
		CloudProvider: c.Routing.CloudProvider,
		ComplexTypes:  complexTypes,
	}, nil
}

// ComplexTaskTypes 驗證 routing.complex_task_types 中的名稱
func (c *Config) ComplexTaskTypes() ([]types.TaskType, error) {
	known := make(map[types.TaskType]bool)
	for _, tt := range types.AllTaskTypes() {
		known[tt] = true
	}
	var out []types.TaskType
	for _, raw := range c.Routing.ComplexTaskTypes {
		tt := types.TaskType(strings.ToUpper(strings.TrimSpace(raw)))
		if !known[tt] {
			return nil, fmt.Errorf("routing.complex_task_types: unknown task type %q", raw)
		}
		out = append(out, tt)
	}
	return out, nil
}

// ParseLogLevel 解析 logging.level
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// NewLogger 依 logging 區段建立 slog.Logger
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
