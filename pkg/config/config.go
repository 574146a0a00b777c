package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransportConfig ZeroMQ 传输配置
type TransportConfig struct {
	SubscribeEndpoint string      `yaml:"subscribe_endpoint" json:"subscribe_endpoint"` // 主账户事件发布端点（SUB 连接）
	CommandEndpoint   string      `yaml:"command_endpoint" json:"command_endpoint"`     // 本地命令通道端点（REP 绑定）
	PublishEndpoint   string      `yaml:"publish_endpoint" json:"publish_endpoint"`     // 跟单侧状态发布端点（PUB 绑定，可选，为空则不发布）
	RecvTimeoutMs     int         `yaml:"recv_timeout_ms" json:"recv_timeout_ms"`       // 非阻塞接收超时（毫秒），默认 5
	Curve             CurveConfig `yaml:"curve" json:"curve"`
}

// CurveConfig CURVE 加密认证配置（可选）
// 启用后 SUB/REP/PUB 全部走加密通道，需要本机密钥对和对端公钥
type CurveConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	PublicKey string `yaml:"public_key" json:"public_key"` // 本机公钥（Z85 编码，40 字符）
	SecretKey string `yaml:"secret_key" json:"secret_key"` // 本机私钥（Z85 编码，40 字符）
	ServerKey string `yaml:"server_key" json:"server_key"` // 对端（主账户发布者）公钥（Z85 编码）
}

// MirrorConfig 镜像跟单配置
// 启动时从配置文件加载，运行期间可通过命令通道 SET_CONFIG 热更新（不持久化）
type MirrorConfig struct {
	InvertTrades           bool    `yaml:"invert_trades" json:"invert_trades"`                         // 反向跟单：BUY<->SELL
	LotMultiplier          float64 `yaml:"lot_multiplier" json:"lot_multiplier"`                       // 手数倍率
	FixedLots              float64 `yaml:"fixed_lots" json:"fixed_lots"`                               // 固定手数，0 表示禁用（使用倍率）
	MaxLots                float64 `yaml:"max_lots" json:"max_lots"`                                   // 单笔最大手数上限，0 表示不额外限制
	CopyStopLossTakeProfit bool    `yaml:"copy_stop_loss_take_profit" json:"copy_stop_loss_take_profit"` // 是否复制止损/止盈
	CopyCloseSignals       bool    `yaml:"copy_close_signals" json:"copy_close_signals"`               // 是否跟随平仓信号（含对账孤儿清理）
}

// LicenseConfig 许可证验证配置
type LicenseConfig struct {
	Key            string `yaml:"key" json:"key"`                         // 许可证密钥
	AccountID      string `yaml:"account_id" json:"account_id"`           // 券商账户 ID
	Broker         string `yaml:"broker" json:"broker"`                   // 券商名称
	Transport      string `yaml:"transport" json:"transport"`             // 验证通道：embedded 或 remote
	URL            string `yaml:"url" json:"url"`                         // remote 模式的验证服务地址
	RecheckSeconds int    `yaml:"recheck_seconds" json:"recheck_seconds"` // 周期复检间隔（秒），默认 300
	DevBypass      bool   `yaml:"dev_bypass" json:"dev_bypass"`           // 开发模式：跳过启动验证失败（仅限本地调试）
}

// VenueConfig 跟单账户执行端配置
type VenueConfig struct {
	Type             string `yaml:"type" json:"type"`                             // rest 或 paper
	URL              string `yaml:"url" json:"url"`                               // 交易桥接服务地址（rest 模式）
	Token            string `yaml:"token" json:"token"`                           // Bearer 认证令牌（rest 模式）
	TimeoutMs        int    `yaml:"timeout_ms" json:"timeout_ms"`                 // 单次请求超时（毫秒），默认 5000
	RateCapacity     int    `yaml:"rate_capacity" json:"rate_capacity"`           // 令牌桶容量，默认 150
	RateRefillPerSec int    `yaml:"rate_refill_per_sec" json:"rate_refill_per_sec"` // 每秒补充令牌数，默认 15
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	Sinks      []string `yaml:"sinks" json:"sinks"`             // 启用的落地方式：jsonl、sqlite（可多选）
	JSONLPath  string   `yaml:"jsonl_path" json:"jsonl_path"`   // JSONL 文件路径
	SQLitePath string   `yaml:"sqlite_path" json:"sqlite_path"` // SQLite 数据库路径
}

// Config 应用配置
type Config struct {
	LogLevel           string          `yaml:"log_level" json:"log_level"`
	LogFile            string          `yaml:"log_file" json:"log_file"`
	DataDir            string          `yaml:"data_dir" json:"data_dir"` // 设备标识、纸交易状态等持久化目录
	DryRun             bool            `yaml:"dry_run" json:"dry_run"`   // 纸交易模式：不触发真实下单，仅记录
	TickMs             int             `yaml:"tick_ms" json:"tick_ms"`   // 调度周期（毫秒），默认 50（20Hz）
	Transport          TransportConfig `yaml:"transport" json:"transport"`
	Mirror             MirrorConfig    `yaml:"mirror" json:"mirror"`
	License            LicenseConfig   `yaml:"license" json:"license"`
	Venue              VenueConfig     `yaml:"venue" json:"venue"`
	Audit              AuditConfig     `yaml:"audit" json:"audit"`
	ControlPlaneListen string          `yaml:"control_plane_listen" json:"control_plane_listen"` // 只读状态 API 监听地址，为空则不启动
	MetricsListen      string          `yaml:"metrics_listen" json:"metrics_listen"`             // expvar/pprof 调试服务监听地址，为空则不启动
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置（支持 YAML 和 JSON，按扩展名区分）
// 优先级：配置文件 > 环境变量 > 默认值
func LoadFromFile(filePath string) (*Config, error) {
	var config Config

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
		}

		ext := strings.ToLower(filepath.Ext(filePath))
		switch ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
			}
		default:
			return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
		}
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = &config
	configFilePath = filePath
	return &config, nil
}

// applyEnvOverrides 用环境变量填充配置文件未设置的字段
func applyEnvOverrides(c *Config) {
	if c.LogLevel == "" {
		c.LogLevel = getEnv("LOG_LEVEL", "")
	}
	if c.LogFile == "" {
		c.LogFile = getEnv("LOG_FILE", "")
	}
	if c.DataDir == "" {
		c.DataDir = getEnv("COPIER_DATA_DIR", "")
	}
	if !c.DryRun {
		c.DryRun = parseBoolEnv("DRY_RUN", false)
	}
	if c.TickMs == 0 {
		c.TickMs = parseIntEnv("COPIER_TICK_MS", 0)
	}

	if c.Transport.SubscribeEndpoint == "" {
		c.Transport.SubscribeEndpoint = getEnv("ZMQ_SUBSCRIBE_ENDPOINT", "")
	}
	if c.Transport.CommandEndpoint == "" {
		c.Transport.CommandEndpoint = getEnv("ZMQ_COMMAND_ENDPOINT", "")
	}
	if c.Transport.PublishEndpoint == "" {
		c.Transport.PublishEndpoint = getEnv("ZMQ_PUBLISH_ENDPOINT", "")
	}
	if c.Transport.Curve.PublicKey == "" {
		c.Transport.Curve.PublicKey = getEnv("ZMQ_CURVE_PUBLIC_KEY", "")
	}
	if c.Transport.Curve.SecretKey == "" {
		c.Transport.Curve.SecretKey = getEnv("ZMQ_CURVE_SECRET_KEY", "")
	}
	if c.Transport.Curve.ServerKey == "" {
		c.Transport.Curve.ServerKey = getEnv("ZMQ_CURVE_SERVER_KEY", "")
	}

	if c.Mirror.LotMultiplier == 0 {
		c.Mirror.LotMultiplier = parseFloatEnv("MIRROR_LOT_MULTIPLIER", 0)
	}

	if c.License.Key == "" {
		c.License.Key = getEnv("LICENSE_KEY", "")
	}
	if c.License.AccountID == "" {
		c.License.AccountID = getEnv("LICENSE_ACCOUNT_ID", "")
	}
	if c.License.Broker == "" {
		c.License.Broker = getEnv("LICENSE_BROKER", "")
	}
	if c.License.URL == "" {
		c.License.URL = getEnv("LICENSE_API_URL", "")
	}
	if !c.License.DevBypass {
		c.License.DevBypass = parseBoolEnv("LICENSE_DEV_BYPASS", false)
	}

	if c.Venue.URL == "" {
		c.Venue.URL = getEnv("VENUE_API_URL", "")
	}
	if c.Venue.Token == "" {
		c.Venue.Token = getEnv("VENUE_API_TOKEN", "")
	}

	if c.ControlPlaneListen == "" {
		c.ControlPlaneListen = getEnv("CONTROL_PLANE_LISTEN", "")
	}
	if c.MetricsListen == "" {
		c.MetricsListen = getEnv("METRICS_ADDR", "")
	}
}

// applyDefaults 填充剩余默认值
func applyDefaults(c *Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFile == "" {
		c.LogFile = "logs/copier.log"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.TickMs == 0 {
		c.TickMs = 50
	}
	if c.Transport.RecvTimeoutMs == 0 {
		c.Transport.RecvTimeoutMs = 5
	}
	if c.Mirror.LotMultiplier == 0 && c.Mirror.FixedLots == 0 {
		c.Mirror.LotMultiplier = 1.0
	}
	if c.License.Transport == "" {
		c.License.Transport = "embedded"
	}
	if c.License.RecheckSeconds == 0 {
		c.License.RecheckSeconds = 300
	}
	if c.Venue.Type == "" {
		if c.DryRun {
			c.Venue.Type = "paper"
		} else {
			c.Venue.Type = "rest"
		}
	}
	if c.Venue.TimeoutMs == 0 {
		c.Venue.TimeoutMs = 5000
	}
	if c.Venue.RateCapacity == 0 {
		c.Venue.RateCapacity = 150
	}
	if c.Venue.RateRefillPerSec == 0 {
		c.Venue.RateRefillPerSec = 15
	}
	if len(c.Audit.Sinks) == 0 {
		c.Audit.Sinks = []string{"jsonl"}
	}
	if c.Audit.JSONLPath == "" {
		c.Audit.JSONLPath = filepath.Join(c.DataDir, "audit", "mirror_trades.jsonl")
	}
	if c.Audit.SQLitePath == "" {
		c.Audit.SQLitePath = filepath.Join(c.DataDir, "audit", "mirror_trades.db")
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Transport.SubscribeEndpoint == "" {
		return fmt.Errorf("transport.subscribe_endpoint 未配置（主账户事件订阅端点）")
	}
	if c.Transport.CommandEndpoint == "" {
		return fmt.Errorf("transport.command_endpoint 未配置（命令通道端点）")
	}
	if c.Transport.RecvTimeoutMs < 1 || c.Transport.RecvTimeoutMs > 50 {
		return fmt.Errorf("transport.recv_timeout_ms 必须在 1 到 50 毫秒之间，当前值: %d", c.Transport.RecvTimeoutMs)
	}
	if c.Transport.Curve.Enabled {
		if c.Transport.Curve.PublicKey == "" || c.Transport.Curve.SecretKey == "" {
			return fmt.Errorf("CURVE 加密已启用但本机密钥对未配置")
		}
		if c.Transport.Curve.ServerKey == "" {
			return fmt.Errorf("CURVE 加密已启用但对端公钥 server_key 未配置")
		}
	}

	if c.Mirror.LotMultiplier < 0 {
		return fmt.Errorf("mirror.lot_multiplier 不能为负数")
	}
	if c.Mirror.FixedLots < 0 {
		return fmt.Errorf("mirror.fixed_lots 不能为负数")
	}
	if c.Mirror.MaxLots < 0 {
		return fmt.Errorf("mirror.max_lots 不能为负数")
	}
	if c.Mirror.FixedLots == 0 && c.Mirror.LotMultiplier == 0 {
		return fmt.Errorf("mirror.lot_multiplier 和 mirror.fixed_lots 不能同时为 0")
	}

	switch c.License.Transport {
	case "embedded", "remote":
	default:
		return fmt.Errorf("license.transport 必须是 embedded 或 remote，当前值: %s", c.License.Transport)
	}
	if !c.License.DevBypass {
		if c.License.Key == "" {
			return fmt.Errorf("LICENSE_KEY 未配置（非开发模式下必须提供许可证密钥）")
		}
		if c.License.AccountID == "" {
			return fmt.Errorf("LICENSE_ACCOUNT_ID 未配置")
		}
	}
	if c.License.Transport == "remote" && c.License.URL == "" && !c.License.DevBypass {
		return fmt.Errorf("license.url 未配置（remote 验证模式必须提供服务地址）")
	}
	if c.License.RecheckSeconds < 10 {
		return fmt.Errorf("license.recheck_seconds 不能小于 10 秒，当前值: %d", c.License.RecheckSeconds)
	}

	switch c.Venue.Type {
	case "rest":
		if c.Venue.URL == "" {
			return fmt.Errorf("VENUE_API_URL 未配置（rest 执行端必须提供桥接服务地址）")
		}
		if c.Venue.Token == "" {
			return fmt.Errorf("VENUE_API_TOKEN 未配置（rest 执行端必须提供认证令牌）")
		}
	case "paper":
	default:
		return fmt.Errorf("venue.type 必须是 rest 或 paper，当前值: %s", c.Venue.Type)
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "jsonl", "sqlite":
		default:
			return fmt.Errorf("audit.sinks 包含未知的落地方式: %s（支持 jsonl、sqlite）", sink)
		}
	}

	if c.TickMs < 10 || c.TickMs > 1000 {
		return fmt.Errorf("tick_ms 必须在 10 到 1000 毫秒之间，当前值: %d", c.TickMs)
	}
	return nil
}

// getEnv 获取环境变量，如果不存在返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
