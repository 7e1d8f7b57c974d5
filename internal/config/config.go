package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// 存储后端
const (
	StorageBackendRedis  = "redis"
	StorageBackendMemory = "memory"
)

// Config 应用配置结构
type Config struct {
	Trading  TradingConfig  `mapstructure:"trading" yaml:"trading"`
	Oracle   OracleConfig   `mapstructure:"oracle" yaml:"oracle"`
	Custody  CustodyConfig  `mapstructure:"custody" yaml:"custody"`
	Keeper   KeeperConfig   `mapstructure:"keeper" yaml:"keeper"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	System   SystemConfig   `mapstructure:"system" yaml:"system"`
}

// TradingConfig 交易参数，仅在账本配置不存在时用于初始化
type TradingConfig struct {
	Authority            string `mapstructure:"authority" yaml:"authority"` // 管理员
	TradingFeeBps        int    `mapstructure:"trading_fee_bps" yaml:"trading_fee_bps"`
	KeeperFeeBps         int    `mapstructure:"keeper_fee_bps" yaml:"keeper_fee_bps"`
	MaxLeverage          int    `mapstructure:"max_leverage" yaml:"max_leverage"`
	MinLeverage          int    `mapstructure:"min_leverage" yaml:"min_leverage"`
	DeleverageThresholds []int  `mapstructure:"deleverage_thresholds" yaml:"deleverage_thresholds"`
	Paused               bool   `mapstructure:"paused" yaml:"paused"`
}

// OracleConfig 预言机配置
type OracleConfig struct {
	Authority          string `mapstructure:"authority" yaml:"authority"` // 可信价格发布方
	MaxPriceAgeSeconds int    `mapstructure:"max_price_age_seconds" yaml:"max_price_age_seconds"`
	MaxConfidenceBps   int    `mapstructure:"max_confidence_bps" yaml:"max_confidence_bps"`
	FeedKeyPrefix      string `mapstructure:"feed_key_prefix" yaml:"feed_key_prefix"`
}

// CustodyConfig 托管账户配置
type CustodyConfig struct {
	Vault    string `mapstructure:"vault" yaml:"vault"`
	Treasury string `mapstructure:"treasury" yaml:"treasury"`
}

// KeeperConfig 自动减仓执行人配置
type KeeperConfig struct {
	Enabled             bool   `mapstructure:"enabled" yaml:"enabled"`
	ID                  string `mapstructure:"id" yaml:"id"` // 接收减仓奖励的账户
	ScanIntervalSeconds int    `mapstructure:"scan_interval_seconds" yaml:"scan_interval_seconds"`
	Workers             int    `mapstructure:"workers" yaml:"workers"`
	LockTTLSeconds      int    `mapstructure:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
	RetryDelaySeconds   int    `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	MaxRetries          int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// MonitorConfig 价格波动监控配置
type MonitorConfig struct {
	Enabled               bool     `mapstructure:"enabled" yaml:"enabled"`
	Pairs                 []string `mapstructure:"pairs" yaml:"pairs"` // 为空时监控全部交易对
	CheckIntervalSeconds  int      `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds"`
	MoveThresholdBps      int      `mapstructure:"move_threshold_bps" yaml:"move_threshold_bps"`
	HistoryRetentionHours int      `mapstructure:"history_retention_hours" yaml:"history_retention_hours"`
}

// FxPairs 解析监控的交易对，支持 "EURUSD" 和 "EUR/USD" 两种写法
func (c MonitorConfig) FxPairs() ([]model.FxPair, error) {
	pairs := make([]model.FxPair, 0, len(c.Pairs))
	for _, symbol := range c.Pairs {
		pair, err := model.ParseFxPairSymbol(symbol)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// PostgresConfig PostgreSQL配置，启用后结算事件写入数据库
type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"` // 从配置文件或环境变量中读取
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	SSLMode        string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
}

// MetricsConfig 指标服务配置
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	StorageBackend string `mapstructure:"storage_backend" yaml:"storage_backend"` // redis 或 memory
	LogLevel       string `mapstructure:"log_level" yaml:"log_level"`
	LogDir         string `mapstructure:"log_dir" yaml:"log_dir"`
	LogMaxSizeMB   int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups  int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays  int    `mapstructure:"log_max_age_days" yaml:"log_max_age_days"`
}

// LoadConfig 从文件加载配置，环境变量（FXMARGIN_ 前缀）可覆盖文件中的值
func LoadConfig(filePath string) (*Config, error) {
	// .env 文件可选，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 环境变量如 FXMARGIN_REDIS_HOST 覆盖 redis.host
	v.SetEnvPrefix("FXMARGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 敏感信息的常用环境变量名
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("redis.password", redisPassword)
	}
	if postgresPassword := os.Getenv("POSTGRES_PASSWORD"); postgresPassword != "" {
		v.Set("postgres.password", postgresPassword)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// LoadConfigFromYAML 直接用yaml解析配置文件，不读取环境变量
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	if config.Trading.Authority == "" {
		return fmt.Errorf("管理员账户不能为空")
	}
	if config.Custody.Vault == "" {
		return fmt.Errorf("保证金托管账户不能为空")
	}
	if config.Oracle.Authority == "" {
		return fmt.Errorf("价格发布方不能为空")
	}

	// 交易参数
	if config.Trading.MinLeverage <= 0 {
		return fmt.Errorf("最小杠杆倍数必须大于0")
	}
	if config.Trading.MaxLeverage > 255 {
		return fmt.Errorf("最大杠杆倍数不能超过255")
	}
	if config.Trading.MaxLeverage < config.Trading.MinLeverage {
		return fmt.Errorf("最大杠杆倍数不能小于最小杠杆倍数")
	}
	if !validBps(config.Trading.TradingFeeBps) || !validBps(config.Trading.KeeperFeeBps) {
		return fmt.Errorf("费率必须在0到10000基点之间")
	}
	thresholds, err := parseThresholds(config.Trading.DeleverageThresholds)
	if err != nil {
		return err
	}
	if err := model.ValidateThresholds(thresholds); err != nil {
		return err
	}

	// 预言机参数
	if config.Oracle.MaxPriceAgeSeconds <= 0 {
		return fmt.Errorf("价格最大时延必须大于0")
	}
	if !validBps(config.Oracle.MaxConfidenceBps) {
		return fmt.Errorf("置信区间上限必须在0到10000基点之间")
	}

	switch config.System.StorageBackend {
	case StorageBackendRedis:
		if config.Redis.Host == "" {
			return fmt.Errorf("Redis主机不能为空")
		}
		if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
			return fmt.Errorf("无效的Redis端口")
		}
	case StorageBackendMemory:
		if config.Keeper.Enabled && config.Keeper.ID == "" {
			return fmt.Errorf("keeper已启用，但未配置奖励账户")
		}
	default:
		return fmt.Errorf("未知的存储后端: %q", config.System.StorageBackend)
	}

	if _, err := config.Monitor.FxPairs(); err != nil {
		return fmt.Errorf("监控交易对无效: %w", err)
	}

	if config.Postgres.Enabled && config.Postgres.Host == "" {
		return fmt.Errorf("PostgreSQL已启用，但主机未配置")
	}
	if config.Metrics.Enabled && config.Metrics.ListenAddr == "" {
		return fmt.Errorf("指标服务已启用，但监听地址未配置")
	}

	return nil
}

func validBps(bps int) bool {
	return bps >= 0 && bps <= 10000
}

func parseThresholds(values []int) ([model.TierCount]uint8, error) {
	var thresholds [model.TierCount]uint8
	if len(values) != model.TierCount {
		return thresholds, fmt.Errorf("减仓阈值必须是%d个，实际%d个", model.TierCount, len(values))
	}
	for i, value := range values {
		if value < 0 || value > 100 {
			return thresholds, fmt.Errorf("档位 %d 阈值 %d 超出范围: %w", i, value, model.ErrInvalidDeleverageTier)
		}
		thresholds[i] = uint8(value)
	}
	return thresholds, nil
}

// ToTradingConfig 构建账本配置单例，调用前配置必须已通过校验
func (c *Config) ToTradingConfig() (*model.TradingConfig, error) {
	thresholds, err := parseThresholds(c.Trading.DeleverageThresholds)
	if err != nil {
		return nil, err
	}

	cfg := model.NewTradingConfig(c.Trading.Authority, c.Custody.Vault, c.Custody.Treasury, c.Oracle.Authority)
	cfg.TradingFeeBps = uint16(c.Trading.TradingFeeBps)
	cfg.KeeperFeeBps = uint16(c.Trading.KeeperFeeBps)
	cfg.MaxLeverage = uint8(c.Trading.MaxLeverage)
	cfg.MinLeverage = uint8(c.Trading.MinLeverage)
	cfg.DeleverageThresholds = thresholds
	cfg.MaxPriceAge = time.Duration(c.Oracle.MaxPriceAgeSeconds) * time.Second
	cfg.MaxPriceConfidenceBps = uint16(c.Oracle.MaxConfidenceBps)
	cfg.IsPaused = c.Trading.Paused

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetDefaultConfig 获取默认配置（用于生成示例配置）
func GetDefaultConfig() *Config {
	thresholds := make([]int, 0, model.TierCount)
	for _, threshold := range model.DefaultDeleverageThresholds {
		thresholds = append(thresholds, int(threshold))
	}

	return &Config{
		Trading: TradingConfig{
			Authority:            "fxmargin-admin",
			TradingFeeBps:        int(model.DefaultTradingFeeBps),
			KeeperFeeBps:         int(model.DefaultKeeperFeeBps),
			MaxLeverage:          int(model.DefaultMaxLeverage),
			MinLeverage:          int(model.DefaultMinLeverage),
			DeleverageThresholds: thresholds,
		},
		Oracle: OracleConfig{
			Authority:          "price-receiver",
			MaxPriceAgeSeconds: int(model.DefaultMaxPriceAge / time.Second),
			MaxConfidenceBps:   int(model.DefaultMaxPriceConfidenceBps),
			FeedKeyPrefix:      "oracle:feed:",
		},
		Custody: CustodyConfig{
			Vault:    "fxmargin-vault",
			Treasury: "fxmargin-treasury",
		},
		Keeper: KeeperConfig{
			Enabled:             true,
			ID:                  "keeper-1",
			ScanIntervalSeconds: 10,
			Workers:             4,
			LockTTLSeconds:      30,
			RetryDelaySeconds:   5,
			MaxRetries:          3,
		},
		Monitor: MonitorConfig{
			Enabled:               true,
			CheckIntervalSeconds:  15,
			MoveThresholdBps:      50,
			HistoryRetentionHours: 168,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			KeyPrefix: "fxmargin:",
		},
		Postgres: PostgresConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           5432,
			Database:       "fxmargin",
			User:           "postgres",
			MaxConnections: 25,
			SSLMode:        "disable",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		System: SystemConfig{
			StorageBackend: StorageBackendRedis,
			LogLevel:       "INFO",
			LogDir:         "./logs",
			LogMaxSizeMB:   100,
			LogMaxBackups:  7,
			LogMaxAgeDays:  30,
		},
	}
}

// SaveConfigToFile 将配置保存到文件，不包含密码
func SaveConfigToFile(config *Config, filePath string) error {
	sanitized := *config
	sanitized.Redis.Password = ""
	sanitized.Postgres.Password = ""

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
