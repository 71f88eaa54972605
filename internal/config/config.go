package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Scraper  ScraperConfig  `json:"scraper"`
	Catalog  CatalogConfig  `json:"catalog"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // API 服务监听地址

	ItemDelay      time.Duration `json:"item_delay"`      // 相邻商品之间的固定间隔（如 "2s"）
	ScraperTimeout time.Duration `json:"scraper_timeout"` // 单次抓取调用超时
	CatalogTimeout time.Duration `json:"catalog_timeout"` // 店铺目录 API 超时
	StaleAfter     time.Duration `json:"stale_after"`     // 超过该时长未同步的商品视为过期

	MaxJobErrors      int           `json:"max_job_errors"`      // 每个任务保留的错误条数上限
	JobRetention      time.Duration `json:"job_retention"`       // 终态任务在内存中的保留时长
	MaxRetainedJobs   int           `json:"max_retained_jobs"`   // 内存中保留的终态任务数上限
	JanitorInterval   time.Duration `json:"janitor_interval"`    // 清理终态任务的间隔
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"` // 可同时执行的同步任务数
	JobQueueCapacity  int           `json:"job_queue_capacity"`  // 等待执行的任务数上限
	DefaultBatchSize  int           `json:"default_batch_size"`  // 未指定商品时的默认批量

	ScheduleInterval   time.Duration `json:"schedule_interval"`    // 定时同步间隔（如 "1h"）
	ScheduledBatchSize int           `json:"scheduled_batch_size"` // 定时同步每批商品数
	DisableScheduler   bool          `json:"disable_scheduler"`    // 关闭定时同步

	ProfitMargin float64       `json:"profit_margin"` // 利润率（百分比）
	DedupWindow  time.Duration `json:"dedup_window"`  // 重复同步请求的拦截窗口
	RateLimit    float64       `json:"rate_limit"`    // 每个供应商的限流速率（token/s）
	RateBurst    float64       `json:"rate_burst"`    // 限流桶容量
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ScraperConfig 各供应商抓取服务地址，为空表示不抓取该供应商。
type ScraperConfig struct {
	DinamikURL string `json:"dinamik_url"`
	BasbugURL  string `json:"basbug_url"`
	DogusURL   string `json:"dogus_url"`
	// LocalLimiter 为 true 时使用进程内限流代替 Redis 令牌桶（单实例部署）
	LocalLimiter bool `json:"local_limiter"`
}

// CatalogConfig 店铺目录（WooCommerce REST API）配置，URL 为空表示不推送。
type CatalogConfig struct {
	URL            string `json:"url"`
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 同步结果通知的接收人
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // JWT 签名密钥
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// 以默认配置为底，文件中出现的字段覆盖默认值
	cfg := getDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:                "local",
			LogLevel:           "info",
			HTTPAddr:           ":8081",
			ItemDelay:          2 * time.Second,
			ScraperTimeout:     30 * time.Second,
			CatalogTimeout:     30 * time.Second,
			StaleAfter:         24 * time.Hour,
			MaxJobErrors:       100,
			JobRetention:       time.Hour,
			MaxRetainedJobs:    200,
			JanitorInterval:    5 * time.Minute,
			MaxConcurrentJobs:  4,
			JobQueueCapacity:   16,
			DefaultBatchSize:   100,
			ScheduleInterval:   time.Hour,
			ScheduledBatchSize: 50,
			ProfitMargin:       15,
			DedupWindow:        10 * time.Second,
			RateLimit:          1,
			RateBurst:          3,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/partsync?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Scraper: ScraperConfig{
			DinamikURL: "http://localhost:5001",
			BasbugURL:  "http://localhost:5002",
			DogusURL:   "http://localhost:5003",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	// item_delay 允许显式配置为 0，仅在负数时回退
	if cfg.App.ItemDelay < 0 {
		cfg.App.ItemDelay = defaults.App.ItemDelay
	}
	if cfg.App.ScraperTimeout <= 0 {
		cfg.App.ScraperTimeout = defaults.App.ScraperTimeout
	}
	if cfg.App.CatalogTimeout <= 0 {
		cfg.App.CatalogTimeout = defaults.App.CatalogTimeout
	}
	if cfg.App.StaleAfter <= 0 {
		cfg.App.StaleAfter = defaults.App.StaleAfter
	}
	if cfg.App.MaxJobErrors <= 0 {
		cfg.App.MaxJobErrors = defaults.App.MaxJobErrors
	}
	if cfg.App.JobRetention <= 0 {
		cfg.App.JobRetention = defaults.App.JobRetention
	}
	if cfg.App.MaxRetainedJobs <= 0 {
		cfg.App.MaxRetainedJobs = defaults.App.MaxRetainedJobs
	}
	if cfg.App.JanitorInterval <= 0 {
		cfg.App.JanitorInterval = defaults.App.JanitorInterval
	}
	if cfg.App.MaxConcurrentJobs <= 0 {
		cfg.App.MaxConcurrentJobs = defaults.App.MaxConcurrentJobs
	}
	if cfg.App.JobQueueCapacity <= 0 {
		cfg.App.JobQueueCapacity = defaults.App.JobQueueCapacity
	}
	if cfg.App.DefaultBatchSize <= 0 {
		cfg.App.DefaultBatchSize = defaults.App.DefaultBatchSize
	}
	if cfg.App.ScheduleInterval <= 0 {
		cfg.App.ScheduleInterval = defaults.App.ScheduleInterval
	}
	if cfg.App.ScheduledBatchSize <= 0 {
		cfg.App.ScheduledBatchSize = defaults.App.ScheduledBatchSize
	}
	if cfg.App.ProfitMargin < 0 {
		cfg.App.ProfitMargin = defaults.App.ProfitMargin
	}
	if cfg.App.DedupWindow <= 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("woo_consumer_key", "WOO_CONSUMER_KEY")
	_ = viper.BindEnv("woo_consumer_secret", "WOO_CONSUMER_SECRET")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}

	envDuration("APP_ITEM_DELAY", &cfg.App.ItemDelay)
	envDuration("APP_SCRAPER_TIMEOUT", &cfg.App.ScraperTimeout)
	envDuration("APP_CATALOG_TIMEOUT", &cfg.App.CatalogTimeout)
	envDuration("APP_STALE_AFTER", &cfg.App.StaleAfter)
	envDuration("APP_JOB_RETENTION", &cfg.App.JobRetention)
	envDuration("APP_JANITOR_INTERVAL", &cfg.App.JanitorInterval)
	envDuration("APP_SCHEDULE_INTERVAL", &cfg.App.ScheduleInterval)
	envDuration("APP_DEDUP_WINDOW", &cfg.App.DedupWindow)

	envInt("APP_MAX_JOB_ERRORS", &cfg.App.MaxJobErrors)
	envInt("APP_MAX_RETAINED_JOBS", &cfg.App.MaxRetainedJobs)
	envInt("APP_MAX_CONCURRENT_JOBS", &cfg.App.MaxConcurrentJobs)
	envInt("APP_JOB_QUEUE_CAPACITY", &cfg.App.JobQueueCapacity)
	envInt("APP_DEFAULT_BATCH_SIZE", &cfg.App.DefaultBatchSize)
	envInt("APP_SCHEDULED_BATCH_SIZE", &cfg.App.ScheduledBatchSize)

	envFloat("APP_PROFIT_MARGIN", &cfg.App.ProfitMargin)
	envFloat("APP_RATE_LIMIT", &cfg.App.RateLimit)
	envFloat("APP_RATE_BURST", &cfg.App.RateBurst)

	if v := os.Getenv("APP_DISABLE_SCHEDULER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.App.DisableScheduler = b
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SCRAPER_DINAMIK_URL"); v != "" {
		cfg.Scraper.DinamikURL = v
	}
	if v := os.Getenv("SCRAPER_BASBUG_URL"); v != "" {
		cfg.Scraper.BasbugURL = v
	}
	if v := os.Getenv("SCRAPER_DOGUS_URL"); v != "" {
		cfg.Scraper.DogusURL = v
	}
	if v := os.Getenv("SCRAPER_LOCAL_LIMITER"); v != "" {
		cfg.Scraper.LocalLimiter = v == "true" || v == "1"
	}

	if v := os.Getenv("WOO_URL"); v != "" {
		cfg.Catalog.URL = v
	}
	if v := viper.GetString("woo_consumer_key"); v != "" {
		cfg.Catalog.ConsumerKey = v
	}
	if v := viper.GetString("woo_consumer_secret"); v != "" {
		cfg.Catalog.ConsumerSecret = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "partsync"
	cfg.ParseTime = true
	cfg.Params = map[string]string{"loc": "Local"}
	return cfg
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// durationFields 列出 AppConfig 中以字符串形式（如 "30s"）序列化的时长字段。
func (a *AppConfig) durationFields() map[string]*time.Duration {
	return map[string]*time.Duration{
		"item_delay":        &a.ItemDelay,
		"scraper_timeout":   &a.ScraperTimeout,
		"catalog_timeout":   &a.CatalogTimeout,
		"stale_after":       &a.StaleAfter,
		"job_retention":     &a.JobRetention,
		"janitor_interval":  &a.JanitorInterval,
		"schedule_interval": &a.ScheduleInterval,
		"dedup_window":      &a.DedupWindow,
	}
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed := make(map[string]time.Duration)
	for name := range a.durationFields() {
		v, ok := raw[name]
		if !ok {
			continue
		}
		delete(raw, name)
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		parsed[name] = d
	}

	rest, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rest, (*Alias)(a)); err != nil {
		return err
	}
	fields := a.durationFields()
	for name, d := range parsed {
		*fields[name] = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	base, err := json.Marshal((*Alias)(&a))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for name, d := range a.durationFields() {
		out[name] = d.String()
	}
	return json.Marshal(out)
}
