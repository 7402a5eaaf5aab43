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
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Verify   VerifyConfig   `json:"verify"`
	Archive  ArchiveConfig  `json:"archive"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env               string        `json:"env"`                 // 运行环境: local / prod
	LogLevel          string        `json:"log_level"`           // 日志级别: debug / info / warn / error
	HTTPAddr          string        `json:"http_addr"`           // API 服务监听地址
	PublicURL         string        `json:"public_url"`          // 对外地址（用于邮件中的链接）
	DBConnectAttempts int           `json:"db_connect_attempts"` // 数据库连接最大重试次数
	DBConnectBackoff  time.Duration `json:"db_connect_backoff"`  // 每次重试之间的等待时间（如 "5s"）
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

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret     string        `json:"jwt_secret"`      // JWT 签名密钥
	TokenTTL      time.Duration `json:"token_ttl"`       // 会话令牌有效期（如 "5m"），签发与刷新共用
	ResetTokenTTL time.Duration `json:"reset_token_ttl"` // 密码重置令牌有效期（如 "1h"）
}

// VerifyConfig 邮箱验证码配置。
type VerifyConfig struct {
	CodeTTL        time.Duration `json:"code_ttl"`        // 验证码有效期（如 "5m"）
	ResendCooldown time.Duration `json:"resend_cooldown"` // 两次发送之间的最小间隔（如 "30m"）
	RequestWindow  time.Duration `json:"request_window"`  // 次数限制的滑动窗口（如 "10h"）
	MaxRequests    int           `json:"max_requests"`    // 窗口内每个邮箱最多发送次数
}

// ArchiveConfig 软删除归档配置。
type ArchiveConfig struct {
	Retention     time.Duration `json:"retention"`      // 归档保留时长（如 "720h" = 30 天）
	PurgeInterval time.Duration `json:"purge_interval"` // 过期归档清理间隔（如 "24h"）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先覆盖文件中的值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json"）
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

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
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

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:               "local",
			LogLevel:          "info",
			HTTPAddr:          ":8080",
			PublicURL:         "http://localhost:8080",
			DBConnectAttempts: 5,
			DBConnectBackoff:  5 * time.Second,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/driverhire?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
		Security: SecurityConfig{
			JWTSecret:     "dev_secret_change_me",
			TokenTTL:      5 * time.Minute,
			ResetTokenTTL: time.Hour,
		},
		Verify: VerifyConfig{
			CodeTTL:        5 * time.Minute,
			ResendCooldown: 30 * time.Minute,
			RequestWindow:  10 * time.Hour,
			MaxRequests:    20,
		},
		Archive: ArchiveConfig{
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: 24 * time.Hour,
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
	if cfg.App.PublicURL == "" {
		cfg.App.PublicURL = defaults.App.PublicURL
	}
	if cfg.App.DBConnectAttempts == 0 {
		cfg.App.DBConnectAttempts = defaults.App.DBConnectAttempts
	}
	if cfg.App.DBConnectBackoff == 0 {
		cfg.App.DBConnectBackoff = defaults.App.DBConnectBackoff
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
	if cfg.Security.ResetTokenTTL == 0 {
		cfg.Security.ResetTokenTTL = defaults.Security.ResetTokenTTL
	}
	if cfg.Verify.CodeTTL == 0 {
		cfg.Verify.CodeTTL = defaults.Verify.CodeTTL
	}
	if cfg.Verify.ResendCooldown == 0 {
		cfg.Verify.ResendCooldown = defaults.Verify.ResendCooldown
	}
	if cfg.Verify.RequestWindow == 0 {
		cfg.Verify.RequestWindow = defaults.Verify.RequestWindow
	}
	if cfg.Verify.MaxRequests == 0 {
		cfg.Verify.MaxRequests = defaults.Verify.MaxRequests
	}
	if cfg.Archive.Retention == 0 {
		cfg.Archive.Retention = defaults.Archive.Retention
	}
	if cfg.Archive.PurgeInterval == 0 {
		cfg.Archive.PurgeInterval = defaults.Archive.PurgeInterval
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

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_PUBLIC_URL"); v != "" {
		cfg.App.PublicURL = v
	}
	if v := os.Getenv("APP_DB_CONNECT_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DBConnectAttempts = i
		}
	}
	if v := os.Getenv("APP_DB_CONNECT_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.DBConnectBackoff = d
		}
	}

	if v := os.Getenv("APP_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.TokenTTL = d
		}
	}
	if v := os.Getenv("APP_RESET_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.ResetTokenTTL = d
		}
	}
	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("VERIFY_CODE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Verify.CodeTTL = d
		}
	}
	if v := os.Getenv("VERIFY_RESEND_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Verify.ResendCooldown = d
		}
	}
	if v := os.Getenv("VERIFY_REQUEST_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Verify.RequestWindow = d
		}
	}
	if v := os.Getenv("VERIFY_MAX_REQUESTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Verify.MaxRequests = i
		}
	}

	if v := os.Getenv("ARCHIVE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.Retention = d
		}
	}
	if v := os.Getenv("ARCHIVE_PURGE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.PurgeInterval = d
		}
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

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "driverhire",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		DBConnectBackoff string `json:"db_connect_backoff"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.DBConnectBackoff != "" {
		d, err := time.ParseDuration(aux.DBConnectBackoff)
		if err != nil {
			return fmt.Errorf("invalid db_connect_backoff format: %w", err)
		}
		a.DBConnectBackoff = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		DBConnectBackoff string `json:"db_connect_backoff"`
		*Alias
	}{
		DBConnectBackoff: a.DBConnectBackoff.String(),
		Alias:            (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL      string `json:"token_ttl"`
		ResetTokenTTL string `json:"reset_token_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TokenTTL != "" {
		d, err := time.ParseDuration(aux.TokenTTL)
		if err != nil {
			return fmt.Errorf("invalid token_ttl format: %w", err)
		}
		s.TokenTTL = d
	}
	if aux.ResetTokenTTL != "" {
		d, err := time.ParseDuration(aux.ResetTokenTTL)
		if err != nil {
			return fmt.Errorf("invalid reset_token_ttl format: %w", err)
		}
		s.ResetTokenTTL = d
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (v *VerifyConfig) UnmarshalJSON(data []byte) error {
	type Alias VerifyConfig
	aux := &struct {
		CodeTTL        string `json:"code_ttl"`
		ResendCooldown string `json:"resend_cooldown"`
		RequestWindow  string `json:"request_window"`
		*Alias
	}{
		Alias: (*Alias)(v),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.CodeTTL != "" {
		d, err := time.ParseDuration(aux.CodeTTL)
		if err != nil {
			return fmt.Errorf("invalid code_ttl format: %w", err)
		}
		v.CodeTTL = d
	}
	if aux.ResendCooldown != "" {
		d, err := time.ParseDuration(aux.ResendCooldown)
		if err != nil {
			return fmt.Errorf("invalid resend_cooldown format: %w", err)
		}
		v.ResendCooldown = d
	}
	if aux.RequestWindow != "" {
		d, err := time.ParseDuration(aux.RequestWindow)
		if err != nil {
			return fmt.Errorf("invalid request_window format: %w", err)
		}
		v.RequestWindow = d
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *ArchiveConfig) UnmarshalJSON(data []byte) error {
	type Alias ArchiveConfig
	aux := &struct {
		Retention     string `json:"retention"`
		PurgeInterval string `json:"purge_interval"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Retention != "" {
		d, err := time.ParseDuration(aux.Retention)
		if err != nil {
			return fmt.Errorf("invalid retention format: %w", err)
		}
		a.Retention = d
	}
	if aux.PurgeInterval != "" {
		d, err := time.ParseDuration(aux.PurgeInterval)
		if err != nil {
			return fmt.Errorf("invalid purge_interval format: %w", err)
		}
		a.PurgeInterval = d
	}
	return nil
}
