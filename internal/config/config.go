// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/linkerlin/nanotools.go/internal/clock"
)

// Config 应用配置
type Config struct {
	App       AppConfig
	Access    AccessConfig
	Delivery  DeliveryConfig
	Scheduler SchedulerConfig
	Transport TransportConfig
}

// AppConfig 数据目录与时区
type AppConfig struct {
	Name       string
	DataDir    string
	Timezone   string
	LimitsFile string // 配额规则文件, 为空则不限额
	UsageFile  string
	PowerFile  string // BOT_POWER_STATE_FILE, 相对路径按项目根目录解析
}

// AccessConfig 管理员与群白名单
type AccessConfig struct {
	AdminIDs      []string // BOT_ADMIN_IDS
	PowerGroupIDs []string // BOT_POWER_GROUP_IDS, 为空表示所有群
}

// DeliveryConfig NapCat 推送配置
type DeliveryConfig struct {
	BaseURL string // NAPCAT_HTTP_URL
	Token   string // NAPCAT_HTTP_TOKEN
	Timeout time.Duration
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Interval     time.Duration
	RetryCeiling int
}

// TransportConfig 对外接口配置
type TransportConfig struct {
	MaxConcurrent int
	SocketPath    string // 为空则不监听 unix socket
	HTTPAddr      string // 为空则不启动 HTTP
	Stdio         bool
}

// Load 读取 .env (不覆盖已有环境变量) 后从环境变量加载配置
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	dataDir := getEnv("NANOTOOLS_DATA_DIR", getEnv("DATA_DIR", defaultDataDir()))
	cfg := &Config{
		App: AppConfig{
			Name:       getEnv("NANOTOOLS_NAME", "nanotools"),
			DataDir:    dataDir,
			Timezone:   getEnv("NANOTOOLS_TIMEZONE", getEnv("REMINDER_TIMEZONE", getEnv("TIMEZONE", clock.DefaultZone))),
			LimitsFile: getEnv("NANOTOOLS_LIMITS_FILE", getEnv("MCP_LIMITS_FILE", "")),
			UsageFile:  getEnv("NANOTOOLS_USAGE_FILE", getEnv("MCP_TOOL_USAGE_FILE", filepath.Join(dataDir, "tool_usage.json"))),
			PowerFile:  projectPath(getEnv("BOT_POWER_STATE_FILE", "")),
		},
		Access: AccessConfig{
			AdminIDs:      getEnvList("BOT_ADMIN_IDS", "BOT_ADMIN_QQ_IDS"),
			PowerGroupIDs: getEnvList("BOT_POWER_GROUP_IDS"),
		},
		Delivery: DeliveryConfig{
			BaseURL: strings.TrimRight(getEnv("NAPCAT_HTTP_URL", ""), "/"),
			Token:   getEnv("NAPCAT_HTTP_TOKEN", ""),
			Timeout: getEnvDuration("NANOTOOLS_DELIVERY_TIMEOUT", 15*time.Second),
		},
		Scheduler: SchedulerConfig{
			Interval:     getEnvDuration("NANOTOOLS_SCHEDULER_INTERVAL", 30*time.Second),
			RetryCeiling: getEnvInt("NANOTOOLS_RETRY_CEILING", 3),
		},
		Transport: TransportConfig{
			MaxConcurrent: getEnvInt("NANOTOOLS_MAX_CONCURRENT", 8),
			SocketPath:    getEnv("NANOTOOLS_SOCKET", ""),
			HTTPAddr:      getEnv("NANOTOOLS_HTTP_ADDR", ""),
			Stdio:         getEnvBool("NANOTOOLS_STDIO", true),
		},
	}
	return cfg, cfg.Validate()
}

// Validate 检查配置, 一次返回全部问题
func (c *Config) Validate() error {
	var problems []error
	if c.App.DataDir == "" {
		problems = append(problems, errors.New("data dir is empty"))
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		problems = append(problems, fmt.Errorf("timezone %q: %w", c.App.Timezone, err))
	}
	if c.Delivery.BaseURL != "" && !strings.HasPrefix(c.Delivery.BaseURL, "http://") && !strings.HasPrefix(c.Delivery.BaseURL, "https://") {
		problems = append(problems, fmt.Errorf("NAPCAT_HTTP_URL %q must be http(s)", c.Delivery.BaseURL))
	}
	if c.Delivery.Timeout <= 0 {
		problems = append(problems, errors.New("delivery timeout must be positive"))
	}
	if c.Scheduler.Interval < time.Second {
		problems = append(problems, fmt.Errorf("scheduler interval %s is below 1s", c.Scheduler.Interval))
	}
	if c.Scheduler.RetryCeiling < 1 {
		problems = append(problems, errors.New("retry ceiling must be at least 1"))
	}
	if c.Transport.MaxConcurrent < 1 {
		problems = append(problems, errors.New("max concurrent must be at least 1"))
	}
	if !c.Transport.Stdio && c.Transport.SocketPath == "" && c.Transport.HTTPAddr == "" {
		problems = append(problems, errors.New("no transport enabled"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(problems...))
	}
	return nil
}

// RemindersPath 返回提醒文件路径
func (c *Config) RemindersPath() string {
	return filepath.Join(c.App.DataDir, "reminders.json")
}

// PowerStatePath 返回开关机状态文件路径
func (c *Config) PowerStatePath() string {
	if c.App.PowerFile != "" {
		return c.App.PowerFile
	}
	return filepath.Join(c.App.DataDir, "power_state.json")
}

// DBPath 返回投递日志数据库路径
func (c *Config) DBPath() string {
	return filepath.Join(c.App.DataDir, "attempts.db")
}

// DeliveryEnabled reports whether a push gateway is configured.
func (c *Config) DeliveryEnabled() bool {
	return c.Delivery.BaseURL != ""
}

func loadEnvFile() error {
	path := getEnv("NANOTOOLS_ENV_FILE", getEnv("MCP_TOOLS_ENV_FILE", ""))
	if path == "" {
		candidate := filepath.Join(projectRoot(), ".env")
		if _, err := os.Stat(candidate); err != nil {
			return nil
		}
		path = candidate
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := getEnv(key, ""); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := getEnv(key, ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration 接受 "45s" 这类写法, 纯数字按秒计
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// getEnvList 按逗号 (含全角逗号) 或空白拆分, 取第一个非空的 key
func getEnvList(keys ...string) []string {
	var raw string
	for _, key := range keys {
		if raw = strings.TrimSpace(os.Getenv(key)); raw != "" {
			break
		}
	}
	raw = strings.ReplaceAll(raw, "，", ",")
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// projectPath 展开 ~ 并把相对路径挂到项目根目录下
func projectPath(p string) string {
	if p == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(projectRoot(), p)
}

func defaultDataDir() string {
	return filepath.Join(projectRoot(), "data")
}

func projectRoot() string {
	// Walk up from this file's location to find the module root (go.mod).
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "."
}
