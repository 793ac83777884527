package conf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agentmesh/pkg/clients"
	"agentmesh/pkg/identity"
)

// 会话句柄存储类型
const (
	HandleDriverMemory = "memory"
	HandleDriverRedis  = "redis"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig           `mapstructure:"server"`
	Identity      identity.Config        `mapstructure:"identity"`
	Remotes       []clients.RemoteConfig `mapstructure:"remotes"`
	Handles       HandlesConfig          `mapstructure:"handles"`
	Redis         RedisConfig            `mapstructure:"redis"`
	Observability ObservabilityConfig    `mapstructure:"observability"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// HandlesConfig 会话句柄存储配置
type HandlesConfig struct {
	Driver string `mapstructure:"driver"`
	// TTL 会话空闲多久后句柄过期，仅 redis 生效
	TTL time.Duration `mapstructure:"ttl"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	OTELEndpoint   string  `mapstructure:"otel_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	EnableTrace    bool    `mapstructure:"enable_trace"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	LogLevel       string  `mapstructure:"log_level"`
	LogFormat      string  `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("identity.mode", string(identity.ModeCLI))
	v.SetDefault("identity.timeout", 30*time.Second)

	v.SetDefault("handles.driver", HandleDriverMemory)
	v.SetDefault("handles.ttl", 24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("observability.service_name", "host-agent")
	v.SetDefault("observability.service_version", "1.0.0")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.otel_endpoint", "localhost:4317")
	v.SetDefault("observability.sampling_rate", 1.0)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("host-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./cmd/host-agent/configs")
		v.AddConfigPath("../configs")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 从环境变量覆盖
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		config.Server.HTTPPort = p
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if endpoint := os.Getenv("OTEL_ENDPOINT"); endpoint != "" {
		config.Observability.OTELEndpoint = endpoint
	}
	if config.Identity.CredentialsFile == "" {
		config.Identity.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 启动前校验必填配置
func (c *Config) Validate() error {
	var errs []error

	if len(c.Remotes) == 0 {
		errs = append(errs, errors.New("at least one entry in remotes is required"))
	}
	seen := make(map[string]bool, len(c.Remotes))
	for i, r := range c.Remotes {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("remotes[%d].name is required", i))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Errorf("remotes[%d].name %q is duplicated", i, r.Name))
		}
		seen[r.Name] = true
		if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
			errs = append(errs, fmt.Errorf("remotes[%d].url must be an http(s) URL, got %q", i, r.URL))
		}
	}

	switch c.Identity.Mode {
	case identity.ModeCLI, identity.ModeNone, "":
	case identity.ModeServiceAccount:
		if c.Identity.CredentialsFile == "" {
			errs = append(errs, errors.New("identity.credentials_file or GOOGLE_APPLICATION_CREDENTIALS is required in service_account mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported identity.mode %q", c.Identity.Mode))
	}

	switch c.Handles.Driver {
	case HandleDriverMemory:
	case HandleDriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis handle store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported handles.driver %q", c.Handles.Driver))
	}

	return errors.Join(errs...)
}

// Remote 按名称查找远程智能体配置
func (c *Config) Remote(name string) (clients.RemoteConfig, bool) {
	for _, r := range c.Remotes {
		if r.Name == name {
			return r, true
		}
	}
	return clients.RemoteConfig{}, false
}
