package conf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agentmesh/pkg/database"
	"agentmesh/pkg/events"
	"agentmesh/pkg/taskstore"
)

// 智能体类型
const (
	AgentKindWeather = "weather"
	AgentKindStays   = "stays"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Auth          AuthConfig          `mapstructure:"auth"`
	TaskStore     TaskStoreConfig     `mapstructure:"task_store"`
	Database      database.Config     `mapstructure:"database"`
	Weather       WeatherConfig       `mapstructure:"weather"`
	Listings      ListingsConfig      `mapstructure:"listings"`
	Events        events.Config       `mapstructure:"events"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// AgentConfig 智能体配置
type AgentConfig struct {
	Kind    string `mapstructure:"kind"`
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Version string `mapstructure:"version"`
	Project string `mapstructure:"project"`
	Region  string `mapstructure:"region"`
	// ExecutionTimeout 单轮执行超时
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

// AuthConfig 入站鉴权配置
type AuthConfig struct {
	Disabled  bool     `mapstructure:"disabled"`
	Audiences []string `mapstructure:"audiences"`
	// AllowedClientIDs 开发者令牌的受众是凭证助手的客户端ID而不是服务URL
	AllowedClientIDs []string `mapstructure:"allowed_client_ids"`
}

// TaskStoreConfig 任务存储配置
type TaskStoreConfig struct {
	Driver taskstore.Driver `mapstructure:"driver"`
	// StaleAfter 非终态任务超过该时间未更新即视为放弃，0 表示不清理
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// WeatherConfig 天气数据源配置
type WeatherConfig struct {
	NWSBaseURL     string        `mapstructure:"nws_base_url"`
	GeocodeBaseURL string        `mapstructure:"geocode_base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Periods        int           `mapstructure:"periods"`
}

// ListingsConfig 房源搜索服务配置
type ListingsConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxResults int           `mapstructure:"max_results"`
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
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)

	v.SetDefault("agent.kind", AgentKindWeather)
	v.SetDefault("agent.version", "1.0.0")
	v.SetDefault("agent.execution_timeout", 60*time.Second)

	v.SetDefault("auth.disabled", false)

	v.SetDefault("task_store.driver", string(taskstore.DriverMemory))
	v.SetDefault("task_store.stale_after", 24*time.Hour)
	v.SetDefault("task_store.reap_interval", 10*time.Minute)
	v.SetDefault("task_store.max_retries", 3)
	v.SetDefault("task_store.retry_delay", 100*time.Millisecond)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentmesh")
	v.SetDefault("database.database", "agentmesh")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("weather.nws_base_url", "https://api.weather.gov")
	v.SetDefault("weather.geocode_base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("weather.user_agent", "weather-agent")
	v.SetDefault("weather.timeout", 30*time.Second)
	v.SetDefault("weather.periods", 5)

	v.SetDefault("listings.timeout", 30*time.Second)
	v.SetDefault("listings.max_results", 10)

	v.SetDefault("events.topic", "agent.task.events")

	v.SetDefault("observability.service_name", "remote-agent")
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
		v.SetConfigName("remote-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./cmd/remote-agent/configs")
		v.AddConfigPath("../configs")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// 未指定配置文件时允许只使用默认值和环境变量
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
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	if endpoint := os.Getenv("OTEL_ENDPOINT"); endpoint != "" {
		config.Observability.OTELEndpoint = endpoint
	}

	if len(config.Auth.Audiences) == 0 && config.Agent.URL != "" {
		config.Auth.Audiences = []string{config.Agent.URL}
	}
	if config.Agent.Name == "" {
		config.Agent.Name = config.Agent.Kind
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 启动前校验必填配置
func (c *Config) Validate() error {
	var errs []error

	switch c.Agent.Kind {
	case AgentKindWeather:
		if c.Weather.NWSBaseURL == "" {
			errs = append(errs, errors.New("weather.nws_base_url is required"))
		}
	case AgentKindStays:
		if c.Listings.BaseURL == "" {
			errs = append(errs, errors.New("listings.base_url is required for the stays agent"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.kind must be %q or %q, got %q", AgentKindWeather, AgentKindStays, c.Agent.Kind))
	}

	switch c.TaskStore.Driver {
	case taskstore.DriverMemory:
	case taskstore.DriverPostgres:
		if c.Database.Source == "" && c.Database.Host == "" {
			errs = append(errs, errors.New("database.host or database.source is required for the postgres task store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported task_store.driver %q", c.TaskStore.Driver))
	}

	if !c.Auth.Disabled && len(c.Auth.Audiences) == 0 {
		errs = append(errs, errors.New("auth.audiences or agent.url is required unless auth.disabled is set"))
	}
	if c.Server.HTTPPort <= 0 {
		errs = append(errs, errors.New("server.http_port must be positive"))
	}

	return errors.Join(errs...)
}
