package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentmesh/pkg/clients"
)

// InvalidCoordinatesMessage 坐标越界时返回给用户的提示
const InvalidCoordinatesMessage = "Invalid latitude or longitude provided."

var (
	// ErrInvalidCoordinates 坐标越界
	ErrInvalidCoordinates = errors.New("invalid latitude or longitude")
	// ErrNoForecastEndpoint 网格点没有预报地址（通常是美国以外的坐标）
	ErrNoForecastEndpoint = errors.New("could not find the NWS forecast endpoint")
	// ErrNoPeriods 预报为空
	ErrNoPeriods = errors.New("no forecast periods found for this location")
)

// Period 预报时段
type Period struct {
	Name             string `json:"name"`
	Temperature      any    `json:"temperature"`
	TemperatureUnit  string `json:"temperatureUnit"`
	WindSpeed        string `json:"windSpeed"`
	WindDirection    string `json:"windDirection"`
	ShortForecast    string `json:"shortForecast"`
	DetailedForecast string `json:"detailedForecast"`
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []Period `json:"periods"`
	} `json:"properties"`
}

// NWSConfig 美国国家气象局接口配置
type NWSConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Periods   int
}

// NWSClient 美国国家气象局客户端
type NWSClient struct {
	base    *clients.BaseClient
	periods int
}

// NewNWSClient 创建客户端
func NewNWSClient(cfg NWSConfig) *NWSClient {
	periods := cfg.Periods
	if periods <= 0 {
		periods = 5
	}
	return &NWSClient{
		base: clients.NewBaseClient(clients.BaseClientConfig{
			ServiceName: "nws",
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			UserAgent:   cfg.UserAgent,
		}),
		periods: periods,
	}
}

// ValidCoordinates 坐标是否在合法范围内
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Forecast 先查询网格点，再获取预报，返回前若干时段
func (c *NWSClient) Forecast(ctx context.Context, lat, lon float64) ([]Period, error) {
	if !ValidCoordinates(lat, lon) {
		return nil, ErrInvalidCoordinates
	}

	header := http.Header{"Accept": []string{"application/geo+json"}}

	var points pointsResponse
	if err := c.base.GetJSON(ctx, fmt.Sprintf("/points/%.4f,%.4f", lat, lon), nil, header, &points); err != nil {
		var statusErr *clients.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, ErrNoForecastEndpoint
		}
		return nil, fmt.Errorf("retrieve NWS gridpoint: %w", err)
	}
	if points.Properties.Forecast == "" {
		return nil, ErrNoForecastEndpoint
	}

	var forecast forecastResponse
	if err := c.base.GetJSON(ctx, points.Properties.Forecast, nil, header, &forecast); err != nil {
		return nil, fmt.Errorf("retrieve forecast: %w", err)
	}

	periods := forecast.Properties.Periods
	if len(periods) == 0 {
		return nil, ErrNoPeriods
	}
	if len(periods) > c.periods {
		periods = periods[:c.periods]
	}
	return periods, nil
}

// FormatPeriods 将预报时段格式化为可读文本
func FormatPeriods(periods []Period) string {
	parts := make([]string, 0, len(periods))
	for _, p := range periods {
		parts = append(parts, formatPeriod(p))
	}
	return strings.Join(parts, "\n---\n")
}

func formatPeriod(p Period) string {
	name := orDefault(p.Name, "Unknown Period")
	temp := "N/A"
	if p.Temperature != nil {
		temp = fmt.Sprintf("%v", p.Temperature)
	}
	detailed := orDefault(strings.TrimSpace(p.DetailedForecast), "No detailed forecast provided.")

	return fmt.Sprintf("%s:\n  Temperature: %s°%s\n  Wind: %s %s\n  Short Forecast: %s\n  Detailed Forecast: %s",
		name,
		temp, orDefault(p.TemperatureUnit, "F"),
		orDefault(p.WindSpeed, "N/A"), orDefault(p.WindDirection, "N/A"),
		orDefault(p.ShortForecast, "N/A"),
		detailed,
	)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
