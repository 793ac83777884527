package data

import (
	"fmt"

	"agentmesh/cmd/remote-agent/internal/biz"
	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/cmd/remote-agent/internal/infra/listings"
	"agentmesh/cmd/remote-agent/internal/infra/weather"
)

// NewExecutor 按智能体类型组装执行器和它依赖的外部服务客户端
func NewExecutor(cfg *conf.Config) (biz.Executor, error) {
	switch cfg.Agent.Kind {
	case conf.AgentKindWeather:
		forecasts := weather.NewNWSClient(weather.NWSConfig{
			BaseURL:   cfg.Weather.NWSBaseURL,
			UserAgent: cfg.Weather.UserAgent,
			Timeout:   cfg.Weather.Timeout,
			Periods:   cfg.Weather.Periods,
		})
		geocoder := weather.NewGeocoder(weather.GeocoderConfig{
			BaseURL:   cfg.Weather.GeocodeBaseURL,
			UserAgent: cfg.Weather.UserAgent,
			Timeout:   cfg.Weather.Timeout,
		})
		return biz.NewWeatherExecutor(forecasts, geocoder), nil

	case conf.AgentKindStays:
		return biz.NewStaysExecutor(listings.NewClient(listings.Config{
			BaseURL:    cfg.Listings.BaseURL,
			Timeout:    cfg.Listings.Timeout,
			MaxResults: cfg.Listings.MaxResults,
		})), nil

	default:
		return nil, fmt.Errorf("unsupported agent kind %q", cfg.Agent.Kind)
	}
}
