package biz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"agentmesh/cmd/remote-agent/internal/infra/weather"
	"agentmesh/pkg/protocol"
	"agentmesh/pkg/taskstore"
)

// ForecastSource 天气预报数据源
type ForecastSource interface {
	Forecast(ctx context.Context, lat, lon float64) ([]weather.Period, error)
}

// Geocoder 城市地理编码
type Geocoder interface {
	Geocode(ctx context.Context, city, state string) (*weather.Location, error)
}

const askLocation = "Which location would you like the forecast for? Give a US city and state (for example \"Austin, TX\") or a latitude and longitude."

var (
	coordPattern    = regexp.MustCompile(`(-?\d{1,3}(?:\.\d+)?)\s*,\s*(-?\d{1,3}(?:\.\d+)?)`)
	cityStatePrefix = regexp.MustCompile(`(?i)\b(?:in|for|at|of)\s+([a-z][a-z .'-]*?)\s*,\s*([a-z][a-z ]*?)\s*[?.!]*\s*$`)
	cityStateBare   = regexp.MustCompile(`(?i)^\s*([a-z][a-z .'-]*?)\s*,\s*([a-z][a-z ]*?)\s*[?.!]*\s*$`)
)

// WeatherExecutor 天气预报智能体
type WeatherExecutor struct {
	forecasts ForecastSource
	geocoder  Geocoder
}

// NewWeatherExecutor 创建天气执行器
func NewWeatherExecutor(forecasts ForecastSource, geocoder Geocoder) *WeatherExecutor {
	return &WeatherExecutor{forecasts: forecasts, geocoder: geocoder}
}

// Describe 名片描述
func (e *WeatherExecutor) Describe() (string, []protocol.Skill) {
	return "Helps with weather forecasts for US locations", []protocol.Skill{{
		ID:          "weather_search",
		Name:        "Search weather",
		Description: "Gets the weather forecast for a US city and state, or for a latitude and longitude",
		Tags:        []string{"weather", "forecast", "temperature"},
		Examples:    []string{"What's the weather in Los Angeles, CA?", "Forecast for 34.05, -118.24"},
	}}
}

// Execute 解析地点并获取预报；缺少地点时保持任务进行中并追问
func (e *WeatherExecutor) Execute(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*Outcome, error) {
	lat, lon, hasCoords, err := coordinatesFrom(msg)
	if err != nil {
		return reply(weather.InvalidCoordinatesMessage, nil), nil
	}

	label, place := "", ""
	if !hasCoords {
		city, state, ok := cityStateFrom(msg)
		if !ok {
			tc.SetSlot("awaiting", "location")
			return reply(askLocation, nil), nil
		}

		loc, err := e.geocoder.Geocode(ctx, city, state)
		if errors.Is(err, weather.ErrLocationNotFound) {
			tc.SetSlot("awaiting", "location")
			return reply(fmt.Sprintf("Could not find coordinates for '%s, %s'.", city, state), nil), nil
		}
		if err != nil {
			return nil, err
		}
		lat, lon = loc.Latitude, loc.Longitude
		label = fmt.Sprintf("%s, %s", city, state)
		place = loc.DisplayName
	}

	if !weather.ValidCoordinates(lat, lon) {
		return reply(weather.InvalidCoordinatesMessage, nil), nil
	}
	if label == "" {
		label = fmt.Sprintf("%.4f, %.4f", lat, lon)
	}

	tc.SetSlot("awaiting", "")
	tc.SetSlot("location", label)
	tc.SetSlot("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	tc.SetSlot("longitude", strconv.FormatFloat(lon, 'f', 4, 64))

	periods, err := e.forecasts.Forecast(ctx, lat, lon)
	switch {
	case errors.Is(err, weather.ErrInvalidCoordinates):
		return reply(weather.InvalidCoordinatesMessage, nil), nil
	case errors.Is(err, weather.ErrNoForecastEndpoint), errors.Is(err, weather.ErrNoPeriods):
		// 美国境外或暂无预报，允许用户换一个地点
		tc.SetSlot("awaiting", "location")
		return reply(fmt.Sprintf("No forecast is available for %s (%v). Try another US location.", label, err), nil), nil
	case err != nil:
		return nil, err
	}

	data := map[string]any{
		"location":  label,
		"latitude":  lat,
		"longitude": lon,
		"periods":   periods,
	}
	// 地理编码返回的完整地名
	if place != "" {
		data["place"] = place
	}
	return done(fmt.Sprintf("Forecast for %s:\n%s", label, weather.FormatPeriods(periods)), data), nil
}

// coordinatesFrom 从结构化数据或文本中解析经纬度
func coordinatesFrom(msg protocol.Message) (lat, lon float64, ok bool, err error) {
	if msg.Data != nil {
		latV, hasLat := msg.Data["latitude"]
		lonV, hasLon := msg.Data["longitude"]
		if hasLat && hasLon {
			lat, errLat := toFloat(latV)
			lon, errLon := toFloat(lonV)
			if errLat != nil || errLon != nil {
				return 0, 0, false, errors.New("non-numeric coordinates")
			}
			return lat, lon, true, nil
		}
	}

	m := coordPattern.FindStringSubmatch(msg.Text)
	if m == nil {
		return 0, 0, false, nil
	}
	lat, _ = strconv.ParseFloat(m[1], 64)
	lon, _ = strconv.ParseFloat(m[2], 64)
	return lat, lon, true, nil
}

// cityStateFrom 从结构化数据或文本中解析城市和州
func cityStateFrom(msg protocol.Message) (city, state string, ok bool) {
	if msg.Data != nil {
		c, _ := msg.Data["city"].(string)
		s, _ := msg.Data["state"].(string)
		if strings.TrimSpace(c) != "" && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(c), strings.TrimSpace(s), true
		}
	}

	for _, re := range []*regexp.Regexp{cityStatePrefix, cityStateBare} {
		if m := re.FindStringSubmatch(msg.Text); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
		}
	}
	return "", "", false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}
