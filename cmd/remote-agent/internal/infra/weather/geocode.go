package weather

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"agentmesh/pkg/clients"
)

// ErrLocationNotFound 地名无法解析为坐标
var ErrLocationNotFound = errors.New("location not found")

// Location 地理编码结果
type Location struct {
	Latitude    float64
	Longitude   float64
	DisplayName string
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// GeocoderConfig 地理编码配置
type GeocoderConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Geocoder 基于 Nominatim 的美国城市地理编码
type Geocoder struct {
	base *clients.BaseClient
}

// NewGeocoder 创建地理编码客户端
func NewGeocoder(cfg GeocoderConfig) *Geocoder {
	return &Geocoder{
		base: clients.NewBaseClient(clients.BaseClientConfig{
			ServiceName: "nominatim",
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			MaxRetries:  2,
			UserAgent:   cfg.UserAgent,
		}),
	}
}

// Geocode 查询 "city, state, USA" 的坐标
func (g *Geocoder) Geocode(ctx context.Context, city, state string) (*Location, error) {
	query := url.Values{
		"q":      []string{fmt.Sprintf("%s, %s, USA", city, state)},
		"format": []string{"json"},
		"limit":  []string{"1"},
	}

	var places []nominatimPlace
	if err := g.base.GetJSON(ctx, "/search", query, nil, &places); err != nil {
		return nil, fmt.Errorf("geocode %s, %s: %w", city, state, err)
	}
	if len(places) == 0 {
		return nil, ErrLocationNotFound
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("geocode %s, %s: bad latitude %q", city, state, places[0].Lat)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("geocode %s, %s: bad longitude %q", city, state, places[0].Lon)
	}

	return &Location{Latitude: lat, Longitude: lon, DisplayName: places[0].DisplayName}, nil
}
