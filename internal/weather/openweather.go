// Package weather consumes the OpenWeather One Call API so the irrigation
// engine can hold back water ahead of rain and protect against frost.
package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the One Call 3.0 endpoint.
const DefaultBaseURL = "https://api.openweathermap.org/data/3.0/onecall"

// DefaultTimeout bounds every forecast request.
const DefaultTimeout = 5 * time.Second

// ErrNoForecast reports an empty daily forecast in the response.
var ErrNoForecast = errors.New("weather: no daily forecast")

// Forecast is tomorrow's outlook as consumed by the irrigation engine.
type Forecast struct {
	PrecipProb float64 // probability of precipitation, 0..1
	PrecipMM   float64 // expected precipitation, millimeters
	TempMin    float64 // degrees Celsius
	TempMax    float64 // degrees Celsius
}

// Config holds the API credentials and site coordinates.
type Config struct {
	BaseURL   string
	APIKey    string
	Latitude  float64
	Longitude float64
	Timeout   time.Duration
}

// Client fetches forecasts for a fixed site.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a forecast client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "weather").Logger(),
	}
}

// oneCallResponse mirrors the subset of the One Call payload we read.
type oneCallResponse struct {
	Daily []struct {
		Pop  float64 `json:"pop"`
		Rain float64 `json:"rain"`
		Temp struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"temp"`
	} `json:"daily"`
}

// Fetch retrieves the forecast for the configured site.
func (c *Client) Fetch() (*Forecast, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.6f", c.cfg.Latitude))
	q.Set("lon", fmt.Sprintf("%.6f", c.cfg.Longitude))
	q.Set("exclude", "minutely,alerts")
	q.Set("units", "metric")
	q.Set("appid", c.cfg.APIKey)

	resp, err := c.http.Get(c.cfg.BaseURL + "?" + q.Encode())
	if err != nil {
		return nil, fmt.Errorf("weather: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: status %d", resp.StatusCode)
	}

	var body oneCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("weather: decode: %w", err)
	}
	if len(body.Daily) == 0 {
		return nil, ErrNoForecast
	}

	day := body.Daily[0]
	fc := &Forecast{
		PrecipProb: day.Pop,
		PrecipMM:   day.Rain,
		TempMin:    day.Temp.Min,
		TempMax:    day.Temp.Max,
	}
	c.log.Debug().
		Float64("precip_prob", fc.PrecipProb).
		Float64("temp_min", fc.TempMin).
		Msg("forecast updated")
	return fc, nil
}
