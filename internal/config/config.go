// Package config loads the gateway configuration from YAML with environment
// overrides for the secrets that should not live in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// Config represents the gateway configuration
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	LoRa        LoRaConfig        `yaml:"lora"`
	Keystore    KeystoreConfig    `yaml:"keystore"`
	Cloud       CloudConfig       `yaml:"cloud"`
	API         APIConfig         `yaml:"api"`
	Integration IntegrationConfig `yaml:"integration"`
	Weather     WeatherConfig     `yaml:"weather"`
	Irrigation  IrrigationConfig  `yaml:"irrigation"`
	Log         LogConfig         `yaml:"log"`
}

// GatewayConfig identifies this gateway
type GatewayConfig struct {
	ID     string `yaml:"id"`
	DevEUI string `yaml:"dev_eui"`
	AppEUI string `yaml:"app_eui"`
	NetID  string `yaml:"net_id"`
}

// ABPConfig carries the personalization session for ABP mode
type ABPConfig struct {
	DevAddr string `yaml:"dev_addr"`
	NwkSKey string `yaml:"nwk_skey"`
	AppSKey string `yaml:"app_skey"`
}

// LoRaConfig represents the radio and MAC settings
type LoRaConfig struct {
	Region      string        `yaml:"region"`
	DataRate    int           `yaml:"datarate"`
	TXPower     int           `yaml:"tx_power"`
	TXInterval  time.Duration `yaml:"tx_interval"`
	Activation  string        `yaml:"activation"`
	Retries     int           `yaml:"retries"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
	AckDeadline time.Duration `yaml:"ack_deadline"`
	JoinBackoff time.Duration `yaml:"join_backoff"`
	FPort       uint8         `yaml:"fport"`
	ABP         *ABPConfig    `yaml:"abp"`
}

// KeystoreConfig locates the key database
type KeystoreConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// CloudConfig points at the network server
type CloudConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	QueueSize    int           `yaml:"queue_size"`
}

// APIConfig represents the local ops API
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

// IntegrationConfig represents the optional event publishers
type IntegrationConfig struct {
	NATSURL    string `yaml:"nats_url"`
	MQTTBroker string `yaml:"mqtt_broker"`
}

// WeatherConfig represents the forecast consumer
type WeatherConfig struct {
	Enabled   bool    `yaml:"enabled"`
	APIKey    string  `yaml:"api_key"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// IrrigationConfig represents the decision engine site parameters
type IrrigationConfig struct {
	Zone           uint8   `yaml:"zone"`
	RootDepthM     float64 `yaml:"root_depth_m"`
	SolarRadiation float64 `yaml:"solar_radiation"`
	WindSpeed      float64 `yaml:"wind_speed"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		c.Gateway.ID = v
	}
	if v := os.Getenv("TTN_API_KEY"); v != "" {
		c.Cloud.APIKey = v
	}
	if v := os.Getenv("KEYSTORE_PASSPHRASE"); v != "" {
		c.Keystore.Passphrase = v
	}
	if v := os.Getenv("API_JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv("OPENWEATHER_API_KEY"); v != "" {
		c.Weather.APIKey = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Integration.NATSURL = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Integration.MQTTBroker = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.LoRa.Region == "" {
		c.LoRa.Region = string(lorawan.EU868)
	}
	if c.LoRa.Activation == "" {
		c.LoRa.Activation = string(lorawan.OTAA)
	}
	if c.LoRa.TXInterval <= 0 {
		c.LoRa.TXInterval = 60 * time.Second
	}
	if c.LoRa.JoinTimeout <= 0 {
		c.LoRa.JoinTimeout = 6 * time.Second
	}
	if c.LoRa.AckDeadline <= 0 {
		c.LoRa.AckDeadline = 2 * time.Second
	}
	if c.LoRa.JoinBackoff <= 0 {
		c.LoRa.JoinBackoff = 30 * time.Second
	}
	if c.LoRa.FPort == 0 {
		c.LoRa.FPort = 10
	}
	if c.Keystore.Path == "" {
		c.Keystore.Path = "/var/lib/field-gateway/keys.db"
	}
	if c.Cloud.PollInterval <= 0 {
		c.Cloud.PollInterval = 10 * time.Second
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks cross-field consistency before anything starts.
func (c *Config) Validate() error {
	if c.Gateway.ID == "" {
		return fmt.Errorf("config: gateway.id is required")
	}
	if _, err := c.DevEUI(); err != nil {
		return err
	}
	if _, err := c.AppEUI(); err != nil {
		return err
	}

	region, err := lorawan.ParseRegion(c.LoRa.Region)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	params := lorawan.GetRegionParameters(region)
	if !params.ValidDataRate(c.LoRa.DataRate) {
		return fmt.Errorf("config: datarate %d not defined for %s", c.LoRa.DataRate, region)
	}
	if c.LoRa.TXPower < 0 || c.LoRa.TXPower > params.MaxTXPowerDBm {
		return fmt.Errorf("config: tx_power %d outside 0..%d dBm for %s",
			c.LoRa.TXPower, params.MaxTXPowerDBm, region)
	}

	switch lorawan.ActivationMode(c.LoRa.Activation) {
	case lorawan.OTAA:
	case lorawan.ABP:
		if c.LoRa.ABP == nil {
			return fmt.Errorf("config: ABP activation requires the abp section")
		}
	default:
		return fmt.Errorf("config: unknown activation mode %q", c.LoRa.Activation)
	}

	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("config: cloud.base_url is required")
	}
	if c.API.Enabled && c.API.JWTSecret == "" {
		return fmt.Errorf("config: api.jwt_secret is required when the API is enabled")
	}
	return nil
}

// DevEUI decodes the gateway's device identifier.
func (c *Config) DevEUI() (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	if err := eui.UnmarshalText([]byte(c.Gateway.DevEUI)); err != nil {
		return eui, fmt.Errorf("config: bad gateway.dev_eui: %w", err)
	}
	return eui, nil
}

// AppEUI decodes the gateway's application identifier.
func (c *Config) AppEUI() (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	if err := eui.UnmarshalText([]byte(c.Gateway.AppEUI)); err != nil {
		return eui, fmt.Errorf("config: bad gateway.app_eui: %w", err)
	}
	return eui, nil
}

// ABPSession decodes the personalization material for ABP mode.
func (c *Config) ABPSession() (devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key, err error) {
	abp := c.LoRa.ABP
	if abp == nil {
		err = fmt.Errorf("config: abp section missing")
		return
	}
	if err = devAddr.UnmarshalText([]byte(abp.DevAddr)); err != nil {
		err = fmt.Errorf("config: bad abp.dev_addr: %w", err)
		return
	}
	if err = nwkSKey.UnmarshalText([]byte(abp.NwkSKey)); err != nil {
		err = fmt.Errorf("config: bad abp.nwk_skey: %w", err)
		return
	}
	if err = appSKey.UnmarshalText([]byte(abp.AppSKey)); err != nil {
		err = fmt.Errorf("config: bad abp.app_skey: %w", err)
		return
	}
	return
}

// Region returns the parsed region; Validate has already vetted it.
func (c *Config) Region() lorawan.Region {
	region, _ := lorawan.ParseRegion(c.LoRa.Region)
	return region
}

// NetID decodes the configured network identifier.
func (c *Config) NetID() (lorawan.NetID, error) {
	var id lorawan.NetID
	if c.Gateway.NetID == "" {
		return lorawan.NetID{0x00, 0x00, 0x13}, nil
	}
	if _, err := fmt.Sscanf(c.Gateway.NetID, "%02x%02x%02x", &id[0], &id[1], &id[2]); err != nil {
		return id, fmt.Errorf("config: bad net_id %q: %w", c.Gateway.NetID, err)
	}
	return id, nil
}
