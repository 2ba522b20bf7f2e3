package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

const validYAML = `
gateway:
  id: field-gw-01
  dev_eui: "a000000000000001"
  app_eui: "0102030405060708"
  net_id: "000013"
lora:
  region: EU868
  datarate: 3
  tx_power: 14
  tx_interval: 45s
  activation: OTAA
  retries: 3
cloud:
  base_url: https://eu1.cloud.thethings.network/api/v3
  api_key: file-key
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gw.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, "field-gw-01", cfg.Gateway.ID)
	require.Equal(t, lorawan.EU868, cfg.Region())
	require.Equal(t, 45*time.Second, cfg.LoRa.TXInterval)
	require.Equal(t, 3, cfg.LoRa.Retries)

	devEUI, err := cfg.DevEUI()
	require.NoError(t, err)
	require.Equal(t, "a000000000000001", devEUI.String())

	netID, err := cfg.NetID()
	require.NoError(t, err)
	require.Equal(t, lorawan.NetID{0x00, 0x00, 0x13}, netID)

	// Defaults fill the unset knobs.
	require.Equal(t, 6*time.Second, cfg.LoRa.JoinTimeout)
	require.Equal(t, uint8(10), cfg.LoRa.FPort)
	require.Equal(t, 10*time.Second, cfg.Cloud.PollInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TTN_API_KEY", "env-key")
	t.Setenv("GATEWAY_ID", "env-gw")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Cloud.APIKey)
	require.Equal(t, "env-gw", cfg.Gateway.ID)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestValidateRejectsBadRegion(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  id: gw
  dev_eui: "a000000000000001"
  app_eui: "0102030405060708"
lora:
  region: XX999
cloud:
  base_url: http://localhost
`))
	require.Error(t, err)
}

func TestValidateRejectsBadDataRate(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  id: gw
  dev_eui: "a000000000000001"
  app_eui: "0102030405060708"
lora:
  region: US915
  datarate: 11
cloud:
  base_url: http://localhost
`))
	require.Error(t, err)
}

func TestValidateABPRequiresSession(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  id: gw
  dev_eui: "a000000000000001"
  app_eui: "0102030405060708"
lora:
  region: EU868
  activation: ABP
cloud:
  base_url: http://localhost
`))
	require.Error(t, err)
}

func TestABPSessionParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gateway:
  id: gw
  dev_eui: "a000000000000001"
  app_eui: "0102030405060708"
lora:
  region: EU868
  activation: ABP
  abp:
    dev_addr: "26011bda"
    nwk_skey: "7e151628aed2a6abf7158809cf4f3c2b"
    app_skey: "2b7e151628aed2a6abf7158809cf4f3c"
cloud:
  base_url: http://localhost
`))
	require.NoError(t, err)

	devAddr, nwkSKey, appSKey, err := cfg.ABPSession()
	require.NoError(t, err)
	require.Equal(t, lorawan.DevAddrFromUint32(0x26011BDA), devAddr)
	require.Equal(t, "7e151628aed2a6abf7158809cf4f3c2b", nwkSKey.String())
	require.Equal(t, "2b7e151628aed2a6abf7158809cf4f3c", appSKey.String())
}

func TestValidateRequiresGatewayID(t *testing.T) {
	_, err := Load(writeConfig(t, `
lora:
  region: EU868
cloud:
  base_url: http://localhost
`))
	require.Error(t, err)
}

func TestValidateAPIRequiresSecret(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  id: gw
  dev_eui: "a000000000000001"
  app_eui: "0102030405060708"
lora:
  region: EU868
cloud:
  base_url: http://localhost
api:
  enabled: true
`))
	require.Error(t, err)
}
