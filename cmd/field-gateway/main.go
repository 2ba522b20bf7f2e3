package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agrimesh/field-gateway/internal/api"
	"github.com/agrimesh/field-gateway/internal/cloud"
	"github.com/agrimesh/field-gateway/internal/config"
	"github.com/agrimesh/field-gateway/internal/gateway"
	"github.com/agrimesh/field-gateway/internal/integration"
	"github.com/agrimesh/field-gateway/internal/irrigation"
	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/mac"
	"github.com/agrimesh/field-gateway/internal/mesh"
	"github.com/agrimesh/field-gateway/internal/radio"
	"github.com/agrimesh/field-gateway/internal/sensors"
	"github.com/agrimesh/field-gateway/internal/weather"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

func main() {
	configPath := flag.String("config", "config/field-gateway.yml", "configuration file path")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("configuration load failed")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if *validateOnly {
		fmt.Println("configuration ok")
		return
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run(cfg *config.Config) error {
	store, err := keystore.Open(cfg.Keystore.Path, cfg.Keystore.Passphrase)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	// The concentrator driver is a collaborator behind the radio contract;
	// the simulated driver stands in until hardware is attached.
	params := lorawan.GetRegionParameters(cfg.Region())
	drv := radio.NewSimDriver()
	if err := drv.Init(params); err != nil {
		return fmt.Errorf("radio init: %w", err)
	}
	if err := drv.SetDataRate(cfg.LoRa.DataRate); err != nil {
		return fmt.Errorf("radio datarate: %w", err)
	}
	if err := drv.SetTXPower(cfg.LoRa.TXPower); err != nil {
		return fmt.Errorf("radio tx power: %w", err)
	}

	devEUI, err := cfg.DevEUI()
	if err != nil {
		return err
	}
	appEUI, err := cfg.AppEUI()
	if err != nil {
		return err
	}
	netID, err := cfg.NetID()
	if err != nil {
		return err
	}

	macCfg := mac.Config{
		DevEUI:      devEUI,
		AppEUI:      appEUI,
		Activation:  lorawan.ActivationMode(cfg.LoRa.Activation),
		Retries:     cfg.LoRa.Retries,
		JoinTimeout: cfg.LoRa.JoinTimeout,
		AckDeadline: cfg.LoRa.AckDeadline,
	}
	if macCfg.Activation == lorawan.ABP {
		devAddr, nwkSKey, appSKey, err := cfg.ABPSession()
		if err != nil {
			return err
		}
		macCfg.ABP = &mac.ABPSession{DevAddr: devAddr, NwkSKey: nwkSKey, AppSKey: appSKey}
	}

	endpoint := mac.NewEndpoint(macCfg, store, drv, log.Logger)
	joinServer := mac.NewJoinServer(store, drv, netID, log.Logger)
	observer := mac.NewObserver(store, log.Logger)
	router := mesh.NewRouter(drv, log.Logger)

	cloudClient := cloud.NewClient(cloud.Config{
		BaseURL:   cfg.Cloud.BaseURL,
		APIKey:    cfg.Cloud.APIKey,
		GatewayID: cfg.Gateway.ID,
		QueueSize: cfg.Cloud.QueueSize,
	}, log.Logger)

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	// Bench sampler until the sensor bus collaborator is attached.
	sampler := &sensors.StaticSampler{
		Reading: sensors.Reading{
			SoilMoisture: 32,
			Temperature:  21,
			Humidity:     55,
			BatteryMV:    3700,
			Status:       sensors.StatusSoilProbeOK | sensors.StatusClimateOK,
		},
		OK: true,
	}
	actuator := &logActuator{}

	sup := gateway.New(gateway.Config{
		GatewayID:         cfg.Gateway.ID,
		TXInterval:        cfg.LoRa.TXInterval,
		FPort:             cfg.LoRa.FPort,
		Confirmed:         cfg.LoRa.Retries > 0,
		CloudPollInterval: cfg.Cloud.PollInterval,
		JoinBackoff:       cfg.LoRa.JoinBackoff,
	}, gateway.Deps{
		Endpoint:   endpoint,
		JoinServer: joinServer,
		Observer:   observer,
		Router:     router,
		Cloud:      cloudClient,
		Driver:     drv,
		Sampler:    sampler,
		Actuator:   actuator,
		Publisher:  publisher,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.API.Enabled {
		apiServer := api.NewServer(api.Config{
			Listen:    cfg.API.Listen,
			JWTSecret: cfg.API.JWTSecret,
		}, store, sup.Status, sup.Routes, log.Logger)
		go apiServer.Start(ctx)
	}

	if cfg.Weather.Enabled {
		engine := irrigation.NewEngine(irrigation.EngineConfig{
			RootDepthM:     cfg.Irrigation.RootDepthM,
			SolarRadiation: cfg.Irrigation.SolarRadiation,
			WindSpeed:      cfg.Irrigation.WindSpeed,
		}, log.Logger)
		forecaster := weather.NewClient(weather.Config{
			APIKey:    cfg.Weather.APIKey,
			Latitude:  cfg.Weather.Latitude,
			Longitude: cfg.Weather.Longitude,
		}, log.Logger)
		// The decision loop blocks on HTTP, so it runs on its own cadence
		// away from the MAC tick.
		go runLocalControl(ctx, engine, forecaster, sampler, actuator, cfg.Irrigation.Zone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := sup.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("supervisor exited")
			cancel()
		}
	}()

	log.Info().
		Str("gateway_id", cfg.Gateway.ID).
		Str("region", cfg.LoRa.Region).
		Str("activation", cfg.LoRa.Activation).
		Msg("field gateway started")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}
	cancel()
	return nil
}

func buildPublisher(cfg *config.Config) (integration.Publisher, error) {
	var pubs integration.MultiPublisher

	if cfg.Integration.NATSURL != "" {
		p, err := integration.NewNATSPublisher(cfg.Integration.NATSURL, cfg.Gateway.ID)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	if cfg.Integration.MQTTBroker != "" {
		p, err := integration.NewMQTTPublisher(cfg.Integration.MQTTBroker, cfg.Gateway.ID)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}

	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs, nil
}

// runLocalControl runs the on-site watering decision loop.
func runLocalControl(ctx context.Context, engine *irrigation.Engine, forecaster *weather.Client, sampler sensors.Sampler, actuator irrigation.Actuator, zone uint8) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading, ok := sampler.Sample()
			if !ok {
				continue
			}
			fc, err := forecaster.Fetch()
			if err != nil {
				log.Warn().Err(err).Msg("forecast unavailable, deciding on sensors alone")
			}
			if cmd, ok := engine.Decide(zone, reading, fc); ok {
				if err := actuator.Dispatch(cmd); err != nil {
					log.Error().Err(err).Msg("actuator dispatch failed")
				}
			}
		}
	}
}

// logActuator stands in for the valve controller collaborator.
type logActuator struct{}

func (a *logActuator) Dispatch(cmd irrigation.Command) error {
	log.Info().
		Uint8("zone", cmd.Zone).
		Uint16("duration_s", cmd.Duration).
		Uint8("priority", cmd.Priority).
		Msg("irrigation command")
	return nil
}
