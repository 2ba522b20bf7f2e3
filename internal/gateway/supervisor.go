// Package gateway owns the supervisor: a single-threaded cooperative loop
// that drains the radio, drives the MAC timers, emits telemetry uplinks,
// ages the mesh and runs the cloud bridge on its own cadence. All core state
// is owned by this loop; collaborators are non-blocking.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/api"
	"github.com/agrimesh/field-gateway/internal/cloud"
	"github.com/agrimesh/field-gateway/internal/integration"
	"github.com/agrimesh/field-gateway/internal/irrigation"
	"github.com/agrimesh/field-gateway/internal/mac"
	"github.com/agrimesh/field-gateway/internal/mesh"
	"github.com/agrimesh/field-gateway/internal/radio"
	"github.com/agrimesh/field-gateway/internal/sensors"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// Config holds the supervisor cadences.
type Config struct {
	GatewayID string
	// TickInterval paces the loop.
	TickInterval time.Duration
	// RXBudget bounds frames drained per tick.
	RXBudget int
	// RXTimeout bounds one radio receive wait.
	RXTimeout time.Duration
	// TXInterval paces telemetry uplinks.
	TXInterval time.Duration
	// FPort carries telemetry uplinks and irrigation downlinks.
	FPort uint8
	// Confirmed requests acknowledged uplinks.
	Confirmed bool
	// CloudPollInterval paces the bridge: queued retries and downlink polls.
	CloudPollInterval time.Duration
	// JoinBackoff delays re-activation after a failed join.
	JoinBackoff time.Duration
}

// Deps are the wired collaborators.
type Deps struct {
	Endpoint   *mac.Endpoint
	JoinServer *mac.JoinServer
	Observer   *mac.Observer
	Router     *mesh.Router
	Cloud      *cloud.Client
	Driver     radio.Driver
	Sampler    sensors.Sampler
	Actuator   irrigation.Actuator
	Publisher  integration.Publisher
}

// Supervisor runs the gateway core.
type Supervisor struct {
	cfg Config
	d   Deps
	log zerolog.Logger

	lastTX     time.Time
	lastPoll   time.Time
	lastUplink time.Time
	joinWait   time.Time
	nowTick    time.Time

	rxBuf []byte

	// Snapshot for the ops API, the only state shared outside the loop.
	statusMu sync.Mutex
	status   api.Status
	routes   []mesh.Entry
}

// New wires a supervisor and installs the endpoint callbacks.
func New(cfg Config, deps Deps, log zerolog.Logger) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.RXBudget <= 0 {
		cfg.RXBudget = 8
	}
	if cfg.RXTimeout <= 0 || cfg.RXTimeout > time.Second {
		cfg.RXTimeout = 50 * time.Millisecond
	}
	if cfg.TXInterval <= 0 {
		cfg.TXInterval = time.Minute
	}
	if cfg.CloudPollInterval <= 0 {
		cfg.CloudPollInterval = 10 * time.Second
	}
	if cfg.JoinBackoff <= 0 {
		cfg.JoinBackoff = 30 * time.Second
	}

	s := &Supervisor{
		cfg:   cfg,
		d:     deps,
		log:   log.With().Str("component", "supervisor").Logger(),
		rxBuf: make([]byte, lorawan.MaxFrameLength),
	}

	deps.Endpoint.OnDownlink = s.handleDownlinkPayload
	deps.Endpoint.OnJoinFailed = func() {
		// Runs inside Tick, on the supervisor goroutine.
		s.joinWait = s.nowTick.Add(cfg.JoinBackoff)
	}
	deps.Endpoint.OnAckMissing = func(fcnt uint32) {
		s.log.Warn().Uint32("fcnt", fcnt).Msg("uplink unacknowledged")
	}

	return s
}

// Run ticks until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info().
		Str("gateway_id", s.cfg.GatewayID).
		Dur("tx_interval", s.cfg.TXInterval).
		Msg("supervisor started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("supervisor stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick runs one supervision cycle. Exported so tests can drive time.
func (s *Supervisor) Tick(now time.Time) {
	s.nowTick = now

	// 1. Drain the radio, bounded per tick.
	for i := 0; i < s.cfg.RXBudget; i++ {
		n, err := s.d.Driver.Receive(s.rxBuf, s.cfg.RXTimeout)
		if err != nil || n == 0 {
			break
		}
		frame := append([]byte(nil), s.rxBuf[:n]...)
		s.dispatch(frame, now)
	}

	// 2. MAC timers: join attempts and confirmed-uplink retransmits.
	s.d.Endpoint.Tick(now)

	// 3. Re-activation after failure, behind the backoff.
	if s.d.Endpoint.State() == mac.StateUnjoined && !now.Before(s.joinWait) {
		if err := s.d.Endpoint.Activate(now); err != nil {
			s.log.Error().Err(err).Msg("activation failed")
			s.joinWait = now.Add(s.cfg.JoinBackoff)
		}
	}

	// 4. Telemetry uplink on its cadence.
	if s.d.Endpoint.State() == mac.StateJoined && now.Sub(s.lastTX) >= s.cfg.TXInterval {
		s.emitUplink(now)
	}

	// 5. Mesh upkeep.
	s.d.Router.Flush()
	s.d.Router.Age(now)

	// 6. Cloud bridge on its own coarser cadence; polled downlinks re-enter
	// the RX pipeline.
	if now.Sub(s.lastPoll) >= s.cfg.CloudPollInterval {
		s.lastPoll = now
		s.d.Cloud.FlushQueue()
		frames, err := s.d.Cloud.PollDownlinks()
		if err != nil {
			s.log.Debug().Err(err).Msg("downlink poll failed")
		}
		for _, frame := range frames {
			s.dispatch(frame, now)
		}
	}

	s.publishStatus()
}

// dispatch classifies one received frame by its MAC header.
func (s *Supervisor) dispatch(data []byte, now time.Time) {
	if len(data) == 0 {
		return
	}

	switch mhdr := lorawan.MHDRFromByte(data[0]); mhdr.MType {
	case lorawan.JoinRequest:
		s.d.JoinServer.HandleJoinRequest(data, now)

	case lorawan.JoinAccept:
		s.d.Endpoint.HandleJoinAccept(data, now)

	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		s.handleUplink(data, now)

	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		s.d.Endpoint.HandleDownlink(data, now)

	default:
		s.log.Debug().Uint8("mtype", uint8(mhdr.MType)).Msg("unsupported frame type")
	}
}

// handleUplink runs the observer pipeline, then fans the validated frame out
// to the mesh and the cloud bridge.
func (s *Supervisor) handleUplink(data []byte, now time.Time) {
	obs, err := s.d.Observer.HandleUplink(data, now)
	if err != nil {
		return
	}

	// Direct reception: the source is its own next hop.
	s.d.Router.Observe(obs.Frame, obs.Frame.FHDR.DevAddr, now)

	if err := s.d.Router.Forward(obs.Frame, obs.Session, obs.FullFCnt); err != nil && !errors.Is(err, mesh.ErrMaxHops) {
		s.log.Warn().Err(err).Msg("mesh forward failed")
	}

	if err := s.d.Cloud.SubmitUplink(obs.Raw); err != nil {
		s.log.Debug().Err(err).Msg("cloud submit deferred")
	}

	if s.d.Publisher != nil {
		s.d.Publisher.Publish(integration.Event{
			Type:      integration.EventUplink,
			GatewayID: s.cfg.GatewayID,
			DevEUI:    obs.DevEUI.String(),
			DevAddr:   obs.Frame.FHDR.DevAddr.String(),
			FPort:     obs.Frame.FPort,
			FCnt:      obs.FullFCnt,
			Payload:   obs.Frame.FRMPayload,
			Time:      now,
		})
	}
}

// emitUplink samples the sensor stack and transmits one telemetry frame.
func (s *Supervisor) emitUplink(now time.Time) {
	reading, ok := s.d.Sampler.Sample()
	if !ok {
		return
	}

	err := s.d.Endpoint.SendUplink(s.cfg.FPort, reading.Encode(), s.cfg.Confirmed, now)
	switch {
	case err == nil:
		s.lastTX = now
		s.lastUplink = now
	case errors.Is(err, radio.ErrBusy), errors.Is(err, mac.ErrPendingAck):
		// Transmitter or ack window occupied; next tick.
	default:
		s.log.Error().Err(err).Msg("uplink failed")
	}
}

// handleDownlinkPayload decodes an application downlink into an irrigation
// command for the actuator.
func (s *Supervisor) handleDownlinkPayload(fport uint8, payload []byte) {
	cmd, err := irrigation.DecodeCommand(payload)
	if err != nil {
		s.log.Warn().Err(err).Uint8("fport", fport).Msg("unparseable downlink")
		return
	}
	if err := s.d.Actuator.Dispatch(cmd); err != nil {
		s.log.Error().Err(err).Msg("actuator dispatch failed")
		return
	}
	s.log.Info().
		Uint8("zone", cmd.Zone).
		Uint16("duration_s", cmd.Duration).
		Msg("irrigation command dispatched")
}

// publishStatus refreshes the snapshot read by the ops API.
func (s *Supervisor) publishStatus() {
	st := api.Status{
		GatewayID:  s.cfg.GatewayID,
		State:      s.d.Endpoint.State().String(),
		CloudQueue: s.d.Cloud.QueueLen(),
		LastUplink: s.lastUplink,
	}
	if sess := s.d.Endpoint.Session(); sess != nil {
		st.DevAddr = sess.DevAddr.String()
		st.FCntUp = sess.FCntUp
		st.FCntDown = sess.FCntDown
	}
	routes := s.d.Router.Entries()
	st.Routes = len(routes)

	s.statusMu.Lock()
	s.status = st
	s.routes = routes
	s.statusMu.Unlock()
}

// Status returns the last published snapshot; safe for the API goroutine.
func (s *Supervisor) Status() api.Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Routes returns the last published routing table; safe for the API
// goroutine.
func (s *Supervisor) Routes() []mesh.Entry {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.routes
}
