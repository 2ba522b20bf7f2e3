// Package cloud adapts internal frames to the network server's gateway
// messaging contract. The adapter never blocks the MAC tick: failed submissions
// park in a bounded queue and retry on the bridge's own cadence.
package cloud

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnavailable reports that the network server could not be reached or did
// not acknowledge the submission. Never fatal to the MAC layer.
var ErrUnavailable = errors.New("cloud: unavailable")

// DefaultTimeout bounds every request to the network server.
const DefaultTimeout = 5 * time.Second

// DefaultQueueSize bounds the retry queue; the oldest uplink is dropped when
// a new one arrives with the queue full.
const DefaultQueueSize = 32

// Config holds the network server endpoint and credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	GatewayID string
	Timeout   time.Duration
	QueueSize int
}

// uplinkMessage is the submission body.
type uplinkMessage struct {
	GatewayID string `json:"gateway_id"`
	Payload   string `json:"payload"`
}

type queuedUplink struct {
	id    uuid.UUID
	frame []byte
}

// Client is the bridge adapter. It is driven from the supervisor tick and
// holds no locks.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	queue []queuedUplink
}

// NewClient creates a bridge client for one gateway identity.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "cloud").Logger(),
	}
}

// SubmitUplink forwards one received frame to the network server. On failure
// the frame is queued for a later FlushQueue and ErrUnavailable is returned.
func (c *Client) SubmitUplink(frame []byte) error {
	if err := c.post(frame); err != nil {
		c.enqueue(frame)
		return err
	}
	return nil
}

func (c *Client) post(frame []byte) error {
	body, err := json.Marshal(uplinkMessage{
		GatewayID: c.cfg.GatewayID,
		Payload:   base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/gs/gateways/%s/packages", c.cfg.BaseURL, c.cfg.GatewayID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	// The server signals acceptance by the presence of a success field.
	var ack map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, ok := ack["success"]; !ok {
		return fmt.Errorf("%w: submission not acknowledged", ErrUnavailable)
	}
	return nil
}

func (c *Client) enqueue(frame []byte) {
	if len(c.queue) >= c.cfg.QueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.log.Warn().
			Str("uplink_id", dropped.id.String()).
			Msg("retry queue full, oldest uplink dropped")
	}
	q := queuedUplink{id: uuid.New(), frame: append([]byte(nil), frame...)}
	c.queue = append(c.queue, q)
	c.log.Debug().
		Str("uplink_id", q.id.String()).
		Int("queued", len(c.queue)).
		Msg("uplink queued for retry")
}

// FlushQueue retries queued uplinks in order, stopping at the first failure
// so the bridge backs off until its next cadence.
func (c *Client) FlushQueue() {
	for len(c.queue) > 0 {
		head := c.queue[0]
		if err := c.post(head.frame); err != nil {
			c.log.Debug().Err(err).Int("queued", len(c.queue)).Msg("retry deferred")
			return
		}
		c.queue = c.queue[1:]
		c.log.Debug().Str("uplink_id", head.id.String()).Msg("queued uplink delivered")
	}
}

// QueueLen reports the number of uplinks awaiting retry.
func (c *Client) QueueLen() int { return len(c.queue) }

// PollDownlinks retrieves frames queued for this gateway on the network
// server.
func (c *Client) PollDownlinks() ([][]byte, error) {
	url := fmt.Sprintf("%s/gs/gateways/%s/packages/down", c.cfg.BaseURL, c.cfg.GatewayID)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var encoded []string
	if err := json.NewDecoder(resp.Body).Decode(&encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	frames := make([][]byte, 0, len(encoded))
	for _, s := range encoded {
		frame, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed downlink skipped")
			continue
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
