package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/plantastic/plantd/internal/config"
)

// Topic filters subscribed on every (re-)connect.
const (
	statusFilter   = "sensor/+/status"
	registerFilter = "sensor/+/register"
)

// sessionExpirySeconds keeps the broker-side session alive across
// short outages so QoS 1 messages queued while we are away are
// redelivered on reconnect.
const sessionExpirySeconds = 86400

// State is the connection manager's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageHandler receives each inbound MQTT message. Implementations
// must be safe for concurrent use; the manager invokes it from one
// goroutine per message with no ordering guarantee across devices.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Manager owns the broker session. All session access goes through its
// thread-safe Publish and lifecycle methods; handler code never
// touches the underlying client.
type Manager struct {
	cfg      config.BrokerConfig
	clientID string
	handler  MessageHandler
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	client   *paho.Client
	closing  bool
	recovery bool // a reconnect goroutine is active

	// lost records clients whose error callback fired before they were
	// installed as the active session. A freshly dialed client can die
	// between dial returning and the installing goroutine taking mu;
	// install consults this set so a dead client is never declared
	// Connected.
	lost map[*paho.Client]struct{}

	// lifeCtx is the context passed to Connect. It bounds the
	// reconnect goroutine and handler dispatch.
	lifeCtx context.Context
}

// NewManager creates a connection manager but does not connect. The
// session client id carries a per-process UUID suffix so restarts
// never collide with a broker-side session left over from a previous
// run.
func NewManager(cfg config.BrokerConfig, handler MessageHandler, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		clientID: cfg.ClientIDPrefix + "-" + uuid.NewString(),
		handler:  handler,
		logger:   logger,
		lost:     make(map[*paho.Client]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the broker session and subscribes to the device
// topic filters. A failure here is fatal to startup: it is returned to
// the caller and not retried. ctx bounds the lifetime of the whole
// session including background reconnection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateConnecting
	m.lifeCtx = ctx
	m.mu.Unlock()

	client, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}

	if !m.install(client) {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("broker session lost immediately after connect")
	}

	m.logger.Info("broker connected",
		"url", m.cfg.URL,
		"client_id", m.clientID,
	)
	return nil
}

// install promotes a freshly dialed client to the active session. It
// returns false when the client's failure callback already fired, in
// which case the session state is left untouched and the caller treats
// the dial as failed.
func (m *Manager) install(client *paho.Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.lost[client]; dead {
		delete(m.lost, client)
		return false
	}

	// Failures recorded for earlier clients are obsolete once a newer
	// session takes over.
	clear(m.lost)

	m.client = client
	m.state = StateConnected
	m.recovery = false
	return true
}

// dial performs one full connection attempt: transport dial, MQTT
// CONNECT with a persistent session, and the two QoS 1 subscriptions.
func (m *Manager) dial(ctx context.Context) (*paho.Client, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	var conn net.Conn
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			ServerName: u.Hostname(),
			MinVersion: tls.VersionTLS12,
		})
	default:
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", addr, err)
	}

	// The failure callbacks carry the client's own identity so a late
	// event from a replaced session, or an early one from a session not
	// yet installed, is attributed correctly.
	var client *paho.Client
	client = paho.NewClient(paho.ClientConfig{
		ClientID: m.clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			m.onPublishReceived,
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			m.logger.Warn("broker sent disconnect", "reason_code", d.ReasonCode)
			m.connectionLost(client)
		},
		OnClientError: func(err error) {
			m.logger.Warn("broker connection error", "error", err)
			m.connectionLost(client)
		},
	})

	expiry := uint32(sessionExpirySeconds)
	connect := &paho.Connect{
		ClientID:   m.clientID,
		KeepAlive:  30,
		CleanStart: false,
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &expiry,
		},
	}
	if m.cfg.Username != "" {
		connect.Username = m.cfg.Username
		connect.UsernameFlag = true
	}
	if m.cfg.Password != "" {
		connect.Password = []byte(m.cfg.Password)
		connect.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, connect)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect refused: reason code %d", ca.ReasonCode)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: statusFilter, QoS: 1},
			{Topic: registerFilter, QoS: 1},
		},
	}); err != nil {
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return nil, fmt.Errorf("mqtt subscribe: %w", err)
	}

	return client, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "mqtts", "ssl", "tls":
		return "8883"
	default:
		return "1883"
	}
}

// onPublishReceived hands each inbound message to the handler in its
// own goroutine so slow processing never stalls the packet reader.
func (m *Manager) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	m.mu.Lock()
	ctx := m.lifeCtx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return false, nil
	}

	topic := pr.Packet.Topic
	payload := pr.Packet.Payload
	go m.handler(ctx, topic, payload)
	return true, nil
}

// connectionLost handles a failure event from client c. The active
// session transitions to Reconnecting and starts the detached backoff
// loop. A client that is not the active session either already got
// replaced (the event is stale and ignored) or has not been installed
// yet; the latter is recorded so install refuses it.
func (m *Manager) connectionLost(c *paho.Client) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}

	if m.client != nil && c != m.client {
		m.mu.Unlock()
		return
	}

	if c == m.client {
		m.recovery = true
		m.state = StateReconnecting
		m.client = nil
		ctx := m.lifeCtx
		m.mu.Unlock()

		go m.reconnect(ctx)
		return
	}

	// No active session: a dial is in flight and its client failed
	// before installation.
	m.lost[c] = struct{}{}
	m.mu.Unlock()
}

// reconnect attempts to re-establish the session with exponential
// backoff. After maxAttempts consecutive failures it gives up and
// leaves the manager Disconnected; something external has to restart
// or alert at that point.
func (m *Manager) reconnect(ctx context.Context) {
	rc := m.cfg.Reconnect

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		client, err := m.dial(ctx)
		if err == nil {
			if m.install(client) {
				m.logger.Info("broker reconnected", "after_attempts", attempt)
				return
			}
			err = fmt.Errorf("session lost before installation")
		}

		if attempt == rc.MaxAttempts {
			break
		}

		delay := NextDelay(attempt, rc.InitialDelay, rc.MaxDelay)
		m.logger.Debug("reconnect attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", rc.MaxAttempts,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			m.giveUp("shutdown during reconnect")
			return
		}
	}

	m.giveUp("reconnect attempts exhausted")
	m.logger.Error("broker connection lost and not recovered",
		"attempts", rc.MaxAttempts)
}

func (m *Manager) giveUp(reason string) {
	m.mu.Lock()
	m.state = StateDisconnected
	m.recovery = false
	clear(m.lost)
	m.mu.Unlock()
	m.logger.Warn("broker recovery stopped", "reason", reason)
}

// Publish sends a message on the current session. Returns an error if
// the session is down; callers in the ingestion path treat that as a
// logged, fire-and-forget failure.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return fmt.Errorf("publish %s: not connected", topic)
	}

	_, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the session gracefully and suppresses any further
// reconnection.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	client := m.client
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// NextDelay returns the backoff delay after `attempt` consecutive
// failures: initial doubled attempt-1 times, capped at max.
func NextDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
