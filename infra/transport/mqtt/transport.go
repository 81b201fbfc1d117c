// Package mqtt carries remote commands over an MQTT broker for charge points
// behind NAT or flaky links. Commands are published per station; stations
// answer on a shared reply topic with the command id echoed back.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	ReplyTopic  string          `json:"reply_topic"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	MaxRetries  int             `json:"max_retries"`
	BackoffMS   int             `json:"backoff_ms"`
	TLSConfig   *tls.Config     `json:"-"`
}

func (c Config) prefix() string {
	if c.TopicPrefix == "" {
		return "csms"
	}
	return c.TopicPrefix
}

func (c Config) replyTopic() string {
	if c.ReplyTopic == "" {
		return c.prefix() + "/reply"
	}
	return c.ReplyTopic
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// commandFrame is the wire shape of one published command.
type commandFrame struct {
	CommandID string `json:"command_id"`
	Action    string `json:"action"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// replyFrame is the wire shape of a station answer on the reply topic.
type replyFrame struct {
	CommandID        string `json:"command_id"`
	Status           string `json:"status,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type pendingDeliver struct {
	deliver  func(command.Result)
	deadline time.Time
}

// Transport delivers remote commands over MQTT and correlates station replies
// back to the waiting dispatcher call.
type Transport struct {
	cfg Config
	cli pahoClient
	log logger.Logger

	mu      sync.Mutex
	pending map[string]pendingDeliver

	maxRetries int
	backoff    time.Duration
}

// New connects to the broker and subscribes to the reply topic.
func New(cfg Config, log logger.Logger) (*Transport, error) {
	if log == nil {
		return nil, fmt.Errorf("mqtt transport: logger is required")
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:        cfg,
		log:        log,
		pending:    make(map[string]pendingDeliver),
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	if t.maxRetries <= 0 {
		t.maxRetries = 3
	}
	if t.backoff <= 0 {
		t.backoff = 100 * time.Millisecond
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected to %s", cfg.Broker)
		qos := byte(0)
		if q, ok := cfg.QoS["reply"]; ok {
			qos = q
		}
		if token := c.Subscribe(cfg.replyTopic(), qos, t.onReply); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("MQTT connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	t.cli = c
	return t, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Kind implements command.Transport.
func (t *Transport) Kind() model.TransportKind { return model.TransportMQTT }

// Send publishes the command to the station topic. The deliver callback fires
// when a reply with the same command id arrives; the dispatcher owns the
// timeout.
func (t *Transport) Send(_ context.Context, cp model.ChargePointRef, req command.Request, deliver func(command.Result)) error {
	frame := commandFrame{
		CommandID: req.ID,
		Action:    req.Action,
		Payload:   req.Payload,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	t.register(req.ID, deliver)

	topic := fmt.Sprintf("%s/%s/command", t.cfg.prefix(), cp.ChargeBoxID)
	qos := byte(0)
	if q, ok := t.cfg.QoS["command"]; ok {
		qos = q
	}
	var publishErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		token := t.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			t.log.Debugf("sent %s %s to %s", req.Action, req.ID, topic)
			return nil
		}
		t.log.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		time.Sleep(t.backoff * time.Duration(1<<attempt))
	}
	t.unregister(req.ID)
	return publishErr
}

func (t *Transport) onReply(_ paho.Client, msg paho.Message) {
	var frame replyFrame
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		t.log.Errorf("failed to decode reply: %v", err)
		return
	}
	t.mu.Lock()
	p, ok := t.pending[frame.CommandID]
	if ok {
		delete(t.pending, frame.CommandID)
	}
	t.mu.Unlock()
	if !ok {
		t.log.Debugf("reply for unknown command %s", frame.CommandID)
		return
	}
	p.deliver(command.Result{
		Status:           frame.Status,
		ErrorCode:        frame.ErrorCode,
		ErrorDescription: frame.ErrorDescription,
	})
}

// register parks the deliver callback and sweeps entries no dispatcher is
// waiting for anymore.
func (t *Transport) register(commandID string, deliver func(command.Result)) {
	now := time.Now()
	t.mu.Lock()
	for id, p := range t.pending {
		if now.After(p.deadline) {
			delete(t.pending, id)
		}
	}
	t.pending[commandID] = pendingDeliver{deliver: deliver, deadline: now.Add(2 * command.DefaultTimeout)}
	t.mu.Unlock()
}

func (t *Transport) unregister(commandID string) {
	t.mu.Lock()
	delete(t.pending, commandID)
	t.mu.Unlock()
}

// Disconnect gracefully closes the MQTT connection.
func (t *Transport) Disconnect() {
	if t.cli != nil && t.cli.IsConnected() {
		t.cli.Disconnect(250)
	}
}

var _ command.Transport = (*Transport)(nil)
