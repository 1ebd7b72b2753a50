package cloud

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
)

const (
	iotService = "iotdevicegateway"
	// sha256 of an empty body
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	subscribeTimeout  = 10 * time.Second
	disconnectQuiesce = 250
)

// MQTTTransport speaks MQTT over a SigV4-presigned WebSocket to the vendor's
// IoT endpoint. The URL is presigned on every dial so a reconnect always
// uses the latest credential.
type MQTTTransport struct {
	endpoint string
	region   string
	clientID string
	timeout  time.Duration
	signer   *v4.Signer
	now      credentials.Clock

	mu      sync.Mutex
	cred    credentials.CloudCredential
	client  mqtt.Client
	topics  map[string]MessageHandler
	onState func(ConnectionState, error)
}

// NewMQTTTransport builds a transport whose client id is unique per process
// and scoped to the home.
func NewMQTTTransport(cfg config.VendorConfig, homeSeq int64) *MQTTTransport {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MQTTTransport{
		endpoint: cfg.IoTEndpoint,
		region:   cfg.IoTRegion,
		clientID: uuid.NewString() + "-" + strconv.FormatInt(homeSeq, 10),
		timeout:  timeout,
		signer:   v4.NewSigner(),
		now:      time.Now,
		topics:   make(map[string]MessageHandler),
		onState:  func(ConnectionState, error) {},
	}
}

func (t *MQTTTransport) ClientID() string { return t.clientID }

func (t *MQTTTransport) OnStateChange(fn func(ConnectionState, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *MQTTTransport) Connect(ctx context.Context, cred credentials.CloudCredential) error {
	t.mu.Lock()
	t.cred = cred
	old := t.client
	t.client = nil
	t.mu.Unlock()
	if old != nil {
		old.Disconnect(disconnectQuiesce)
	}

	opts := mqtt.NewClientOptions().
		AddBroker("wss://" + t.endpoint + ":443/mqtt").
		SetClientID(t.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(t.timeout).
		SetOrderMatters(false)
	opts.SetCustomOpenConnectionFn(t.dial)
	opts.SetOnConnectHandler(t.handleConnect)
	opts.SetConnectionLostHandler(t.handleConnectionLost)

	client := mqtt.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.notify(StateConnecting, nil)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		t.notify(StateDisconnected, ctx.Err())
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		t.notify(StateDisconnected, err)
		return apperrors.Transient("broker connect", err)
	}
	return nil
}

func (t *MQTTTransport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.Disconnect(disconnectQuiesce)
		t.notify(StateDisconnected, nil)
	}
}

// Subscribe registers topic for this and every later connection.
func (t *MQTTTransport) Subscribe(topic string, handler MessageHandler) error {
	t.mu.Lock()
	t.topics[topic] = handler
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil
	}
	return subscribe(client, topic, handler)
}

func (t *MQTTTransport) dial(uri *url.URL, opts mqtt.ClientOptions) (net.Conn, error) {
	t.mu.Lock()
	cred := t.cred
	t.mu.Unlock()
	signed, err := PresignURL(context.Background(), t.signer, t.endpoint, t.region, cred, t.now())
	if err != nil {
		return nil, err
	}
	return mqtt.NewWebsocket(signed, nil, t.timeout, http.Header{}, &mqtt.WebsocketOptions{})
}

func (t *MQTTTransport) handleConnect(client mqtt.Client) {
	t.mu.Lock()
	if client != t.client {
		t.mu.Unlock()
		return
	}
	topics := make(map[string]MessageHandler, len(t.topics))
	for k, v := range t.topics {
		topics[k] = v
	}
	t.mu.Unlock()

	// handlers run on paho's goroutine; waiting on tokens here would block it
	go func() {
		for topic, h := range topics {
			if err := subscribe(client, topic, h); err != nil {
				t.notify(StateDisrupted, err)
				return
			}
		}
		t.notify(StateConnected, nil)
	}()
}

func (t *MQTTTransport) handleConnectionLost(client mqtt.Client, err error) {
	t.mu.Lock()
	current := client == t.client
	t.mu.Unlock()
	if current {
		t.notify(StateDisrupted, err)
	}
}

func (t *MQTTTransport) notify(state ConnectionState, err error) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(state, err)
}

func subscribe(client mqtt.Client, topic string, handler MessageHandler) error {
	tok := client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(subscribeTimeout) {
		return apperrors.Transient("subscribe "+topic, context.DeadlineExceeded)
	}
	return tok.Error()
}

// PresignURL returns the wss URL for endpoint signed with cred. The session
// token is appended after signing because the IoT gateway excludes it from
// the canonical request.
func PresignURL(ctx context.Context, signer *v4.Signer, endpoint, region string, cred credentials.CloudCredential, now time.Time) (string, error) {
	if cred.AccessKeyID == "" || cred.SecretKey == "" {
		return "", apperrors.Wrapf(apperrors.ErrInvalidArgument, "cloud credential is incomplete")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+endpoint+"/mqtt", nil)
	if err != nil {
		return "", err
	}
	signed, _, err := signer.PresignHTTP(ctx, aws.Credentials{
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretKey,
	}, req, emptyPayloadHash, iotService, region, now.UTC())
	if err != nil {
		return "", apperrors.Wrapf(err, "presign broker url")
	}
	u := "wss" + strings.TrimPrefix(signed, "https")
	if cred.SessionToken != "" {
		u += "&X-Amz-Security-Token=" + url.QueryEscape(cred.SessionToken)
	}
	return u, nil
}
