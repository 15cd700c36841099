package statestream

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 30 * time.Second
	maxReconnect   = time.Minute

	// statusTopic carries "online" while connected and the "offline" will
	statusTopic = "status"
)

// MQTTOptions configures the broker connection
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTPublisher publishes to an MQTT broker with paho
type MQTTPublisher struct {
	client pahomqtt.Client
	opts   MQTTOptions
	logger *zap.Logger
}

// ConnectMQTT connects to the broker. Reconnection is handled by paho; the
// status topic is set to "online" on every (re)connect and the broker
// publishes "offline" if the connection is lost.
func ConnectMQTT(opts MQTTOptions, logger *zap.Logger) (*MQTTPublisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = "homehelpers"
	}

	p := &MQTTPublisher{opts: opts, logger: logger}
	status := opts.TopicPrefix + "/" + statusTopic

	co := pahomqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnect).
		SetConnectTimeout(connectTimeout).
		SetWill(status, "offline", opts.QoS, true)

	co.SetOnConnectHandler(func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", opts.Broker))
		c.Publish(status, opts.QoS, true, "online")
	})
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	p.client = pahomqtt.NewClient(co)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return p, nil
}

// Publish sends payload to topic with the configured QoS
func (p *MQTTPublisher) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.opts.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close marks the publisher offline and disconnects
func (p *MQTTPublisher) Close() {
	if p.client.IsConnectionOpen() {
		token := p.client.Publish(p.opts.TopicPrefix+"/"+statusTopic, p.opts.QoS, true, "offline")
		token.WaitTimeout(publishTimeout)
	}
	p.client.Disconnect(250)
	p.logger.Info("Disconnected from MQTT broker")
}
