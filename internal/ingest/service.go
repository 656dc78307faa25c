// Package ingest is the packet pipeline's MQTT front end: one broker
// subscription feeding decode, dedup, decryption, handler dispatch and
// the time-series write, all synchronous on the delivery callback.
package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/config"
	"github.com/austinmesh/bridger/internal/dedup"
	"github.com/austinmesh/bridger/internal/mesh"
	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/metrics"
	"github.com/austinmesh/bridger/internal/point"
)

const (
	connectBackoffMin    = time.Second
	connectBackoffMax    = time.Minute
	connectMaxAttempts   = 10
	maxReconnectInterval = 2 * time.Minute
	disconnectQuiesceMs  = 250
)

// PointWriter is the sink for normalized points.
type PointWriter interface {
	WritePoints(ctx context.Context, points ...point.Point) error
}

// Service owns the ingest MQTT connection. A single delivery is one unit
// of work: any non-transport error logs, drops the delivery and moves on.
type Service struct {
	client     mqtt.Client
	topic      string
	pkiPrefix  string
	dedup      *dedup.Deduplicator
	processor  *mesh.Processor
	writer     PointWriter
	log        *zap.Logger
	subscribed atomic.Bool

	backoffMin  time.Duration
	backoffMax  time.Duration
	maxAttempts int
}

func NewService(cfg config.MQTTConfig, dedupCapacity int, processor *mesh.Processor, writer PointWriter, log *zap.Logger) *Service {
	s := &Service{
		topic:       cfg.Topic,
		pkiPrefix:   cfg.BaseTopic() + "/" + meshproto.PKIChannelID + "/",
		dedup:       dedup.New(dedup.WithCapacity(dedupCapacity)),
		processor:   processor,
		writer:      writer,
		log:         log,
		backoffMin:  connectBackoffMin,
		backoffMax:  connectBackoffMax,
		maxAttempts: connectMaxAttempts,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URI()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.User).
		SetPassword(cfg.Pass).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	s.client = mqtt.NewClient(opts)
	return s
}

// IsConnected reports readiness: a connection without an active
// subscription is deaf and must not count as ready.
func (s *Service) IsConnected() bool {
	return s.client.IsConnected() && s.subscribed.Load()
}

// Run connects and blocks until the context is cancelled, then
// disconnects cleanly. Subscription happens in the connect callback so a
// reconnect re-subscribes on its own.
func (s *Service) Run(ctx context.Context) error {
	if err := connectWithRetry(ctx, s.client, s.backoffMin, s.backoffMax, s.maxAttempts, s.log); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("ingest: %w", err)
	}
	<-ctx.Done()
	s.log.Info("ingest shutting down, disconnecting from broker")
	s.client.Disconnect(disconnectQuiesceMs)
	return nil
}

// ConnectWithRetry dials the broker with the default policy: exponential
// backoff from 1s to 60s, up to 10 attempts, then the last dial error is
// returned so a dead broker terminates the caller instead of hanging it.
// Cancelling ctx aborts an in-flight attempt as well as the wait between
// attempts.
func ConnectWithRetry(ctx context.Context, client mqtt.Client, log *zap.Logger) error {
	return connectWithRetry(ctx, client, connectBackoffMin, connectBackoffMax, connectMaxAttempts, log)
}

func connectWithRetry(ctx context.Context, client mqtt.Client, backoffMin, backoffMax time.Duration, maxAttempts int, log *zap.Logger) error {
	backoff := backoffMin
	var lastErr error
	for attempt := 1; ; attempt++ {
		tok := client.Connect()
		select {
		case <-tok.Done():
			if tok.Error() == nil {
				return nil
			}
			lastErr = tok.Error()
		case <-ctx.Done():
			return ctx.Err()
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("connecting to broker after %d attempts: %w", attempt, lastErr)
		}
		log.Warn("broker connect failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(lastErr))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (s *Service) onConnect(client mqtt.Client) {
	if tok := client.Subscribe(s.topic, 0, s.handleMessage); tok.Wait() && tok.Error() != nil {
		s.subscribed.Store(false)
		s.log.Error("subscribe failed", zap.String("topic", s.topic), zap.Error(tok.Error()))
		return
	}
	s.subscribed.Store(true)
	s.log.Info("connected and subscribed", zap.String("topic", s.topic))
}

func (s *Service) onConnectionLost(_ mqtt.Client, err error) {
	s.subscribed.Store(false)
	s.log.Warn("broker connection lost, reconnecting", zap.Error(err))
}

func (s *Service) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	metrics.MQTTMessagesTotal.WithLabelValues("ingest").Inc()
	topic := msg.Topic()

	// PKI payloads are asymmetrically encrypted; nothing to do with them.
	if strings.HasPrefix(topic, s.pkiPrefix) {
		metrics.PacketsDroppedTotal.WithLabelValues("pki").Inc()
		s.log.Debug("ignoring PKI message", zap.String("topic", topic))
		return
	}

	env, err := meshproto.UnmarshalServiceEnvelope(msg.Payload())
	if err != nil {
		s.handleDecodeError(topic, msg.Payload(), err)
		return
	}

	if !s.dedup.ShouldProcess(env) {
		metrics.PacketsDroppedTotal.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.LastPacketTimestamp.WithLabelValues(env.GatewayID).SetToCurrentTime()

	points, err := s.processor.Process(env)
	if err != nil {
		var procErr *mesh.ProcessingError
		if errors.As(err, &procErr) {
			metrics.PacketsDroppedTotal.WithLabelValues("processing").Inc()
			s.log.Info("packet not processed",
				zap.Uint32("packet_id", env.Packet.ID),
				zap.String("gateway_id", env.GatewayID),
				zap.Error(err))
			return
		}
		s.handleDecodeError(topic, msg.Payload(), err)
		return
	}
	if len(points) == 0 {
		s.log.Debug("no data to write", zap.Uint32("packet_id", env.Packet.ID))
		return
	}

	for _, p := range points {
		metrics.PacketsProcessedTotal.WithLabelValues(p.Measurement()).Inc()
	}
	if err := s.writer.WritePoints(context.Background(), points...); err != nil {
		metrics.PacketsDroppedTotal.WithLabelValues("write").Inc()
		s.log.Error("time-series write failed",
			zap.Uint32("packet_id", env.Packet.ID),
			zap.Error(err))
	}
}

// handleDecodeError logs undecodable payloads with enough context to
// reconstruct them, then drops the delivery.
func (s *Service) handleDecodeError(topic string, payload []byte, err error) {
	metrics.PacketsDroppedTotal.WithLabelValues("decode").Inc()
	s.log.Warn("message cannot be decoded as a protobuf",
		zap.String("topic", topic),
		zap.String("payload_b64", base64.StdEncoding.EncodeToString(payload)),
		zap.Error(err))
	if utf8.Valid(payload) {
		s.log.Debug("undecodable payload as text", zap.String("payload", string(payload)))
	}
}
