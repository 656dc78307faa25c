package vnode

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/dedup"
	"github.com/austinmesh/bridger/internal/mesh"
	"github.com/austinmesh/bridger/internal/meshid"
	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/metrics"
)

// Client is the slice of the MQTT client the agent drives. Satisfied by
// paho's mqtt.Client.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Agent is the virtual node: beacon timer plus responder callback sharing
// one broker connection. The deduplicator is only touched from the MQTT
// callback.
type Agent struct {
	client    Client
	identity  Identity
	baseTopic string
	interval  time.Duration
	processor *mesh.Processor
	dedup     *dedup.Deduplicator
	log       *zap.Logger

	now func() time.Time
}

func NewAgent(client Client, identity Identity, baseTopic string, interval time.Duration, processor *mesh.Processor, log *zap.Logger) *Agent {
	return &Agent{
		client:    client,
		identity:  identity,
		baseTopic: baseTopic,
		interval:  interval,
		processor: processor,
		dedup:     dedup.New(),
		log:       log,
		now:       time.Now,
	}
}

// publishTopic is where this node's own packets go; its channel segment
// is also what the responder listens under.
func (a *Agent) publishTopic() string {
	return fmt.Sprintf("%s/%s/%s", a.baseTopic, a.identity.Channel, a.identity.HexID())
}

func (a *Agent) subscribeTopic() string {
	return fmt.Sprintf("%s/%s/#", a.baseTopic, a.identity.Channel)
}

// Run subscribes the responder, beacons once, then re-beacons on the
// interval until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	topic := a.subscribeTopic()
	if tok := a.client.Subscribe(topic, 0, a.onMessage); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("vnode: subscribing to %s: %w", topic, tok.Error())
	}
	a.log.Info("virtual node listening",
		zap.String("node", a.identity.HexID()),
		zap.String("topic", topic),
		zap.Duration("beacon_interval", a.interval))

	a.Beacon()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if tok := a.client.Unsubscribe(topic); tok.Wait() && tok.Error() != nil {
				a.log.Warn("unsubscribe failed", zap.Error(tok.Error()))
			}
			return nil
		case <-ticker.C:
			a.Beacon()
		}
	}
}

// Beacon announces the node with a NodeInfo broadcast.
func (a *Agent) Beacon() {
	env := a.identity.NodeInfoEnvelope(a.now())
	if err := a.publish(env); err != nil {
		a.log.Error("beacon publish failed", zap.Error(err))
		return
	}
	metrics.VirtualNodePacketsTotal.WithLabelValues("beacon").Inc()
	a.log.Info("sent nodeinfo beacon", zap.String("node", a.identity.HexID()))
}

// SendText publishes a text message to one node, or to everyone with
// meshproto.Broadcast.
func (a *Agent) SendText(text string, to uint32) error {
	env := a.identity.TextEnvelope(a.now(), to, text)
	if err := a.publish(env); err != nil {
		return err
	}
	metrics.VirtualNodePacketsTotal.WithLabelValues("reply").Inc()
	a.log.Info("sent text message",
		zap.String("to", meshid.HexWithBang(to)),
		zap.Int("length", len(text)))
	return nil
}

func (a *Agent) publish(env *meshproto.ServiceEnvelope) error {
	tok := a.client.Publish(a.publishTopic(), 0, false, env.Marshal())
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("vnode: publishing to %s: %w", a.publishTopic(), tok.Error())
	}
	return nil
}

func (a *Agent) onMessage(_ mqtt.Client, msg mqtt.Message) {
	env, err := meshproto.UnmarshalServiceEnvelope(msg.Payload())
	if err != nil {
		a.log.Warn("undecodable envelope", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if !a.dedup.ShouldProcess(env) {
		return
	}

	packet := env.Packet
	if packet.To != a.identity.NodeID && packet.To != meshproto.Broadcast {
		return
	}
	if packet.From == a.identity.NodeID {
		return
	}
	metrics.VirtualNodePacketsTotal.WithLabelValues("received").Inc()
	a.log.Debug("packet for virtual node",
		zap.String("from", meshid.HexWithBang(packet.From)),
		zap.Uint32("id", packet.ID))

	if err := a.processor.Decrypt(env); err != nil {
		a.log.Warn("cannot decode packet payload", zap.Error(err))
		return
	}
	if packet.Decoded == nil || packet.Decoded.Portnum != meshproto.PortTextMessageApp {
		return
	}

	text := string(packet.Decoded.Payload)
	a.log.Info("received text message",
		zap.String("from", meshid.HexWithBang(packet.From)),
		zap.String("text", text))

	reply := fmt.Sprintf("Hello from %s! You sent: %s", a.identity.LongName, text)
	if err := a.SendText(reply, packet.From); err != nil {
		a.log.Error("reply publish failed", zap.Error(err))
	}
}
