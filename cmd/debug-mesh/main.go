// debug-mesh inspects mesh traffic: decode a single base64 ServiceEnvelope
// from the command line, or subscribe to a broker and pretty-print every
// envelope as it arrives, including decrypted contents and the points the
// pipeline would produce.
//
//	debug-mesh <base64-envelope>
//	debug-mesh listen [broker-uri] [topic]
//
// The channel key comes from MESHTASTIC_KEY, falling back to the
// community default key.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/mesh"
	"github.com/austinmesh/bridger/internal/meshid"
	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/point"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: debug-mesh <base64-envelope>")
		fmt.Fprintln(os.Stderr, "       debug-mesh listen [broker-uri] [topic]")
		os.Exit(1)
	}

	processor, err := newProcessor(os.Getenv("MESHTASTIC_KEY"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad key: %v\n", err)
		os.Exit(1)
	}

	if os.Args[1] == "listen" {
		listen(processor, os.Args[2:])
		return
	}

	raw, err := base64.StdEncoding.DecodeString(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "payload is not base64: %v\n", err)
		os.Exit(1)
	}
	analyze(processor, raw)
}

func newProcessor(key string) (*mesh.Processor, error) {
	crypto, err := mesh.NewCryptoEngine(key)
	if err != nil {
		return nil, err
	}
	return mesh.NewProcessor(crypto, mesh.NewRegistry(mesh.Options{ForceDecode: true}), zap.NewNop()), nil
}

func listen(processor *mesh.Processor, args []string) {
	broker := "tcp://localhost:1883"
	topic := "msh/#"
	if len(args) > 0 {
		broker = args[0]
	}
	if len(args) > 1 {
		topic = args[1]
	}

	msgNum := 0
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("debug-mesh-%d", os.Getpid()))
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", tok.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	tok := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		msgNum++
		fmt.Printf("=== MQTT msg %d on %s (%d bytes) ===\n", msgNum, msg.Topic(), len(msg.Payload()))
		analyze(processor, msg.Payload())
		fmt.Println()
	})
	if tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %v\n", tok.Error())
		os.Exit(1)
	}
	fmt.Printf("listening on %s %s, ctrl-c to stop\n", broker, topic)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Printf("total messages: %d\n", msgNum)
}

func analyze(processor *mesh.Processor, raw []byte) {
	env, err := meshproto.UnmarshalServiceEnvelope(raw)
	if err != nil {
		fmt.Printf("  decode error: %v\n", err)
		return
	}

	pkt := env.Packet
	fmt.Printf("  channel_id: %s\n", env.ChannelID)
	fmt.Printf("  gateway_id: %s\n", env.GatewayID)
	fmt.Printf("  from:       %s\n", meshid.HexWithBang(pkt.From))
	fmt.Printf("  to:         %s\n", meshid.HexWithBang(pkt.To))
	fmt.Printf("  id:         %d (0x%08x)\n", pkt.ID, pkt.ID)
	fmt.Printf("  rx_time:    %d\n", pkt.RxTime)
	fmt.Printf("  rx_snr:     %g  rx_rssi: %d\n", pkt.RxSnr, pkt.RxRssi)
	fmt.Printf("  hops:       %d/%d\n", pkt.HopLimit, pkt.HopStart)
	if len(pkt.Encrypted) > 0 {
		fmt.Printf("  encrypted:  %d bytes\n", len(pkt.Encrypted))
	}

	if err := processor.Decrypt(env); err != nil {
		fmt.Printf("  decrypt:    %v\n", err)
		return
	}
	if pkt.Decoded == nil {
		fmt.Println("  no decoded payload")
		return
	}
	fmt.Printf("  portnum:    %s (%d)\n", pkt.Decoded.Portnum, int32(pkt.Decoded.Portnum))
	fmt.Printf("  payload:    %d bytes\n", len(pkt.Decoded.Payload))

	points, err := processor.Process(env)
	if err != nil {
		fmt.Printf("  process:    %v\n", err)
		return
	}
	for i, p := range points {
		fmt.Printf("  point[%d]:   %s\n", i, p.Measurement())
		for k, v := range point.Tags(p) {
			fmt.Printf("    tag   %s=%s\n", k, v)
		}
		for k, v := range point.Fields(p) {
			fmt.Printf("    field %s=%v\n", k, v)
		}
	}
}
