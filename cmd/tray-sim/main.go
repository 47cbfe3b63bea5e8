// tray-sim publishes simulated tray status messages so the ingestion
// pipeline can be exercised against a live broker without hardware.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type statusPayload struct {
	TrayID        string  `json:"tray_id"`
	Status        string  `json:"status"`
	LocationLabel string  `json:"location_label,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Timestamp     string  `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	trayID := flag.String("tray-id", "sim-tray-1", "Tray identifier")
	topicTemplate := flag.String("topic", "MET/hospital/sensors/{tray_id}", "Status topic template")
	label := flag.String("label", "Simulated ward", "Location label to report")
	lat := flag.Float64("lat", 51.4545, "Latitude to report")
	lon := flag.Float64("lon", -2.5879, "Longitude to report")
	interval := flag.Duration("interval", 5*time.Second, "Interval between status messages")
	flipChance := flag.Float64("flip-chance", 0.3, "Probability of toggling on/off per message")

	flag.Parse()

	clientID := fmt.Sprintf("%s-sim-%d", *trayID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topic := strings.ReplaceAll(*topicTemplate, "{tray_id}", *trayID)
	active := true

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		if rand.Float64() < *flipChance {
			active = !active
		}
		status := "off"
		if active {
			status = "on"
		}
		payload := statusPayload{
			TrayID:        *trayID,
			Status:        status,
			LocationLabel: *label,
			Latitude:      *lat,
			Longitude:     *lon,
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s status=%s", topic, status)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}
