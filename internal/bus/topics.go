package bus

import (
	"strings"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

// Kind is the routing class of a bus message, decided once from its topic
type Kind int

const (
	KindUnrecognized Kind = iota
	KindUplink
	KindQueued
	KindAck
	KindNack
	KindFailed
)

var kindNames = map[Kind]string{
	KindUnrecognized: "unrecognized",
	KindUplink:       "up",
	KindQueued:       "queued",
	KindAck:          "ack",
	KindNack:         "nack",
	KindFailed:       "failed",
}

func (k Kind) String() string {
	return kindNames[k]
}

// StatusKinds are the downlink status topics a tenant session subscribes to
var StatusKinds = []Kind{KindQueued, KindAck, KindNack, KindFailed}

// UplinkTopic is the uplink subscription of an application
func UplinkTopic(prefix, applicationID string) string {
	return prefix + "/" + applicationID + "/devices/+/up"
}

// StatusTopic is the subscription for one downlink status kind
func StatusTopic(prefix, applicationID string, kind Kind) string {
	return prefix + "/" + applicationID + "/devices/+/down/" + kind.String()
}

// DownlinkTopic is where downlinks for a device are queued
func DownlinkTopic(prefix, applicationID, deviceID string, queue models.Queue) string {
	return prefix + "/" + applicationID + "/devices/" + deviceID + "/down/" + string(queue)
}

// SubscriptionTopics lists every topic a tenant session subscribes to
func SubscriptionTopics(prefix, applicationID string) []string {
	topics := []string{UplinkTopic(prefix, applicationID)}
	for _, k := range StatusKinds {
		topics = append(topics, StatusTopic(prefix, applicationID, k))
	}
	return topics
}

// Classify returns the kind of a received topic and the device id it names
func Classify(topic string) (Kind, string) {
	parts := strings.Split(topic, "/")

	// <prefix>/<app>/devices/<device>/<suffix...>
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "devices" || i == 0 {
			continue
		}
		deviceID := parts[i+1]
		suffix := parts[i+2:]

		switch {
		case len(suffix) == 1 && suffix[0] == "up":
			return KindUplink, deviceID
		case len(suffix) == 2 && suffix[0] == "down":
			switch suffix[1] {
			case "queued":
				return KindQueued, deviceID
			case "ack":
				return KindAck, deviceID
			case "nack":
				return KindNack, deviceID
			case "failed":
				return KindFailed, deviceID
			}
		}
		return KindUnrecognized, deviceID
	}

	return KindUnrecognized, ""
}
