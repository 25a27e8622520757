package mqtt

import (
	"strings"

	"github.com/iamslan/fossibot/internal/registers"
)

// Topic segments of the Sydpower device scheme.
const (
	// requestSuffix is appended to a device ID for commands and polls.
	requestSuffix = "/client/request/data"

	// responsePrefix follows the device ID on every device response.
	responsePrefix = "/device/response/"

	// realtimeSuffix marks responses carrying the input register window.
	realtimeSuffix = "/device/response/client/04"

	// settingsSuffix marks responses carrying the holding register window.
	settingsSuffix = "/device/response/client/data"

	// ackSuffix marks write acknowledgements.
	ackSuffix = "/device/response/state"
)

// TopicKind classifies an inbound topic.
type TopicKind int

// Topic kinds.
const (
	KindUnknown TopicKind = iota
	KindRealtime
	KindSettings
	KindAck
)

// String returns the kind name used in logs.
func (k TopicKind) String() string {
	switch k {
	case KindRealtime:
		return "realtime"
	case KindSettings:
		return "settings"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Topics builds and parses Sydpower device topics.
//
// Namespace is prepended to every topic. It is empty for the production
// broker and lets tests or a private broker isolate traffic:
//
//	topics := mqtt.Topics{}
//	topics.Request("7C2C67AB5F0E")
//	// Returns: "7C2C67AB5F0E/client/request/data"
type Topics struct {
	Namespace string
}

// DeviceSubscription returns the filter covering every data response of
// one device.
//
// Example: 7C2C67AB5F0E/device/response/client/+
func (t Topics) DeviceSubscription(deviceID string) string {
	return t.Namespace + deviceID + "/device/response/client/+"
}

// AckSubscription returns the filter covering write acknowledgements of
// all devices.
//
// Example: +/device/response/state
func (t Topics) AckSubscription() string {
	return t.Namespace + "+" + ackSuffix
}

// Request returns the topic commands for a device are published to.
func (t Topics) Request(deviceID string) string {
	return t.Namespace + deviceID + requestSuffix
}

// DeviceID extracts the device ID from a response topic.
func (t Topics) DeviceID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Namespace)
	if !ok {
		return "", false
	}
	id, _, found := strings.Cut(rest, responsePrefix)
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// IsAck reports whether topic carries write acknowledgements.
func (t Topics) IsAck(topic string) bool {
	return t.Kind(topic) == KindAck
}

// Kind classifies a response topic.
func (t Topics) Kind(topic string) TopicKind {
	if _, ok := t.DeviceID(topic); !ok {
		return KindUnknown
	}
	switch {
	case strings.HasSuffix(topic, realtimeSuffix):
		return KindRealtime
	case strings.HasSuffix(topic, settingsSuffix):
		return KindSettings
	case strings.HasSuffix(topic, ackSuffix):
		return KindAck
	default:
		return KindUnknown
	}
}

// Bank returns the register bank a data topic carries. Acknowledgement and
// unknown topics report false.
func (t Topics) Bank(topic string) (registers.Bank, bool) {
	switch t.Kind(topic) {
	case KindRealtime:
		return registers.BankInput, true
	case KindSettings:
		return registers.BankHolding, true
	default:
		return 0, false
	}
}
