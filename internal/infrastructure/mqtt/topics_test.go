package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iamslan/fossibot/internal/registers"
)

func TestTopics_Builders(t *testing.T) {
	topics := Topics{}

	assert.Equal(t, "7C2C67AB5F0E/device/response/client/+", topics.DeviceSubscription("7C2C67AB5F0E"))
	assert.Equal(t, "+/device/response/state", topics.AckSubscription())
	assert.Equal(t, "7C2C67AB5F0E/client/request/data", topics.Request("7C2C67AB5F0E"))
}

func TestTopics_Namespace(t *testing.T) {
	topics := Topics{Namespace: "lab/"}

	assert.Equal(t, "lab/AA/device/response/client/+", topics.DeviceSubscription("AA"))
	assert.Equal(t, "lab/+/device/response/state", topics.AckSubscription())
	assert.Equal(t, "lab/AA/client/request/data", topics.Request("AA"))

	id, ok := topics.DeviceID("lab/AA/device/response/client/04")
	assert.True(t, ok)
	assert.Equal(t, "AA", id)

	_, ok = topics.DeviceID("AA/device/response/client/04")
	assert.False(t, ok, "topic outside the namespace")
}

func TestTopics_Classify(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		topic    string
		wantID   string
		wantOK   bool
		wantKind TopicKind
		wantAck  bool
	}{
		{"7C2C67AB5F0E/device/response/client/04", "7C2C67AB5F0E", true, KindRealtime, false},
		{"7C2C67AB5F0E/device/response/client/data", "7C2C67AB5F0E", true, KindSettings, false},
		{"7C2C67AB5F0E/device/response/state", "7C2C67AB5F0E", true, KindAck, true},
		{"7C2C67AB5F0E/device/response/client/99", "7C2C67AB5F0E", true, KindUnknown, false},
		{"7C2C67AB5F0E/client/request/data", "", false, KindUnknown, false},
		{"/device/response/state", "", false, KindUnknown, false},
		{"a/b/device/response/state", "", false, KindUnknown, false},
		{"", "", false, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := topics.DeviceID(tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantKind, topics.Kind(tt.topic))
			assert.Equal(t, tt.wantAck, topics.IsAck(tt.topic))
		})
	}
}

func TestTopics_Bank(t *testing.T) {
	topics := Topics{}

	bank, ok := topics.Bank("AA/device/response/client/04")
	assert.True(t, ok)
	assert.Equal(t, registers.BankInput, bank)

	bank, ok = topics.Bank("AA/device/response/client/data")
	assert.True(t, ok)
	assert.Equal(t, registers.BankHolding, bank)

	_, ok = topics.Bank("AA/device/response/state")
	assert.False(t, ok)
}

func TestTopicKind_String(t *testing.T) {
	assert.Equal(t, "realtime", KindRealtime.String())
	assert.Equal(t, "settings", KindSettings.String())
	assert.Equal(t, "ack", KindAck.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
