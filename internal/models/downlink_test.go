package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("normal")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority(" Below_Normal ")
	require.NoError(t, err)
	assert.Equal(t, PriorityBelowNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestParseQueue(t *testing.T) {
	q, err := ParseQueue("PUSH")
	require.NoError(t, err)
	assert.Equal(t, QueuePush, q)

	q, err = ParseQueue("replace")
	require.NoError(t, err)
	assert.Equal(t, QueueReplace, q)

	_, err = ParseQueue("append")
	assert.Error(t, err)
}

func TestPriorityQueueYAML(t *testing.T) {
	var v struct {
		Priority Priority `yaml:"priority"`
		Queue    Queue    `yaml:"queue"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("priority: high\nqueue: Replace\n"), &v))
	assert.Equal(t, PriorityHigh, v.Priority)
	assert.Equal(t, QueueReplace, v.Queue)

	assert.Error(t, yaml.Unmarshal([]byte("priority: soon\n"), &v))
}

func TestDownlinkRequestEnvelope(t *testing.T) {
	req := DownlinkRequest{
		Port:             10,
		Confirmed:        true,
		Priority:         PriorityNormal,
		Queue:            QueuePush,
		Payload:          DownlinkPayload{Decoded: json.RawMessage(`{"led":"on"}`)},
		CorrelationToken: "tok-1",
	}

	out, err := json.Marshal(req.Envelope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"downlinks":[{"f_port":10,"confirmed":true,"priority":"NORMAL",
		"decoded_payload":{"led":"on"},"correlation_ids":["bridge:lock-token:tok-1"]}]}`, string(out))

	req.Payload = DownlinkPayload{Raw: "AQID"}
	req.Confirmed = false
	out, err = json.Marshal(req.Envelope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"downlinks":[{"f_port":10,"confirmed":false,"priority":"NORMAL",
		"frm_payload":"AQID","correlation_ids":["bridge:lock-token:tok-1"]}]}`, string(out))
}

func TestLockTokenFrom(t *testing.T) {
	token, ok := LockTokenFrom([]string{"as:downlink:01H", CorrelationID("abc")})
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = LockTokenFrom([]string{"as:downlink:01H", LockTokenPrefix})
	assert.False(t, ok)

	_, ok = LockTokenFrom(nil)
	assert.False(t, ok)
}

func TestDownlinkStatusPayloadLockToken(t *testing.T) {
	var p DownlinkStatusPayload
	require.NoError(t, json.Unmarshal([]byte(`{
		"end_device_ids":{"device_id":"dev-1","application_ids":{"application_id":"app-1"}},
		"correlation_ids":["as:up:1"],
		"downlink_failed":{"downlink":{"f_port":10,"confirmed":true,
			"correlation_ids":["bridge:lock-token:tok-9"]},"error":{"name":"expired"}}}`), &p))

	token, ok := p.LockToken()
	assert.True(t, ok)
	assert.Equal(t, "tok-9", token)
	assert.True(t, p.Confirmed())
	assert.Equal(t, "dev-1", p.EndDeviceIDs.DeviceID)

	var queued DownlinkStatusPayload
	require.NoError(t, json.Unmarshal([]byte(`{
		"correlation_ids":["bridge:lock-token:tok-1"],
		"downlink_queued":{"f_port":10,"confirmed":false}}`), &queued))
	token, ok = queued.LockToken()
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)
	assert.False(t, queued.Confirmed())
}
