package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndDeviceIDsDevEUI(t *testing.T) {
	tests := []struct {
		name string
		eui  string
		want string
	}{
		{"valid", `"70b3d57ed0000001"`, "70B3D57ED0000001"},
		{"malformed", `"not-an-eui"`, "0000000000000000"},
		{"wrong type", `42`, "0000000000000000"},
		{"null", `null`, "0000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids EndDeviceIDs
			data := `{"device_id":"dev-1","application_ids":{"application_id":"app-1"},"dev_eui":` + tt.eui + `}`
			require.NoError(t, json.Unmarshal([]byte(data), &ids))

			assert.Equal(t, "dev-1", ids.DeviceID)
			assert.Equal(t, "app-1", ids.ApplicationIDs.ApplicationID)
			assert.Equal(t, tt.want, ids.DevEUI.String())
		})
	}
}

func TestUplinkWithMalformedDevEUIDecodes(t *testing.T) {
	var up UplinkPayload
	err := json.Unmarshal([]byte(`{
		"end_device_ids":{"device_id":"dev-1","dev_eui":"ZZZZ"},
		"correlation_ids":["as:up:01"],
		"uplink_message":{"f_port":2,"frm_payload":"AQI="}
	}`), &up)
	require.NoError(t, err)

	assert.Equal(t, "dev-1", up.EndDeviceIDs.DeviceID)
	assert.True(t, up.EndDeviceIDs.DevEUI.IsZero())
	require.NotNil(t, up.UplinkMessage.FPort)
	assert.Equal(t, uint8(2), *up.UplinkMessage.FPort)
}
