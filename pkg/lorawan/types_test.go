package lorawan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEUI64(t *testing.T) {
	eui, err := ParseEUI64("70b3d57ed0000001")
	require.NoError(t, err)
	assert.Equal(t, "70B3D57ED0000001", eui.String())

	eui, err = ParseEUI64("70-B3-D5-7E-D0-00-00-01")
	require.NoError(t, err)
	assert.Equal(t, EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x00, 0x00, 0x01}, eui)

	_, err = ParseEUI64("70b3")
	assert.Error(t, err)

	_, err = ParseEUI64("zzb3d57ed0000001")
	assert.Error(t, err)
}

func TestEUI64JSON(t *testing.T) {
	var v struct {
		DevEUI EUI64 `json:"dev_eui"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"dev_eui":"70B3D57ED0000001"}`), &v))
	assert.Equal(t, "70B3D57ED0000001", v.DevEUI.String())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dev_eui":"70B3D57ED0000001"}`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`{"dev_eui":""}`), &v))
	assert.True(t, v.DevEUI.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"dev_eui":"nope"}`), &v))
}
