package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestNormalizeScalars(t *testing.T) {
	ev := Normalize(decode(t, `{"temp":21.5,"ok":true,"label":"kitchen","none":null}`))

	assert.Equal(t, Event{"temp": 21.5, "ok": true, "label": "kitchen", "none": nil}, ev)
}

func TestNormalizeNested(t *testing.T) {
	ev := Normalize(decode(t, `{"a":1,"b":{"c":2,"d":{"e":"x"}}}`))

	assert.Equal(t, 1.0, ev["a"])
	b, ok := ev["b"].(Event)
	require.True(t, ok)
	assert.Equal(t, 2.0, b["c"])
	d, ok := b["d"].(Event)
	require.True(t, ok)
	assert.Equal(t, "x", d["e"])
}

func TestNormalizeGPSAlias(t *testing.T) {
	ev := Normalize(decode(t, `{"GPS_1":{"Latitude":1.0,"Longitude":2.0,"Altitude":3.0}}`))

	assert.Equal(t, 1.0, ev["lat"])
	assert.Equal(t, 2.0, ev["lon"])
	assert.Equal(t, 3.0, ev["alt"])

	gps, ok := ev["GPS_1"].(Event)
	require.True(t, ok)
	assert.Equal(t, Event{"Latitude": 1.0, "Longitude": 2.0, "Altitude": 3.0}, gps)
}

func TestNormalizeGPSAliasCaseInsensitive(t *testing.T) {
	ev := Normalize(decode(t, `{"sensors":{"gps_front":{"latitude":-36.8,"LONGITUDE":174.7,"speed":3}}}`))

	assert.Equal(t, -36.8, ev["lat"])
	assert.Equal(t, 174.7, ev["lon"])
	assert.NotContains(t, ev, "alt")
	assert.NotContains(t, ev, "speed")

	sensors := ev["sensors"].(Event)
	front := sensors["gps_front"].(Event)
	assert.Equal(t, 3.0, front["speed"])
}

func TestNormalizeNoAliasOutsideGPS(t *testing.T) {
	ev := Normalize(decode(t, `{"position":{"Latitude":1.0},"Latitude":5}`))

	assert.NotContains(t, ev, "lat")
	assert.Equal(t, 5.0, ev["Latitude"])
}

func TestNormalizeArraysCopied(t *testing.T) {
	ev := Normalize(decode(t, `{"samples":[1,2,3],"GPS_1":{"Latitude":[1,2]}}`))

	assert.Equal(t, []interface{}{1.0, 2.0, 3.0}, ev["samples"])
	assert.NotContains(t, ev, "lat")
}

func TestNormalizeMalformed(t *testing.T) {
	assert.Empty(t, Normalize(nil))
	assert.Empty(t, Normalize("text"))
	assert.Empty(t, Normalize(decode(t, `[{"a":1}]`)))
	assert.Empty(t, Normalize(map[string]interface{}(nil)))
	assert.Empty(t, Normalize(map[string]interface{}{}))
}

func TestNormalizeKeepsEveryLeaf(t *testing.T) {
	doc := decode(t, `{"a":1,"b":{"c":"x","d":{"e":false,"f":{"g":null}}},"GPS_x":{"Altitude":9}}`)
	ev := Normalize(doc)

	var check func(src map[string]interface{}, dst Event)
	check = func(src map[string]interface{}, dst Event) {
		for k, v := range src {
			require.Contains(t, dst, k)
			if child, ok := v.(map[string]interface{}); ok {
				check(child, dst[k].(Event))
				continue
			}
			assert.Equal(t, v, dst[k])
		}
	}
	check(doc.(map[string]interface{}), ev)
	assert.Equal(t, 9.0, ev["alt"])
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	doc := decode(t, `{"GPS_1":{"Latitude":1.0}}`)
	Normalize(doc)

	assert.Equal(t, map[string]interface{}{"GPS_1": map[string]interface{}{"Latitude": 1.0}}, doc)
}
