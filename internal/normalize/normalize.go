// Package normalize flattens decoded uplink payloads into telemetry events.
package normalize

import (
	"sort"
	"strings"
)

// Event is a normalized telemetry document: scalar fields plus nested groups
type Event map[string]interface{}

// gpsPrefix marks objects whose coordinates are also lifted to the top level
const gpsPrefix = "GPS_"

var gpsAliases = map[string]string{
	"latitude":  "lat",
	"longitude": "lon",
	"altitude":  "alt",
}

// Normalize walks a decoded payload depth first. Scalar fields are copied into the
// current target, object fields recurse into a fresh nested event attached under the
// field name. Latitude, Longitude and Altitude found directly inside an object whose key
// starts with GPS_ (any case) are additionally copied to the top level as lat, lon and alt.
// Anything that is not an object yields an empty event.
func Normalize(document interface{}) Event {
	root := make(Event)

	obj, ok := asObject(document)
	if !ok {
		return root
	}

	walk(root, root, obj, "")
	return root
}

func walk(root, target Event, obj map[string]interface{}, key string) {
	gps := strings.HasPrefix(strings.ToUpper(key), gpsPrefix)

	for _, name := range sortedKeys(obj) {
		value := obj[name]

		if child, ok := asObject(value); ok {
			nested := make(Event)
			walk(root, nested, child, name)
			target[name] = nested
			continue
		}

		target[name] = value

		if gps && isScalar(value) {
			if alias, ok := gpsAliases[strings.ToLower(name)]; ok {
				root[alias] = value
			}
		}
	}
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch o := v.(type) {
	case map[string]interface{}:
		return o, o != nil
	case Event:
		return map[string]interface{}(o), o != nil
	}
	return nil, false
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, Event, []interface{}:
		return false
	}
	return true
}

// sortedKeys keeps the walk deterministic when an alias and a plain field collide
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
