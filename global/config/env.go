package config

import (
	"PPSync/tools"
	"strings"
)

func envOverlay() map[string]string {
	out := map[string]string{}
	for _, kv := range tools.EnvWithPrefix(EnvPrefix) {
		out[envKey(kv[0])] = kv[1]
	}
	return out
}

// envKey maps "LIVENESS__TIMEOUT" to "liveness.timeout".
func envKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "__", "."))
}

// setPath writes v at the dotted path, creating intermediate maps.
func setPath(m map[string]any, path, v string) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
