// Package topics resolves the MQTT topic names used to reach tray
// devices. Config pushes may need to land on both the current shared
// topic and an older per-device one, so resolution works over an
// ordered template list.
package topics

import "strings"

const (
	picoPlaceholder = "{pico_id}"
	trayPlaceholder = "{tray_id}"
)

type Resolver struct {
	// ConfigTopic is the current-style config topic or template.
	ConfigTopic string
	// LegacyTemplate is the older per-device template; empty disables
	// the legacy channel.
	LegacyTemplate string
}

// Templates returns the configured topic templates in publish order,
// without duplicates or blanks.
func (r Resolver) Templates() []string {
	var out []string
	for _, t := range []string{r.ConfigTopic, r.LegacyTemplate} {
		t = strings.TrimSpace(t)
		if t == "" || contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Resolve instantiates every template for the given device id. A
// template without the placeholder is used verbatim (broadcast-style
// topic). Identical resolved names collapse to one entry.
func (r Resolver) Resolve(picoID string) []string {
	var out []string
	for _, tmpl := range r.Templates() {
		resolved := strings.ReplaceAll(tmpl, picoPlaceholder, picoID)
		if contains(out, resolved) {
			continue
		}
		out = append(out, resolved)
	}
	return out
}

// StatusTopic instantiates the device-origin status topic template for
// a tray. Used when mirroring a config push into the local state.
func StatusTopic(template, trayID string) string {
	return strings.ReplaceAll(template, trayPlaceholder, trayID)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
