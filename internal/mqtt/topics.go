package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the config leaves the prefix empty.
const DefaultTopicPrefix = "hearthlink"

// Topics builds relay topic names under a prefix.
//
//	Topics{Prefix: "home"}.DeviceState("42") // home/devices/42/state
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// DeviceState is the retained state topic for one device.
func (t Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/state", t.prefix(), topicSegment(deviceID))
}

// Status carries the relay's online/offline status and the broker's last will.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// Realtime carries realtime channel transitions.
func (t Topics) Realtime() string {
	return t.prefix() + "/realtime"
}

// topicSegment makes an identifier safe as a single topic level.
func topicSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}
