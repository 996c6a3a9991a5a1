package mqtt

import "strings"

const topicRoot = "steploop"

// topics builds every topic under steploop/<device>.
type topics struct {
	base string
}

func newTopics(device string) topics {
	return topics{base: topicRoot + "/" + device}
}

func (t topics) availability() string { return t.base + "/availability" }

func (t topics) info() string { return t.base + "/info" }

func (t topics) events(kind string) string { return t.base + "/events/" + kind }

func (t topics) stopFilter() string { return t.base + "/stop/+" }

// stopSession extracts the session ID from a stop topic. It reports
// false for any other topic or an empty session level.
func (t topics) stopSession(topic string) (string, bool) {
	prefix := t.base + "/stop/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	session := strings.TrimPrefix(topic, prefix)
	if session == "" || strings.Contains(session, "/") {
		return "", false
	}
	return session, true
}
