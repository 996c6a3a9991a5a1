package mqtt

import "github.com/nugget/steploop/internal/buildinfo"

// Info is the retained payload published to steploop/<device>/info on
// every connect. The instance ID is stable across device renames so
// consumers can tell two processes with the same name apart.
type Info struct {
	InstanceID        string `json:"instance_id"`
	Device            string `json:"device"`
	Version           string `json:"version"`
	AvailabilityTopic string `json:"availability_topic"`
	EventsTopic       string `json:"events_topic"`
	StopTopic         string `json:"stop_topic"`
}

// NewInfo describes this process for the given device name.
func NewInfo(instanceID, deviceName string) Info {
	t := newTopics(deviceName)
	return Info{
		InstanceID:        instanceID,
		Device:            deviceName,
		Version:           buildinfo.Version,
		AvailabilityTopic: t.availability(),
		EventsTopic:       t.events("#"),
		StopTopic:         t.stopFilter(),
	}
}
