package mqtt

import (
	"strings"
)

// Topic layout:
//
//	keyrelay/groups/{group}   task progress events for a broadcast group
//	keyrelay/tasks/{queue}    task messages awaiting a worker
//	keyrelay/system/status    retained online/offline status (LWT)
const (
	TopicPrefix       = "keyrelay"
	TopicPrefixGroups = TopicPrefix + "/groups"
	TopicPrefixTasks  = TopicPrefix + "/tasks"
	TopicPrefixSystem = TopicPrefix + "/system"

	// WorkerShareGroup is the shared-subscription group all workers join,
	// so each task message is delivered to exactly one worker.
	WorkerShareGroup = "keyrelay-workers"
)

// Topics builds Keyrelay topic names.
type Topics struct{}

// GroupEvents returns the topic carrying events for a broadcast group.
func (Topics) GroupEvents(group string) string {
	return TopicPrefixGroups + "/" + group
}

// AllGroupEvents matches every broadcast group.
func (Topics) AllGroupEvents() string {
	return TopicPrefixGroups + "/+"
}

// TaskQueue returns the topic producers publish task messages to.
func (Topics) TaskQueue(queue string) string {
	return TopicPrefixTasks + "/" + queue
}

// SharedTaskQueue returns the shared-subscription filter workers consume
// a queue through.
func (Topics) SharedTaskQueue(queue string) string {
	return "$share/" + WorkerShareGroup + "/" + TopicPrefixTasks + "/" + queue
}

// SystemStatus returns the retained status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// GroupFromTopic extracts the group name from a GroupEvents topic.
func GroupFromTopic(topic string) (string, bool) {
	group, ok := strings.CutPrefix(topic, TopicPrefixGroups+"/")
	if !ok || ValidateSegment(group) != nil {
		return "", false
	}
	return group, true
}

// ValidateSegment rejects names that cannot be used as a single topic level.
func ValidateSegment(name string) error {
	if name == "" || strings.ContainsAny(name, "/+#") {
		return ErrInvalidSegment
	}
	return nil
}
