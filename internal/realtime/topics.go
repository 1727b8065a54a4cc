package realtime

// Topics a client can subscribe to. Subscriptions to unknown topics are
// ignored, so new topics must be registered here.
const (
	// TopicNotification carries in-app notifications for the connected user.
	TopicNotification = "notification"
	// TopicAssistDelta streams incremental assistant answer tokens.
	TopicAssistDelta = "assist.delta"
	// TopicMonitoringAlert announces health check transitions to operators.
	TopicMonitoringAlert = "monitoring.alert"
)

var knownTopics = map[string]struct{}{
	TopicNotification:    {},
	TopicAssistDelta:     {},
	TopicMonitoringAlert: {},
}

// KnownTopic reports whether the hub serves the supplied topic.
func KnownTopic(topic string) bool {
	_, ok := knownTopics[normalizeTopic(topic)]
	return ok
}

// DefaultTopics are the subscriptions granted when a client does not ask for
// specific ones. Monitoring alerts stay opt-in because they are permission
// gated at upgrade time.
func DefaultTopics() []string {
	return []string{TopicNotification, TopicAssistDelta}
}
