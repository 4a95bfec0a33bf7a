package store

// Key schema. All watcher keys live under a common prefix so unrelated data
// can share the database.
const (
	prefixSubscriber = "/cw/sub/"
)

// SubscriberKey returns the key for one subscriber's state record.
func SubscriberKey(subscriberID string) []byte {
	return []byte(prefixSubscriber + subscriberID)
}

// SubscriberKeyPrefix returns the prefix covering all subscriber records.
func SubscriberKeyPrefix() []byte {
	return []byte(prefixSubscriber)
}
