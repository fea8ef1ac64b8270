// Package broker wires the Watermill transports: the room-scoped work queues
// and the cluster-wide broadcast destination, over RabbitMQ in production or
// an in-memory channel Pub/Sub for development and tests.
package broker

import "fmt"

const (
	// RoomTopicPrefix prefixes each room-scoped destination name.
	RoomTopicPrefix = "room."
	// BroadcastTopic is the single cluster-wide fanout destination. Every
	// server instance subscribes with its own queue.
	BroadcastTopic = "chat.broadcast"
)

// RoomTopic derives the broker destination for a room.
func RoomTopic(roomID string) string {
	return RoomTopicPrefix + roomID
}

// RoomTopics lists the statically declared destinations for rooms 1..count.
func RoomTopics(count int) []string {
	topics := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		topics = append(topics, fmt.Sprintf("%s%d", RoomTopicPrefix, i))
	}
	return topics
}

// GroupTopics distributes the room topics round-robin over the consumer
// groups so each group owns a fixed slice of the room queues.
func GroupTopics(roomCount, groupCount int) [][]string {
	if groupCount < 1 {
		groupCount = 1
	}
	groups := make([][]string, groupCount)
	for i, topic := range RoomTopics(roomCount) {
		g := i % groupCount
		groups[g] = append(groups[g], topic)
	}
	return groups
}
