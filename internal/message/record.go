package message

// StoredRecord is the persisted shape of a chat message. The room id is the
// partition key; the sort key concatenates timestamp and message id so that
// records in a room order chronologically and stay unique even when two
// messages share a timestamp. ShardID spreads the time-ordered secondary
// index across a fixed number of partitions for scatter-gather reads; it
// carries no semantic meaning.
type StoredRecord struct {
	RoomID      string `dynamodbav:"roomId" json:"roomId"`
	TimestampSK string `dynamodbav:"timestampSk" json:"timestampSk"`
	ShardID     string `dynamodbav:"bucketId" json:"bucketId"`
	MessageID   string `dynamodbav:"messageId" json:"messageId"`
	UserID      string `dynamodbav:"userId" json:"userId"`
	Username    string `dynamodbav:"username" json:"username"`
	Body        string `dynamodbav:"message" json:"message"`
	Timestamp   string `dynamodbav:"timestamp" json:"timestamp"`
}

// SortKey composes the range key for a message. Timestamps share a fixed-width
// ISO-8601 format, so lexicographic comparison of the composed key preserves
// chronological order regardless of the id suffix.
func SortKey(timestamp, messageID string) string {
	return timestamp + "#" + messageID
}

// NewStoredRecord maps an envelope onto its persisted shape with the given
// write shard.
func NewStoredRecord(env Envelope, shardID string) StoredRecord {
	return StoredRecord{
		RoomID:      env.RoomID,
		TimestampSK: SortKey(env.Timestamp, env.MessageID),
		ShardID:     shardID,
		MessageID:   env.MessageID,
		UserID:      env.UserID,
		Username:    env.Username,
		Body:        env.Body,
		Timestamp:   env.Timestamp,
	}
}
