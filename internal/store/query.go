package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/roomcast/roomcast/internal/message"
)

// Queries reads the partitioned message table and its secondary indexes.
type Queries struct {
	client       DynamoDBAPI
	table        string
	userIndex    string
	timeIndex    string
	historyLimit int32
	shardLimit   int32
}

// NewQueries binds the query layer to the table and index names.
func NewQueries(client DynamoDBAPI, table, userIndex, timeIndex string, historyLimit, shardLimit int) *Queries {
	return &Queries{
		client:       client,
		table:        table,
		userIndex:    userIndex,
		timeIndex:    timeIndex,
		historyLimit: int32(historyLimit),
		shardLimit:   int32(shardLimit),
	}
}

// RoomHistory returns a room's messages in chronological order within the
// window, capped at the history limit.
func (q *Queries) RoomHistory(ctx context.Context, roomID, start, end string) ([]message.StoredRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              &q.table,
		KeyConditionExpression: strptr("roomId = :pk AND timestampSk BETWEEN :start AND :end"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: roomID},
			":start": &types.AttributeValueMemberS{Value: start},
			":end":   &types.AttributeValueMemberS{Value: end},
		},
		ScanIndexForward: boolptr(true),
		Limit:            &q.historyLimit,
	}
	return q.run(ctx, input)
}

// UserHistory returns a user's messages via the user index. Empty window
// boundaries query the user's full history.
func (q *Queries) UserHistory(ctx context.Context, userID, start, end string) ([]message.StoredRecord, error) {
	keyCondition := "userId = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: userID},
	}
	if start != "" && end != "" {
		keyCondition += " AND timestampSk BETWEEN :start AND :end"
		values[":start"] = &types.AttributeValueMemberS{Value: start}
		values[":end"] = &types.AttributeValueMemberS{Value: end}
	}

	input := &dynamodb.QueryInput{
		TableName:                 &q.table,
		IndexName:                 &q.userIndex,
		KeyConditionExpression:    &keyCondition,
		ExpressionAttributeValues: values,
		Limit:                     &q.historyLimit,
	}
	return q.run(ctx, input)
}

// QueryShard returns one write-shard's slice of the time index within the
// window, capped at the shard limit.
func (q *Queries) QueryShard(ctx context.Context, shardID int, start, end string) ([]message.StoredRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              &q.table,
		IndexName:              &q.timeIndex,
		KeyConditionExpression: strptr("bucketId = :pk AND timestampSk BETWEEN :start AND :end"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: strconv.Itoa(shardID)},
			":start": &types.AttributeValueMemberS{Value: start},
			":end":   &types.AttributeValueMemberS{Value: end},
		},
		Limit: &q.shardLimit,
	}
	return q.run(ctx, input)
}

func (q *Queries) run(ctx context.Context, input *dynamodb.QueryInput) ([]message.StoredRecord, error) {
	out, err := q.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", *q.describe(input), err)
	}

	records := make([]message.StoredRecord, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("unmarshal query result: %w", err)
	}
	return records, nil
}

func (q *Queries) describe(input *dynamodb.QueryInput) *string {
	if input.IndexName != nil {
		return input.IndexName
	}
	return input.TableName
}

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }
