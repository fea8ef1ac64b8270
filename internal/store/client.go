// Package store owns all DynamoDB access: the batched write path and the
// history/shard range queries.
package store

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/roomcast/roomcast/internal/config"
)

// DynamoDBAPI is the slice of the DynamoDB client this service uses. Tests
// substitute a fake.
type DynamoDBAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// NewClient builds the DynamoDB client from the default AWS config chain.
// AWSEndpoint, when set, points the client at a custom endpoint such as
// LocalStack.
func NewClient(ctx context.Context, conf *config.Config) (DynamoDBAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(conf.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if conf.AWSEndpoint != "" {
			o.BaseEndpoint = sdkaws.String(conf.AWSEndpoint)
		}
	}), nil
}
