package ddb

import (
	"context"

	"credlayer/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// BlobStore keeps each blob as one item of a PK/SK table.
type BlobStore struct {
	table string
	cli   *dynamodb.Client
}

type blobItem struct {
	PK   string `dynamodbav:"PK"`
	SK   string `dynamodbav:"SK"`
	Data []byte `dynamodbav:"data"`
}

// NewBlobStore creates the table if it does not exist yet.
func NewBlobStore(ctx context.Context, table string, cli *dynamodb.Client) (*BlobStore, error) {
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, types.Err(types.ErrStorageUnavailable, err, "creating table %s", table)
	}
	return &BlobStore{table: table, cli: cli}, nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, types.Err(types.ErrStorageUnavailable, err, "")
	}
	if out.Item == nil {
		return nil, types.ErrNotFound
	}
	var item blobItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, types.Err(types.ErrMalformedBlob, err, "")
	}
	return item.Data, nil
}

func (s *BlobStore) Set(ctx context.Context, key string, value []byte) error {
	av, err := attributevalue.MarshalMap(blobItem{PK: pkBlob(key), SK: skData(), Data: value})
	if err != nil {
		return err
	}
	_, err = s.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.table,
		Item:      av,
	})
	if err != nil {
		return types.Err(types.ErrStorageUnavailable, err, "")
	}
	return nil
}

func (s *BlobStore) Remove(ctx context.Context, key string) error {
	_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.table,
		Key:       itemKey(key),
	})
	if err != nil {
		return types.Err(types.ErrStorageUnavailable, err, "")
	}
	return nil
}

func (s *BlobStore) Close() error {
	return nil
}

func itemKey(key string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{
		"PK": &ddbTypes.AttributeValueMemberS{Value: pkBlob(key)},
		"SK": &ddbTypes.AttributeValueMemberS{Value: skData()},
	}
}
