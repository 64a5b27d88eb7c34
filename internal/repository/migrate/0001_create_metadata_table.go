package migrate

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	MetadataTableName = "edgevault_metadata"
	MetadataVersion   = "20260801000000_metadata_table"
)

// CreateMetadataTable provisions the single-table metadata index used by the
// DynamoDB backend. Chunk rows, manifest entries and manifest markers share
// the table under a generic pk/sk schema.
type CreateMetadataTable struct{}

func (m *CreateMetadataTable) Version() string {
	return MetadataVersion
}

func (m *CreateMetadataTable) TableName() string {
	return MetadataTableName
}

func (m *CreateMetadataTable) Up(ctx context.Context, client *dynamodb.Client, tableName string) error {
	if tableName == "" {
		tableName = MetadataTableName
	}

	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("pk"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("sk"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("pk"),
				KeyType:       types.KeyTypeHash, // Partition Key
			},
			{
				AttributeName: aws.String("sk"),
				KeyType:       types.KeyTypeRange, // Sort Key
			},
		},
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest, // On-demand billing for variable workloads
		Tags: []types.Tag{
			{
				Key:   aws.String("Purpose"),
				Value: aws.String("ChunkMetadataIndex"),
			},
		},
	}

	// Create the table
	_, err := client.CreateTable(ctx, input)
	if err != nil {
		return err
	}

	// Wait for table to become active
	waiter := dynamodb.NewTableExistsWaiter(client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, 5*time.Minute)

	return err
}

func (m *CreateMetadataTable) Down(ctx context.Context, client *dynamodb.Client, tableName string) error {
	if tableName == "" {
		tableName = MetadataTableName
	}

	input := &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	}

	_, err := client.DeleteTable(ctx, input)
	return err
}
