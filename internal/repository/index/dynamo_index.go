package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/edgevault/edgevault/internal/domain"
	apperrors "github.com/edgevault/edgevault/internal/errors"
)

// DynamoIndex is the cloud metadata index. Single-table layout:
//
//	chunk row:      pk=CHUNK#<digest>           sk=META
//	manifest entry: pk=OBJECT#<objectId>        sk=V<version>#E<chunkIndex>
//	manifest meta:  pk=OBJECT#<objectId>        sk=V<version>#META
//
// Conditional puts on the partition key provide the atomic
// insert-unless-present primitive across server instances.
type DynamoIndex struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoIndex initializes a new DynamoIndex.
func NewDynamoIndex(client *dynamodb.Client, tableName string) *DynamoIndex {
	return &DynamoIndex{
		client:    client,
		tableName: tableName,
	}
}

// NewDynamoIndexFromConfig builds the DynamoDB client from a shared AWS config.
func NewDynamoIndexFromConfig(awsConfig aws.Config, tableName string) *DynamoIndex {
	return NewDynamoIndex(dynamodb.NewFromConfig(awsConfig), tableName)
}

func (d *DynamoIndex) Close() error { return nil }

func chunkPK(digest string) string { return "CHUNK#" + digest }
func objectPK(objectID string) string {
	return "OBJECT#" + objectID
}
func versionPrefix(version int64) string {
	return fmt.Sprintf("V%012d#", version)
}
func entrySK(version int64, chunkIndex int) string {
	return fmt.Sprintf("V%012d#E%08d", version, chunkIndex)
}
func manifestSK(version int64) string {
	return versionPrefix(version) + "META"
}

type chunkItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	domain.ChunkMeta
}

type entryItem struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	ObjectID   string `dynamodbav:"object_id"`
	Version    int64  `dynamodbav:"version"`
	ChunkIndex int    `dynamodbav:"chunk_index"`
	Digest     string `dynamodbav:"digest"`
}

type manifestItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	ObjectID  string `dynamodbav:"object_id"`
	Version   int64  `dynamodbav:"version"`
	Committed bool   `dynamodbav:"committed"`
	TotalSize int64  `dynamodbav:"total_size"`
	Checksum  string `dynamodbav:"checksum"`
}

// LookupChunk resolves a digest to chunk metadata.
func (d *DynamoIndex) LookupChunk(ctx context.Context, digest string) (domain.ChunkMeta, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: chunkPK(digest)},
			"sk": &types.AttributeValueMemberS{Value: "META"},
		},
	})
	if err != nil {
		return domain.ChunkMeta{}, false, fmt.Errorf("failed to get chunk metadata: %w", err)
	}
	if result.Item == nil {
		return domain.ChunkMeta{}, false, nil
	}

	var item chunkItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return domain.ChunkMeta{}, false, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
	}
	return item.ChunkMeta, true, nil
}

// InsertChunkIfAbsent records chunk metadata with a conditional put; a
// concurrent writer of the same digest resolves to AlreadyExists.
func (d *DynamoIndex) InsertChunkIfAbsent(ctx context.Context, meta domain.ChunkMeta) (InsertOutcome, error) {
	item := chunkItem{PK: chunkPK(meta.Digest), SK: "META", ChunkMeta: meta}
	itemMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return AlreadyExists, fmt.Errorf("failed to marshal chunk metadata: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                itemMap,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return AlreadyExists, nil
		}
		return AlreadyExists, fmt.Errorf("failed to insert chunk metadata: %w", err)
	}
	return Inserted, nil
}

// TouchChunk records a read access.
func (d *DynamoIndex) TouchChunk(ctx context.Context, digest string, at time.Time) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: chunkPK(digest)},
			"sk": &types.AttributeValueMemberS{Value: "META"},
		},
		UpdateExpression:    aws.String("SET last_access_at = :at"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return apperrors.ErrChunkNotFound
	}
	return err
}

// UpdateChunkTier reclassifies a chunk's storage tier.
func (d *DynamoIndex) UpdateChunkTier(ctx context.Context, digest string, tier domain.Tier) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: chunkPK(digest)},
			"sk": &types.AttributeValueMemberS{Value: "META"},
		},
		UpdateExpression:    aws.String("SET tier = :tier"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tier": &types.AttributeValueMemberS{Value: string(tier)},
		},
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return apperrors.ErrChunkNotFound
	}
	return err
}

// ListChunksForTiering scans for chunks in the given tier last accessed
// before the cutoff. A scan is acceptable here: the sweeper runs in the
// background, off the ingest and read hot paths.
func (d *DynamoIndex) ListChunksForTiering(ctx context.Context, tier domain.Tier, lastAccessBefore time.Time, limit int) ([]domain.ChunkMeta, error) {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(d.tableName),
		FilterExpression: aws.String("begins_with(pk, :prefix) AND tier = :tier AND last_access_at < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: "CHUNK#"},
			":tier":   &types.AttributeValueMemberS{Value: string(tier)},
			":cutoff": &types.AttributeValueMemberS{Value: lastAccessBefore.UTC().Format(time.RFC3339Nano)},
		},
	}

	var chunks []domain.ChunkMeta
	for {
		result, err := d.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunks for tiering: %w", err)
		}
		for _, raw := range result.Items {
			var item chunkItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
			chunks = append(chunks, item.ChunkMeta)
			if len(chunks) >= limit {
				return chunks, nil
			}
		}
		if result.LastEvaluatedKey == nil {
			return chunks, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// AppendManifestEntry records one manifest row, idempotently.
func (d *DynamoIndex) AppendManifestEntry(ctx context.Context, entry domain.ManifestEntry) error {
	meta, err := d.getManifestItem(ctx, entry.ObjectID, entry.Version)
	if err != nil {
		return err
	}
	if meta != nil && meta.Committed {
		return apperrors.ErrManifestCommitted
	}

	item := entryItem{
		PK:         objectPK(entry.ObjectID),
		SK:         entrySK(entry.Version, entry.ChunkIndex),
		ObjectID:   entry.ObjectID,
		Version:    entry.Version,
		ChunkIndex: entry.ChunkIndex,
		Digest:     entry.Digest,
	}
	itemMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest entry: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                itemMap,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err == nil {
		return nil
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &conditionFailed) {
		return fmt.Errorf("failed to append manifest entry: %w", err)
	}

	// The index is already recorded; an identical digest is a retried write.
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: item.PK},
			"sk": &types.AttributeValueMemberS{Value: item.SK},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to read existing manifest entry: %w", err)
	}
	var existing entryItem
	if err := attributevalue.UnmarshalMap(result.Item, &existing); err != nil {
		return fmt.Errorf("failed to unmarshal manifest entry: %w", err)
	}
	if existing.Digest != entry.Digest {
		return fmt.Errorf("%w: index %d has %s, got %s",
			apperrors.ErrManifestConflict, entry.ChunkIndex, existing.Digest, entry.Digest)
	}
	return nil
}

func (d *DynamoIndex) getManifestItem(ctx context.Context, objectID string, version int64) (*manifestItem, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: objectPK(objectID)},
			"sk": &types.AttributeValueMemberS{Value: manifestSK(version)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var item manifestItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &item, nil
}

// GetManifest returns the manifest with entries in chunk index order. The
// zero-padded sort key makes DynamoDB's native ordering the chunk order.
func (d *DynamoIndex) GetManifest(ctx context.Context, objectID string, version int64) (domain.Manifest, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: objectPK(objectID)},
			":prefix": &types.AttributeValueMemberS{Value: versionPrefix(version)},
		},
	}

	m := domain.Manifest{ObjectID: objectID, Version: version}
	found := false
	for {
		result, err := d.client.Query(ctx, input)
		if err != nil {
			return domain.Manifest{}, fmt.Errorf("failed to query manifest: %w", err)
		}
		for _, raw := range result.Items {
			found = true
			sk := ""
			if v, ok := raw["sk"].(*types.AttributeValueMemberS); ok {
				sk = v.Value
			}
			if strings.HasSuffix(sk, "#META") {
				var item manifestItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					return domain.Manifest{}, fmt.Errorf("failed to unmarshal manifest: %w", err)
				}
				m.Committed = item.Committed
				m.TotalSize = item.TotalSize
				m.Checksum = item.Checksum
				continue
			}
			var item entryItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return domain.Manifest{}, fmt.Errorf("failed to unmarshal manifest entry: %w", err)
			}
			m.Entries = append(m.Entries, domain.ManifestEntry{
				ObjectID:   item.ObjectID,
				Version:    item.Version,
				ChunkIndex: item.ChunkIndex,
				Digest:     item.Digest,
			})
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	if !found {
		return domain.Manifest{}, apperrors.ErrObjectNotFound
	}
	return m, nil
}

// CommitManifest writes the committed manifest marker; idempotent.
func (d *DynamoIndex) CommitManifest(ctx context.Context, objectID string, version int64, totalSize int64, checksum string) error {
	item := manifestItem{
		PK:        objectPK(objectID),
		SK:        manifestSK(version),
		ObjectID:  objectID,
		Version:   version,
		Committed: true,
		TotalSize: totalSize,
		Checksum:  checksum,
	}
	itemMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      itemMap,
	})
	if err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

// InvalidateManifest deletes the entries of an uncommitted manifest.
func (d *DynamoIndex) InvalidateManifest(ctx context.Context, objectID string, version int64) error {
	meta, err := d.getManifestItem(ctx, objectID, version)
	if err != nil {
		return err
	}
	if meta != nil && meta.Committed {
		return apperrors.ErrManifestCommitted
	}

	m, err := d.GetManifest(ctx, objectID, version)
	if err != nil {
		return err
	}
	for _, entry := range m.Entries {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.tableName),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: objectPK(objectID)},
				"sk": &types.AttributeValueMemberS{Value: entrySK(version, entry.ChunkIndex)},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete manifest entry %d: %w", entry.ChunkIndex, err)
		}
	}
	return nil
}
