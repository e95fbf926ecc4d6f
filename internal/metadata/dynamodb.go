package metadata

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/s3gate/s3gate/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore keeps uploads in a single table keyed by (pk, sk):
//
//	UPLOAD#{bucket}#{uploadID}  #METADATA     upload record
//	UPLOAD#{bucket}#{uploadID}  PART#{00001}  part record
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

// batchWriteLimit is the DynamoDB maximum number of requests per batch.
const batchWriteLimit = 25

// NewDynamoDBStore builds a client from the default AWS credential chain.
func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil || cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient wraps an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func pkUpload(bucket, uploadID string) string {
	return "UPLOAD#" + bucket + "#" + uploadID
}

func skMetadata() string { return "#METADATA" }

func skPart(partNumber int) string { return fmt.Sprintf("PART#%05d", partNumber) }

func (s *DynamoDBStore) itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoDBStore) PutUpload(ctx context.Context, u *UploadRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":           &types.AttributeValueMemberS{Value: pkUpload(u.Bucket, u.UploadID)},
			"sk":           &types.AttributeValueMemberS{Value: skMetadata()},
			"type":         &types.AttributeValueMemberS{Value: "upload"},
			"bucket":       &types.AttributeValueMemberS{Value: u.Bucket},
			"upload_id":    &types.AttributeValueMemberS{Value: u.UploadID},
			"key":          &types.AttributeValueMemberS{Value: u.Key},
			"content_type": &types.AttributeValueMemberS{Value: u.ContentType},
			"initiated_at": &types.AttributeValueMemberS{Value: formatTime(u.InitiatedAt)},
		},
	})
	if err != nil {
		return fmt.Errorf("storing upload: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetUpload(ctx context.Context, bucket, uploadID string) (*UploadRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(pkUpload(bucket, uploadID), skMetadata()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("%s/%s: %w", bucket, uploadID, ErrUploadNotFound)
	}
	return itemToUpload(resp.Item), nil
}

// DeleteUpload queries every item under the upload's partition key and
// removes them in batches.
func (s *DynamoDBStore) DeleteUpload(ctx context.Context, bucket, uploadID string) error {
	items, err := s.queryPartition(ctx, pkUpload(bucket, uploadID), "")
	if err != nil {
		return fmt.Errorf("listing upload items: %w", err)
	}
	for start := 0; start < len(items); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(items))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: s.itemKey(getString(item, "pk"), getString(item, "sk"))},
			})
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: reqs},
		})
		if err != nil {
			return fmt.Errorf("deleting upload items: %w", err)
		}
	}
	return nil
}

func (s *DynamoDBStore) PutPart(ctx context.Context, p *PartRecord) error {
	if _, err := s.GetUpload(ctx, p.Bucket, p.UploadID); err != nil {
		return err
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: pkUpload(p.Bucket, p.UploadID)},
			"sk":            &types.AttributeValueMemberS{Value: skPart(p.PartNumber)},
			"type":          &types.AttributeValueMemberS{Value: "part"},
			"bucket":        &types.AttributeValueMemberS{Value: p.Bucket},
			"upload_id":     &types.AttributeValueMemberS{Value: p.UploadID},
			"part_number":   &types.AttributeValueMemberN{Value: strconv.Itoa(p.PartNumber)},
			"size":          &types.AttributeValueMemberN{Value: strconv.FormatInt(p.Size, 10)},
			"etag":          &types.AttributeValueMemberS{Value: p.ETag},
			"last_modified": &types.AttributeValueMemberS{Value: formatTime(p.LastModified)},
		},
	})
	if err != nil {
		return fmt.Errorf("storing part: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListParts(ctx context.Context, bucket, uploadID string) ([]PartRecord, error) {
	items, err := s.queryPartition(ctx, pkUpload(bucket, uploadID), "PART#")
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	parts := make([]PartRecord, 0, len(items))
	for _, item := range items {
		parts = append(parts, *itemToPart(item))
	}
	sortParts(parts)
	return parts, nil
}

// queryPartition returns every item under pk, optionally restricted to sort
// keys starting with skPrefix.
func (s *DynamoDBStore) queryPartition(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	cond := "pk = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: pk},
	}
	if skPrefix != "" {
		cond += " AND begins_with(sk, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: skPrefix}
	}

	var items []map[string]types.AttributeValue
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         exclusiveStartKey,
			ConsistentRead:            aws.Bool(true),
		})
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		if resp.LastEvaluatedKey == nil {
			return items, nil
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) ListUploads(ctx context.Context, bucket string) ([]UploadRecord, error) {
	filter := "sk = :meta AND #t = :type"
	values := map[string]types.AttributeValue{
		":meta": &types.AttributeValueMemberS{Value: skMetadata()},
		":type": &types.AttributeValueMemberS{Value: "upload"},
	}
	if bucket != "" {
		filter += " AND bucket = :bucket"
		values[":bucket"] = &types.AttributeValueMemberS{Value: bucket}
	}

	var uploads []UploadRecord
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeNames:  map[string]string{"#t": "type"},
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         exclusiveStartKey,
		})
		if err != nil {
			return nil, fmt.Errorf("listing uploads: %w", err)
		}
		for _, item := range resp.Items {
			uploads = append(uploads, *itemToUpload(item))
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	sortUploads(uploads)
	return uploads, nil
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error { return nil }

func itemToUpload(item map[string]types.AttributeValue) *UploadRecord {
	return &UploadRecord{
		Bucket:      getString(item, "bucket"),
		UploadID:    getString(item, "upload_id"),
		Key:         getString(item, "key"),
		ContentType: getString(item, "content_type"),
		InitiatedAt: parseTime(getString(item, "initiated_at")),
	}
}

func itemToPart(item map[string]types.AttributeValue) *PartRecord {
	return &PartRecord{
		Bucket:       getString(item, "bucket"),
		UploadID:     getString(item, "upload_id"),
		PartNumber:   int(getNInt(item, "part_number")),
		Size:         getNInt(item, "size"),
		ETag:         getString(item, "etag"),
		LastModified: parseTime(getString(item, "last_modified")),
	}
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(nv.Value, 10, 64)
			return n
		}
	}
	return 0
}

var _ UploadStore = (*DynamoDBStore)(nil)
