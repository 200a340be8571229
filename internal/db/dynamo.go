package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"c2cpipeline/internal/types"
)

// DynamoAPI is the subset of the DynamoDB client the schedule store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ScheduleStore reads and writes the schedule table. The table is keyed by
// file_type (partition) and load_date (sort). Each file type's query and
// export configuration lives in the same table under a sentinel load_date.
type ScheduleStore struct {
	client        DynamoAPI
	table         string
	configSortKey string
}

// NewScheduleStore returns a store for table. An empty configSortKey falls
// back to types.ConfigSortKey.
func NewScheduleStore(client DynamoAPI, table, configSortKey string) *ScheduleStore {
	if configSortKey == "" {
		configSortKey = types.ConfigSortKey
	}
	return &ScheduleStore{client: client, table: table, configSortKey: configSortKey}
}

func itemKey(fileType, loadDate string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"file_type": &ddbtypes.AttributeValueMemberS{Value: fileType},
		"load_date": &ddbtypes.AttributeValueMemberS{Value: loadDate},
	}
}

// Get returns the schedule record for (fileType, loadDate), or nil when it
// does not exist. Reads are strongly consistent so a stage always sees the
// previous stage's write.
func (s *ScheduleStore) Get(ctx context.Context, fileType, loadDate string) (*types.ScheduleRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(fileType, loadDate),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to get schedule record", err)
	}
	if resp.Item == nil {
		return nil, nil
	}

	rec := &types.ScheduleRecord{}
	if err := attributevalue.UnmarshalMap(resp.Item, rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to decode schedule record", err)
	}
	return rec, nil
}

// QueryByFlag returns every record of fileType with the given processing
// flag. Configuration items carry no processing_flag and never match.
func (s *ScheduleStore) QueryByFlag(ctx context.Context, fileType string, flag types.ProcessingFlag) ([]types.ScheduleRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("file_type = :f"),
		FilterExpression:       aws.String("processing_flag = :pf"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":f":  &ddbtypes.AttributeValueMemberS{Value: fileType},
			":pf": &ddbtypes.AttributeValueMemberS{Value: string(flag)},
		},
		ConsistentRead: aws.Bool(true),
	}

	var out []types.ScheduleRecord
	for {
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to query schedule records", err)
		}

		page := make([]types.ScheduleRecord, 0, len(resp.Items))
		if err := attributevalue.UnmarshalListOfMaps(resp.Items, &page); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to decode schedule records", err)
		}
		out = append(out, page...)

		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// Create writes a new record, failing with ErrCodeConflictConcurrent if one
// already exists under the same key.
func (s *ScheduleStore) Create(ctx context.Context, rec *types.ScheduleRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to encode schedule record", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(file_type) AND attribute_not_exists(load_date)"),
	})
	if err != nil {
		return mapWriteError(err, "schedule record already exists")
	}
	return nil
}

// UpdateState writes slots, processing flag, frequency and phase in one
// conditional update. The condition requires the stored version to equal
// expectedVersion (records written before versioning count as version 0)
// and the record to still be Active. On success rec.Version is bumped.
func (s *ScheduleStore) UpdateState(ctx context.Context, rec *types.ScheduleRecord, expectedVersion int64) error {
	slots, err := attributevalue.Marshal(rec.Slots)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to encode slots", err)
	}

	versionCond := "#v = :expected"
	values := map[string]ddbtypes.AttributeValue{
		":slots":    slots,
		":pf":       &ddbtypes.AttributeValueMemberS{Value: string(rec.ProcessingFlag)},
		":freq":     &ddbtypes.AttributeValueMemberS{Value: string(rec.EffectiveFrequency())},
		":phase":    &ddbtypes.AttributeValueMemberS{Value: string(rec.Phase)},
		":phase_at": &ddbtypes.AttributeValueMemberS{Value: rec.PhaseUpdatedAt},
		":next":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
		":active":   &ddbtypes.AttributeValueMemberS{Value: string(types.ProcessingActive)},
	}
	if expectedVersion == 0 {
		versionCond = "(attribute_not_exists(#v) OR #v = :expected)"
	}
	values[":expected"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(rec.FileType, rec.LoadDate),
		UpdateExpression:    aws.String("SET #slots = :slots, #pf = :pf, #freq = :freq, #phase = :phase, #phase_at = :phase_at, #v = :next"),
		ConditionExpression: aws.String(fmt.Sprintf("%s AND #pf = :active", versionCond)),
		ExpressionAttributeNames: map[string]string{
			"#slots":    "schd_day",
			"#pf":       "processing_flag",
			"#freq":     "frequency",
			"#phase":    "phase",
			"#phase_at": "phase_updated_at",
			"#v":        "version",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return mapWriteError(err, "schedule record was modified concurrently")
	}

	rec.Version = expectedVersion + 1
	return nil
}

// GetFileTypeConfig loads the query and export settings for fileType. A
// missing item is a ConfigurationError.
func (s *ScheduleStore) GetFileTypeConfig(ctx context.Context, fileType string) (*types.FileTypeConfig, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(fileType, s.configSortKey),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to get file type config", err)
	}
	if resp.Item == nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConfigMissing, "file type config not found", nil,
			map[string]any{"file_type": fileType, "load_date": s.configSortKey})
	}

	cfg := &types.FileTypeConfig{}
	if err := attributevalue.UnmarshalMap(resp.Item, cfg); err != nil {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "failed to decode file type config", err)
	}
	return cfg, nil
}

// PutFileTypeConfig stores cfg under the sentinel sort key, replacing any
// previous configuration.
func (s *ScheduleStore) PutFileTypeConfig(ctx context.Context, cfg *types.FileTypeConfig) error {
	c := *cfg
	c.LoadDate = s.configSortKey

	item, err := attributevalue.MarshalMap(&c)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to encode file type config", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to put file type config", err)
	}
	return nil
}

// FileTypeConfigItem renders cfg as the item PutFileTypeConfig would write.
func (s *ScheduleStore) FileTypeConfigItem(cfg *types.FileTypeConfig) (map[string]ddbtypes.AttributeValue, error) {
	c := *cfg
	c.LoadDate = s.configSortKey
	return attributevalue.MarshalMap(&c)
}

func mapWriteError(err error, conflictMsg string) error {
	var ccf *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return types.NewAppError(types.ErrCodeConflictConcurrent, conflictMsg, err)
	}
	return types.NewAppError(types.ErrCodeInternalStore, "schedule table write failed", err)
}
