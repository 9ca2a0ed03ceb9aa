// Package dynamostore implements cache.Storage on Amazon DynamoDB.
//
// All stores share one table. The partition key is the store name and the
// sort key is the request key; store names themselves are registered as
// items in a reserved partition.
package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
)

const (
	backend = "dynamodb"

	attrStore = "store"
	attrKey   = "request_key"

	// registryPartition holds one item per store name.
	registryPartition = "#stores"

	// batchWriteLimit is DynamoDB's maximum number of requests per BatchWriteItem.
	batchWriteLimit = 25
)

var (
	// ErrValidation is returned for invalid constructor arguments
	ErrValidation = errors.New("invalid dynamodb storage configuration")

	// ErrReservedName is returned when a caller opens the registry partition
	ErrReservedName = errors.New("store name is reserved")
)

// API is the subset of the DynamoDB client used by the storage.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Config defines the configuration options for the DynamoDB storage.
type Config struct {
	// Table is the DynamoDB table holding every store
	Table string
}

// Storage implements cache.Storage using DynamoDB.
type Storage struct {
	client API
	table  string
	now    func() time.Time
}

type entryItem struct {
	Store      string `dynamodbav:"store"`
	Key        string `dynamodbav:"request_key"`
	StatusCode int    `dynamodbav:"status_code"`
	StatusText string `dynamodbav:"status_text"`
	Headers    string `dynamodbav:"headers"`
	Body       []byte `dynamodbav:"body"`
	CachedAt   int64  `dynamodbav:"cached_at"`
	InsertedAt int64  `dynamodbav:"inserted_at"`
}

type registryItem struct {
	Store     string `dynamodbav:"store"`
	Name      string `dynamodbav:"request_key"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

// New creates a DynamoDB storage. The table must already exist; see
// EnsureTable.
func New(client API, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrValidation)
	}
	if config.Table == "" {
		return nil, fmt.Errorf("%w: empty table name", ErrValidation)
	}
	return &Storage{
		client: client,
		table:  config.Table,
		now:    time.Now,
	}, nil
}

// EnsureTable creates the table with on-demand billing if it is missing.
func EnsureTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table: %w", err)
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrStore), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrStore), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute)
}

func itemKey(store, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrStore: &types.AttributeValueMemberS{Value: store},
		attrKey:   &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Storage) register(ctx context.Context, name string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              itemKey(registryPartition, name),
		UpdateExpression: aws.String("SET #ca = if_not_exists(#ca, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#ca": "created_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().UnixNano(), 10)},
		},
	})
	return err
}

// Open returns the named store, creating it if missing.
func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	if name == registryPartition {
		return nil, ErrReservedName
	}
	if err := s.register(ctx, name); err != nil {
		cache.CacheErrors.WithLabelValues(backend, "open").Inc()
		return nil, fmt.Errorf("register store: %w", err)
	}
	return &store{storage: s, name: name}, nil
}

// query collects every item of one partition.
func (s *Storage) query(ctx context.Context, partition string) ([]map[string]types.AttributeValue, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrStore,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partition},
		},
		ConsistentRead: aws.Bool(true),
	})

	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// Names lists stores in creation order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	items, err := s.query(ctx, registryPartition)
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "names").Inc()
		return nil, fmt.Errorf("query stores: %w", err)
	}

	var regs []registryItem
	if err := attributevalue.UnmarshalListOfMaps(items, &regs); err != nil {
		return nil, fmt.Errorf("unmarshal stores: %w", err)
	}
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].CreatedAt < regs[j].CreatedAt })

	names := make([]string, 0, len(regs))
	for _, r := range regs {
		names = append(names, r.Name)
	}
	return names, nil
}

// Drop deletes the registry item and every entry of the store. Entries are
// removed in batches, so a concurrent reader may observe a partially
// dropped store.
func (s *Storage) Drop(ctx context.Context, name string) (bool, error) {
	if name == registryPartition {
		return false, ErrReservedName
	}

	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          itemKey(registryPartition, name),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "drop").Inc()
		return false, fmt.Errorf("delete store: %w", err)
	}

	keys, err := (&store{storage: s, name: name}).Keys(ctx)
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "drop").Inc()
		return false, err
	}
	if err := s.batchDelete(ctx, name, keys); err != nil {
		cache.CacheErrors.WithLabelValues(backend, "drop").Inc()
		return false, err
	}

	if len(out.Attributes) == 0 {
		return false, nil
	}
	cache.StoresDropped.WithLabelValues(backend).Inc()
	return true, nil
}

func (s *Storage) batchDelete(ctx context.Context, name string, keys []string) error {
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(name, k)},
			})
		}

		pending := map[string][]types.WriteRequest{s.table: requests}
		for len(pending) > 0 {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("batch delete: %w", err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

type store struct {
	storage *Storage
	name    string
}

func (st *store) Name() string { return st.name }

// Match retrieves an entry by key.
// Returns cache.ErrCacheMiss if the item doesn't exist.
func (st *store) Match(ctx context.Context, key string) (*cache.Entry, error) {
	s := st.storage
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(st.name, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "match").Inc()
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out.Item == nil {
		cache.CacheMisses.WithLabelValues(backend).Inc()
		return nil, cache.ErrCacheMiss
	}

	var item entryItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		cache.CacheErrors.WithLabelValues(backend, "match").Inc()
		return nil, fmt.Errorf("%w: %v", cache.ErrInvalidEntry, err)
	}

	headers := http.Header{}
	if item.Headers != "" {
		if err := json.Unmarshal([]byte(item.Headers), &headers); err != nil {
			cache.CacheErrors.WithLabelValues(backend, "match").Inc()
			return nil, fmt.Errorf("%w: %v", cache.ErrInvalidEntry, err)
		}
	}

	cache.CacheHits.WithLabelValues(backend).Inc()
	return &cache.Entry{
		Body:       item.Body,
		StatusCode: item.StatusCode,
		StatusText: item.StatusText,
		Headers:    headers,
		CachedAt:   time.Unix(0, item.CachedAt).UTC(),
	}, nil
}

// Put writes the entry with one UpdateItem so the first insertion time
// survives overwrites.
func (st *store) Put(ctx context.Context, key string, entry *cache.Entry) error {
	if entry == nil {
		return cache.ErrInvalidEntry
	}
	s := st.storage

	if err := s.register(ctx, st.name); err != nil {
		cache.CacheErrors.WithLabelValues(backend, "put").Inc()
		return fmt.Errorf("register store: %w", err)
	}

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "put").Inc()
		return fmt.Errorf("marshal headers: %w", err)
	}

	values, err := attributevalue.MarshalMap(map[string]any{
		":sc":   entry.StatusCode,
		":st":   entry.StatusText,
		":hd":   string(headers),
		":body": entry.Body,
		":ca":   entry.CachedAt.UnixNano(),
		":now":  s.now().UnixNano(),
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "put").Inc()
		return fmt.Errorf("marshal entry: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(st.name, key),
		UpdateExpression: aws.String("SET #sc = :sc, #st = :st, #hd = :hd, #body = :body, " +
			"#ca = :ca, #ia = if_not_exists(#ia, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#sc":   "status_code",
			"#st":   "status_text",
			"#hd":   "headers",
			"#body": "body",
			"#ca":   "cached_at",
			"#ia":   "inserted_at",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "put").Inc()
		return fmt.Errorf("update item: %w", err)
	}

	cache.CacheWrites.WithLabelValues(backend).Inc()
	return nil
}

func (st *store) Delete(ctx context.Context, key string) (bool, error) {
	s := st.storage
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          itemKey(st.name, key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "delete").Inc()
		return false, fmt.Errorf("delete item: %w", err)
	}
	return len(out.Attributes) > 0, nil
}

// Keys lists keys in first-insertion order.
func (st *store) Keys(ctx context.Context) ([]string, error) {
	items, err := st.storage.query(ctx, st.name)
	if err != nil {
		cache.CacheErrors.WithLabelValues(backend, "keys").Inc()
		return nil, fmt.Errorf("query keys: %w", err)
	}

	var entries []entryItem
	if err := attributevalue.UnmarshalListOfMaps(items, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal keys: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].InsertedAt < entries[j].InsertedAt })

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}
