//go:build !integration

package dynamostore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		client      API
		config      Config
		expectedErr error
	}{
		{
			name:        "nil client returns error",
			client:      nil,
			config:      Config{Table: "academy-cache"},
			expectedErr: ErrValidation,
		},
		{
			name:        "empty table returns error",
			client:      &dynamodb.Client{},
			config:      Config{},
			expectedErr: ErrValidation,
		},
		{
			name:   "valid config",
			client: &dynamodb.Client{},
			config: Config{Table: "academy-cache"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.config.Table, s.table)
		})
	}
}

// failingAPI fails every call so error paths can be checked without DynamoDB.
type failingAPI struct {
	API
	err error
}

func (f failingAPI) UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return nil, f.err
}

func (f failingAPI) DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return nil, f.err
}

func TestStorage_ReservedName(t *testing.T) {
	s, err := New(&dynamodb.Client{}, Config{Table: "academy-cache"})
	require.NoError(t, err)

	_, err = s.Open(context.Background(), registryPartition)
	assert.ErrorIs(t, err, ErrReservedName)

	_, err = s.Drop(context.Background(), registryPartition)
	assert.ErrorIs(t, err, ErrReservedName)
}

func TestStorage_OpenError(t *testing.T) {
	boom := &types.ProvisionedThroughputExceededException{Message: new(string)}
	s, err := New(failingAPI{err: boom}, Config{Table: "academy-cache"})
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "himmam-offline-v1")
	require.Error(t, err)

	var throughput *types.ProvisionedThroughputExceededException
	assert.True(t, errors.As(err, &throughput))
}

func TestItemKey(t *testing.T) {
	key := itemKey("himmam-offline-v1", "lesson-L1")

	store, ok := key[attrStore].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "himmam-offline-v1", store.Value)

	rk, ok := key[attrKey].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "lesson-L1", rk.Value)
}
