package dynamolock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/gcoord"
)

// fakeAPI answers every call with err and records the inputs it saw.
type fakeAPI struct {
	err  error
	item map[string]types.AttributeValue
	puts []*dynamodb.PutItemInput
	dels []*dynamodb.DeleteItemInput
	upds []*dynamodb.UpdateItemInput
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.upds = append(f.upds, in)
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.dels = append(f.dels, in)
	return &dynamodb.DeleteItemOutput{Attributes: f.item}, f.err
}

func (f *fakeAPI) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, f.err
}

var epoch = time.UnixMilli(1_700_000_000_000)

func newTestLock(api API) *DynamoDBLock {
	return New(api, gcoord.WithClock(gcoord.NewManualClock(epoch)), gcoord.WithTable("locks"))
}

func TestAcquireWritesOwnerAndExpiry(t *testing.T) {
	api := &fakeAPI{}
	d := newTestLock(api)

	ok, err := d.Acquire(context.Background(), "order:42", "alice", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, api.puts, 1)
	in := api.puts[0]
	assert.Equal(t, "locks", aws.ToString(in.TableName))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "alice"}, in.Item[gcoord.DefaultOwnerField])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1700000030000"}, in.Item[expiresAtMs])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1700000030"}, in.Item[gcoord.DefaultTTLField])
	assert.Len(t, in.ExpressionAttributeNames, 3)
}

func TestAcquireWithoutLeaseOmitsExpiry(t *testing.T) {
	api := &fakeAPI{}
	_, err := newTestLock(api).Acquire(context.Background(), "k", "alice", 0)
	require.NoError(t, err)

	assert.NotContains(t, api.puts[0].Item, expiresAtMs)
	assert.NotContains(t, api.puts[0].Item, gcoord.DefaultTTLField)
}

func TestConditionFailureIsAMiss(t *testing.T) {
	api := &fakeAPI{err: &types.ConditionalCheckFailedException{Message: aws.String("held")}}
	d := newTestLock(api)
	ctx := context.Background()

	ok, err := d.Acquire(ctx, "k", "bob", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Renew(ctx, "k", "bob", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Release(ctx, "k", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	d := newTestLock(&fakeAPI{err: errors.New("request timeout")})
	ctx := context.Background()

	_, err := d.Acquire(ctx, "k", "alice", time.Second)
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)

	_, err = d.TTL(ctx, "k")
	assert.ErrorIs(t, err, gcoord.ErrBackendUnavailable)
}

func TestRenewWithoutLeaseRemovesExpiry(t *testing.T) {
	api := &fakeAPI{}
	ok, err := newTestLock(api).Renew(context.Background(), "k", "alice", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "REMOVE #e, #t", aws.ToString(api.upds[0].UpdateExpression))
}

func TestForceRelease(t *testing.T) {
	api := &fakeAPI{}
	d := newTestLock(api)

	ok, err := d.ForceRelease(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)

	api.item = map[string]types.AttributeValue{gcoord.DefaultLockField: &types.AttributeValueMemberS{Value: "k"}}
	ok, err = d.ForceRelease(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ReturnValueAllOld, api.dels[1].ReturnValues)
}

func TestRemaining(t *testing.T) {
	ttl, err := remaining(nil, epoch)
	require.NoError(t, err)
	assert.Equal(t, gcoord.TTLAbsent, ttl)

	ttl, err = remaining(map[string]types.AttributeValue{"lock_id": &types.AttributeValueMemberS{Value: "k"}}, epoch)
	require.NoError(t, err)
	assert.Equal(t, gcoord.TTLNoExpiry, ttl)

	ttl, err = remaining(map[string]types.AttributeValue{expiresAtMs: number(epoch.UnixMilli() + 2500)}, epoch)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, ttl)

	ttl, err = remaining(map[string]types.AttributeValue{expiresAtMs: number(epoch.UnixMilli() - 1)}, epoch)
	require.NoError(t, err)
	assert.Equal(t, gcoord.TTLAbsent, ttl)
}
