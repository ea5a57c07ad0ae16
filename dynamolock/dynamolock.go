package dynamolock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/companyinfo/gcoord"
)

// expiresAtMs carries the lease with millisecond precision. The configured
// TTL field holds epoch seconds so DynamoDB TTL can purge lapsed locks.
const expiresAtMs = "expires_at_ms"

// API is the part of the DynamoDB client the lock uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDBLock is an implementation of gcoord.Backend using DynamoDB
// conditional writes. An item without expiry attributes never lapses.
type DynamoDBLock struct {
	client     API
	table      string
	lockField  string
	ttlField   string
	ownerField string
	clock      gcoord.Clock
	tel        *gcoord.Telemetry
}

var _ gcoord.Backend = (*DynamoDBLock)(nil)

// New creates a new DynamoDBLock instance. client is usually a *dynamodb.Client.
func New(client API, opts ...gcoord.OptionFunc) *DynamoDBLock {
	cfg := gcoord.NewConfig(opts...)

	return &DynamoDBLock{
		client:     client,
		table:      cfg.Table,
		lockField:  cfg.LockField,
		ttlField:   cfg.TTLField,
		ownerField: cfg.OwnerField,
		clock:      cfg.Clock,
		tel:        gcoord.NewTelemetry(cfg),
	}
}

// Name implements gcoord.Backend.
func (d *DynamoDBLock) Name() string {
	return gcoord.BackendDynamoDB
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (d *DynamoDBLock) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{d.lockField: &types.AttributeValueMemberS{Value: key}}
}

// names resolves the attribute placeholders an expression uses. DynamoDB
// rejects placeholders an expression does not reference.
func (d *DynamoDBLock) names(placeholders ...string) map[string]string {
	all := map[string]string{"#k": d.lockField, "#o": d.ownerField, "#e": expiresAtMs, "#t": d.ttlField}
	out := make(map[string]string, len(placeholders))
	for _, p := range placeholders {
		out[p] = all[p]
	}

	return out
}

// heldCondition holds while :owner owns a lease that has not run out.
const heldCondition = "#o = :owner AND (attribute_not_exists(#e) OR #e > :now)"

func (d *DynamoDBLock) acquireInput(key, owner string, now time.Time, lease time.Duration) *dynamodb.PutItemInput {
	item := d.itemKey(key)
	item[d.ownerField] = &types.AttributeValueMemberS{Value: owner}
	if lease > 0 {
		expires := now.Add(lease)
		item[expiresAtMs] = number(expires.UnixMilli())
		item[d.ttlField] = number(expires.Add(time.Second - 1).Unix())
	}

	return &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k) OR #o = :owner OR #e <= :now"),
		ExpressionAttributeNames: d.names("#k", "#o", "#e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":now":   number(now.UnixMilli()),
		},
	}
}

func (d *DynamoDBLock) renewInput(key, owner string, now time.Time, lease time.Duration) *dynamodb.UpdateItemInput {
	values := map[string]types.AttributeValue{
		":owner": &types.AttributeValueMemberS{Value: owner},
		":now":   number(now.UnixMilli()),
	}

	update := "REMOVE #e, #t"
	if lease > 0 {
		expires := now.Add(lease)
		update = "SET #e = :exp, #t = :ttl"
		values[":exp"] = number(expires.UnixMilli())
		values[":ttl"] = number(expires.Add(time.Second - 1).Unix())
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       d.itemKey(key),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(heldCondition),
		ExpressionAttributeNames:  d.names("#o", "#e", "#t"),
		ExpressionAttributeValues: values,
	}
}

// conditionFailed reports whether err is a failed condition, meaning the
// lock is held by someone else rather than the store being unreachable.
func conditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

// Acquire attempts to acquire key for owner with a conditional put.
func (d *DynamoDBLock) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := d.tel.RecordStart(ctx, gcoord.BackendDynamoDB, gcoord.ActionAcquire, key)
	defer span.End()

	if _, err := d.client.PutItem(ctx, d.acquireInput(key, owner, d.clock.Now(), lease)); err != nil {
		if conditionFailed(err) {
			d.tel.RecordMiss(ctx, span, gcoord.BackendDynamoDB, gcoord.ActionAcquire, key)
			return false, nil
		}

		return false, gcoord.Unavailable(d.tel.HandleError(ctx, span, err, gcoord.BackendDynamoDB,
			gcoord.ActionAcquire, "failed to acquire lock", key))
	}

	d.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendDynamoDB, gcoord.ActionAcquiredSuccessfully, key)

	return true, nil
}

// Renew extends the lease of key while owner holds it.
func (d *DynamoDBLock) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	startTime := time.Now()
	ctx, span := d.tel.RecordStart(ctx, gcoord.BackendDynamoDB, gcoord.ActionRenew, key)
	defer span.End()

	if _, err := d.client.UpdateItem(ctx, d.renewInput(key, owner, d.clock.Now(), lease)); err != nil {
		if conditionFailed(err) {
			d.tel.RecordMiss(ctx, span, gcoord.BackendDynamoDB, gcoord.ActionRenew, key)
			return false, nil
		}

		return false, gcoord.Unavailable(d.tel.HandleError(ctx, span, err, gcoord.BackendDynamoDB,
			gcoord.ActionRenew, "failed to renew lock", key))
	}

	d.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendDynamoDB, gcoord.ActionRenewedSuccessfully, key)

	return true, nil
}

// Release deletes key if owner holds it.
func (d *DynamoDBLock) Release(ctx context.Context, key, owner string) (bool, error) {
	startTime := time.Now()
	ctx, span := d.tel.RecordStart(ctx, gcoord.BackendDynamoDB, gcoord.ActionRelease, key)
	defer span.End()

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.itemKey(key),
		ConditionExpression:      aws.String(heldCondition),
		ExpressionAttributeNames: d.names("#o", "#e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":now":   number(d.clock.Now().UnixMilli()),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			d.tel.RecordMiss(ctx, span, gcoord.BackendDynamoDB, gcoord.ActionRelease, key)
			return false, nil
		}

		return false, gcoord.Unavailable(d.tel.HandleError(ctx, span, err, gcoord.BackendDynamoDB,
			gcoord.ActionRelease, "failed to release lock", key))
	}

	d.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendDynamoDB, gcoord.ActionReleasedSuccessfully, key)

	return true, nil
}

// ForceRelease deletes key whoever holds it.
func (d *DynamoDBLock) ForceRelease(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	ctx, span := d.tel.RecordStart(ctx, gcoord.BackendDynamoDB, gcoord.ActionForceRelease, key)
	defer span.End()

	out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.table),
		Key:          d.itemKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, gcoord.Unavailable(d.tel.HandleError(ctx, span, err, gcoord.BackendDynamoDB,
			gcoord.ActionForceRelease, "failed to force release lock", key))
	}

	if len(out.Attributes) == 0 {
		d.tel.RecordMiss(ctx, span, gcoord.BackendDynamoDB, gcoord.ActionForceRelease, key)
		return false, nil
	}

	d.tel.RecordSuccess(ctx, span, startTime, gcoord.BackendDynamoDB, gcoord.ActionForceRelease, key)

	return true, nil
}

// TTL reports the lease left on key using a strongly consistent read.
func (d *DynamoDBLock) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := d.tel.RecordStart(ctx, gcoord.BackendDynamoDB, gcoord.ActionTTL, key)
	defer span.End()

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, gcoord.Unavailable(d.tel.HandleError(ctx, span, err, gcoord.BackendDynamoDB,
			gcoord.ActionTTL, "failed to get lock", key))
	}

	return remaining(out.Item, d.clock.Now())
}

func remaining(item map[string]types.AttributeValue, now time.Time) (time.Duration, error) {
	if len(item) == 0 {
		return gcoord.TTLAbsent, nil
	}

	v, ok := item[expiresAtMs].(*types.AttributeValueMemberN)
	if !ok {
		return gcoord.TTLNoExpiry, nil
	}

	ms, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, err
	}

	left := time.UnixMilli(ms).Sub(now)
	if left <= 0 {
		return gcoord.TTLAbsent, nil
	}

	return left, nil
}
