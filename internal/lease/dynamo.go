package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jonboulle/clockwork"
)

// leaseItem is the lock-table row. expires_at is epoch seconds so the
// condition expressions can compare it numerically.
type leaseItem struct {
	LockKey    string `dynamodbav:"lock_key"`
	OwnerID    string `dynamodbav:"owner_id"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
	AcquiredAt string `dynamodbav:"acquired_at"`
}

// dynamoAPI is the slice of the DynamoDB client the locker uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoConfig configures the DynamoDB-backed locker. The table's hash key
// must be the string attribute lock_key.
type DynamoConfig struct {
	Logger *slog.Logger

	Table  string
	Region string

	// Endpoint points at a DynamoDB-compatible service (localstack).
	Endpoint string

	// Static credentials. When empty the default AWS chain applies.
	AccessKeyID     string
	SecretAccessKey string

	// TTL is how long an acquired lease shuts out other owners.
	TTL time.Duration

	Clock clockwork.Clock
}

func (c *DynamoConfig) Validate() error {
	if c.Table == "" {
		return errors.New("table is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Dynamo implements Locker over a DynamoDB table. Expiry is an epoch-second
// attribute checked inside the condition expressions, so clock skew between
// writers shifts contention windows but never corrupts the lock.
type Dynamo struct {
	log    *slog.Logger
	client dynamoAPI
	table  string
	ttl    time.Duration
	clock  clockwork.Clock
}

var _ Locker = (*Dynamo)(nil)

// NewDynamo builds the locker, loading AWS configuration from the
// environment unless static credentials are given.
func NewDynamo(ctx context.Context, cfg DynamoConfig) (*Dynamo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Dynamo{
		log:    cfg.Logger,
		client: client,
		table:  cfg.Table,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
	}, nil
}

// NewDynamoWithClient wires an existing client, for tests and shared clients.
func NewDynamoWithClient(client dynamoAPI, table string, ttl time.Duration, clk clockwork.Clock, log *slog.Logger) *Dynamo {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Dynamo{log: log, client: client, table: table, ttl: ttl, clock: clk}
}

// Acquire writes the lease item unless an unexpired one exists.
func (d *Dynamo) Acquire(ctx context.Context, key, owner string) error {
	now := d.clock.Now()
	item, err := attributevalue.MarshalMap(leaseItem{
		LockKey:    key,
		OwnerID:    owner,
		ExpiresAt:  now.Add(d.ttl).Unix(),
		AcquiredAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lease item: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			d.log.Debug("lease held by another owner", "key", key)
			return fmt.Errorf("acquire %q: %w", key, ErrConditionFailed)
		}
		return fmt.Errorf("failed to acquire lease %q: %w", key, err)
	}

	d.log.Debug("lease acquired", "key", key, "owner", owner, "ttl_seconds", int64(d.ttl.Seconds()))
	return nil
}

// Release deletes the lease item if the caller still owns it.
func (d *Dynamo) Release(ctx context.Context, key, owner string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression: aws.String("owner_id = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			d.log.Warn("lease not owned at release", "key", key, "owner", owner)
			return fmt.Errorf("release %q: %w", key, ErrConditionFailed)
		}
		return fmt.Errorf("failed to release lease %q: %w", key, err)
	}

	d.log.Debug("lease released", "key", key, "owner", owner)
	return nil
}

// IsLocked reports whether an unexpired lease exists for key.
func (d *Dynamo) IsLocked(ctx context.Context, key string) (bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to read lease %q: %w", key, err)
	}
	if out.Item == nil {
		return false, nil
	}

	var item leaseItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return false, fmt.Errorf("failed to unmarshal lease item for %q: %w", key, err)
	}
	return item.ExpiresAt > d.clock.Now().Unix(), nil
}
