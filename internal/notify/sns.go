package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// snsAPI is the slice of the SNS client the bus uses.
type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures the SNS bus.
type SNSConfig struct {
	Logger *slog.Logger

	TopicARN string
	Region   string

	// Endpoint points at an SNS-compatible service (localstack).
	Endpoint string

	// Static credentials. When empty the default AWS chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

func (c *SNSConfig) Validate() error {
	if c.TopicARN == "" {
		return errors.New("topic arn is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return nil
}

// SNS publishes events to one topic. FIFO topics (arn suffix ".fifo") get
// a message group per dataset and a deduplication id derived from the
// manifest pointer.
type SNS struct {
	log    *slog.Logger
	client snsAPI
	topic  string
	fifo   bool
}

var _ Bus = (*SNS)(nil)

// NewSNS builds the bus, loading AWS configuration from the environment
// unless static credentials are given.
func NewSNS(ctx context.Context, cfg SNSConfig) (*SNS, error) {
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

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSNSWithClient(client, cfg.TopicARN, cfg.Logger), nil
}

// NewSNSWithClient wires an existing client, for tests and shared clients.
func NewSNSWithClient(client snsAPI, topicARN string, log *slog.Logger) *SNS {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &SNS{
		log:    log,
		client: client,
		topic:  topicARN,
		fifo:   strings.HasSuffix(topicARN, ".fifo"),
	}
}

func (s *SNS) Name() string { return "sns" }

func (s *SNS) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	in := &sns.PublishInput{
		TopicArn: aws.String(s.topic),
		Subject:  aws.String(ev.Type),
		Message:  aws.String(string(body)),
	}
	if s.fifo {
		dedup := sha256.Sum256([]byte(ev.ManifestPointer))
		in.MessageGroupId = aws.String(ev.DatasetID)
		in.MessageDeduplicationId = aws.String(hex.EncodeToString(dedup[:]))
	}

	out, err := s.client.Publish(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to publish to sns topic %q: %w", s.topic, err)
	}
	s.log.Debug("published event", "transport", s.Name(), "dataset", ev.DatasetID, "message_id", aws.ToString(out.MessageId))
	return nil
}
