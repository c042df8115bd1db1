package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/serieslake-io/serieslake/internal/catalog"
	"github.com/serieslake-io/serieslake/internal/clock"
	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/consolidate"
	"github.com/serieslake-io/serieslake/internal/fetch"
	"github.com/serieslake-io/serieslake/internal/lease"
	"github.com/serieslake-io/serieslake/internal/notify"
	"github.com/serieslake-io/serieslake/internal/obstore"
	"github.com/serieslake-io/serieslake/internal/pipeline"
	"github.com/serieslake-io/serieslake/internal/plugin"
	"github.com/serieslake-io/serieslake/internal/server"
)

// engine holds the long-lived collaborators shared by every command and by
// every run of a serve process. Pipelines themselves are assembled per run
// so each dataset gets its own notification fan-out.
type engine struct {
	log          *slog.Logger
	app          *config.App
	cat          *catalog.Catalog
	fetcher      *fetch.Client
	plugins      *plugin.Registry
	consolidator *consolidate.Consolidator
	locker       lease.Locker
	clock        clock.Clock
	kafka        *notify.Kafka

	mu  sync.Mutex
	sns map[string]*notify.SNS // keyed by topic ARN
}

var _ server.Runner = (*engine)(nil)

func newEngine(ctx context.Context, log *slog.Logger, app *config.App) (*engine, error) {
	store, err := obstore.NewS3(ctx, obstore.S3Config{
		Logger:          log,
		Bucket:          app.DataBucket,
		Region:          app.AWSRegion,
		Endpoint:        app.S3Endpoint,
		AccessKeyID:     app.AccessKeyID,
		SecretAccessKey: app.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	cat, err := catalog.New(catalog.Config{
		Logger: log,
		Store:  store,
		Paths:  catalog.NewPaths(app.Prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	fetcher, err := fetch.New(fetch.Config{
		Logger:  log,
		Timeout: app.FetchTimeout,
		CAFile:  app.CACertFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch client: %w", err)
	}

	clk := clock.New(nil)

	consolidator, err := consolidate.New(consolidate.Config{
		Logger:  log,
		Catalog: cat,
		Clock:   clk,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consolidator: %w", err)
	}

	var locker lease.Locker
	if app.LockTable != "" {
		locker, err = lease.NewDynamo(ctx, lease.DynamoConfig{
			Logger:          log,
			Table:           app.LockTable,
			Region:          app.AWSRegion,
			AccessKeyID:     app.AccessKeyID,
			SecretAccessKey: app.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create lease locker: %w", err)
		}
	}

	var kafka *notify.Kafka
	if len(app.KafkaBrokers) > 0 {
		kafka, err = notify.NewKafka(notify.KafkaConfig{
			Logger:  log,
			Brokers: app.KafkaBrokers,
			Topic:   app.KafkaTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka bus: %w", err)
		}
		if err := kafka.EnsureTopic(ctx, app.KafkaPartitions, app.KafkaReplication); err != nil {
			return nil, fmt.Errorf("failed to ensure kafka topic: %w", err)
		}
	}

	return &engine{
		log:          log,
		app:          app,
		cat:          cat,
		fetcher:      fetcher,
		plugins:      plugin.NewRegistry(log),
		consolidator: consolidator,
		locker:       locker,
		clock:        clk,
		kafka:        kafka,
		sns:          map[string]*notify.SNS{},
	}, nil
}

func (e *engine) Close() {
	if e.kafka != nil {
		e.kafka.Close()
	}
}

// Datasets loads the dataset registry from disk and checks that every
// declared format has a parser.
func (e *engine) Datasets() (*config.Registry, error) {
	reg, err := config.LoadRegistry(e.app.DatasetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset registry: %w", err)
	}
	if err := e.plugins.CheckDatasets(reg); err != nil {
		return nil, fmt.Errorf("failed to check dataset registry: %w", err)
	}
	return reg, nil
}

// Run executes one pipeline run for the dataset.
func (e *engine) Run(ctx context.Context, ds *config.Dataset, opts pipeline.RunOptions) (*pipeline.RunRecord, error) {
	buses, err := e.busesFor(ctx, ds)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Config{
		Logger:       e.log,
		Catalog:      e.cat,
		Fetcher:      e.fetcher,
		Plugins:      e.plugins,
		Consolidator: e.consolidator,
		Locker:       e.locker,
		Buses:        buses,
		Clock:        e.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return pipe.Run(ctx, ds, opts)
}

// busesFor resolves the notification fan-out for one dataset. A dataset may
// override the SNS topic; otherwise the process-wide topic applies. The
// Kafka bus, when configured, always receives the event.
func (e *engine) busesFor(ctx context.Context, ds *config.Dataset) ([]notify.Bus, error) {
	topicARN := e.app.SNSTopicARN
	if ds.Notify != nil && ds.Notify.SNSTopicARN != "" {
		topicARN = ds.Notify.SNSTopicARN
	}

	var buses []notify.Bus
	if topicARN != "" {
		bus, err := e.snsBus(ctx, topicARN)
		if err != nil {
			return nil, err
		}
		buses = append(buses, bus)
	}
	if e.kafka != nil {
		buses = append(buses, e.kafka)
	}
	return buses, nil
}

func (e *engine) snsBus(ctx context.Context, topicARN string) (*notify.SNS, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bus, ok := e.sns[topicARN]; ok {
		return bus, nil
	}
	bus, err := notify.NewSNS(ctx, notify.SNSConfig{
		Logger:          e.log,
		TopicARN:        topicARN,
		Region:          e.app.AWSRegion,
		AccessKeyID:     e.app.AccessKeyID,
		SecretAccessKey: e.app.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sns bus for %q: %w", topicARN, err)
	}
	e.sns[topicARN] = bus
	return bus, nil
}
