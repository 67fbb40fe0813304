// Package statssink provides step.StatsSink implementations: the default
// Noop, and a Mongo-backed sink that appends a summarized step record to a
// collection for operators who want queryable historical batch telemetry.
// This is observability data about completed steps, never request/stream
// state.
package statssink

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/aphrodite-engine/asyncserve/telemetry"
)

// Noop discards every step record. (A step.Scheduler built without a sink
// uses its own private no-op sink, not this type.)
type Noop struct{}

// RecordStep implements step.StatsSink.
func (Noop) RecordStep(context.Context, telemetry.StepTelemetry) {}

// Mongo appends one document per completed step to a MongoDB collection.
type Mongo struct {
	coll    collection
	timeout time.Duration
}

// Options configures a Mongo sink.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

const (
	defaultCollection = "engine_step_stats"
	defaultTimeout    = 5 * time.Second
)

// New returns a Mongo sink backed by opts.Client. opts.Client and
// opts.Database are required.
func New(opts Options) (*Mongo, error) {
	if opts.Client == nil {
		return nil, errors.New("statssink: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("statssink: database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Mongo{
		coll:    mongoCollection{coll: opts.Client.Database(opts.Database).Collection(coll)},
		timeout: timeout,
	}, nil
}

type stepDocument struct {
	VirtualEngine int       `bson:"virtual_engine"`
	BatchSize     int       `bson:"batch_size"`
	DurationMs    int64     `bson:"duration_ms"`
	NumOutputs    int       `bson:"num_outputs"`
	RecordedAt    time.Time `bson:"recorded_at"`
}

// RecordStep implements step.StatsSink. An insert error is discarded and
// never reported or logged; the method never blocks the step on a slow
// insert beyond its configured timeout.
func (m *Mongo) RecordStep(ctx context.Context, stats telemetry.StepTelemetry) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc := stepDocument{
		VirtualEngine: stats.VirtualEngine,
		BatchSize:     stats.BatchSize,
		DurationMs:    stats.DurationMs,
		NumOutputs:    stats.NumOutputs,
		RecordedAt:    time.Now().UTC(),
	}
	_, _ = m.coll.InsertOne(ctx, doc)
}

// collection is the narrow subset of *mongo.Collection this sink needs,
// kept as an interface so tests can substitute a fake without a live
// MongoDB instance.
type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}
