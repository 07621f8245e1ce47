// Package mongo hosts the MongoDB client used by the workflow store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/workflow"
)

const (
	defaultCollection  = "hensu_workflows"
	defaultOpTimeout   = 5 * time.Second
	workflowClientName = "workflow-mongo"
)

// Client exposes Mongo-backed operations for registered workflow documents.
type Client interface {
	health.Pinger

	SaveWorkflow(ctx context.Context, tenantID string, w *workflow.Workflow) error
	LoadWorkflow(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error)
	DeleteWorkflow(ctx context.Context, tenantID, workflowID string) error
}

// Options configures the Mongo workflow client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	workflows collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: coll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return workflowClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// SaveWorkflow upserts the workflow document keyed by (tenant_id,
// workflow_id). The definition is stored as the workflow's JSON wire form so
// node polymorphism survives the round trip.
func (c *client) SaveWorkflow(ctx context.Context, tenantID string, w *workflow.Workflow) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	if w == nil || w.ID == "" {
		return errors.New("workflow with id is required")
	}
	definition, err := json.Marshal(w)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "workflow_id": w.ID}
	update := bson.M{
		"$set": bson.M{
			"tenant_id":   tenantID,
			"workflow_id": w.ID,
			"version":     w.Version,
			"definition":  string(definition),
			"updated_at":  time.Now().UTC(),
		},
	}
	_, err = c.workflows.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadWorkflow(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	if tenantID == "" || workflowID == "" {
		return nil, errors.New("tenant and workflow ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "workflow_id": workflowID}
	var doc workflowDocument
	if err := c.workflows.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, state.ErrWorkflowNotFound
		}
		return nil, err
	}
	return doc.toWorkflow()
}

// DeleteWorkflow removes the workflow document. Deleting a missing workflow
// is a no-op.
func (c *client) DeleteWorkflow(ctx context.Context, tenantID, workflowID string) error {
	if tenantID == "" || workflowID == "" {
		return errors.New("tenant and workflow ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "workflow_id": workflowID}
	_, err := c.workflows.DeleteOne(ctx, filter)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type workflowDocument struct {
	TenantID   string    `bson:"tenant_id"`
	WorkflowID string    `bson:"workflow_id"`
	Version    string    `bson:"version"`
	Definition string    `bson:"definition"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d workflowDocument) toWorkflow() (*workflow.Workflow, error) {
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(d.Definition), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	// One document per workflow.
	workflowIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workflow_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, workflowIndex)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:     mongoClient,
		workflows: coll,
		timeout:   timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
