// Package mongo hosts the MongoDB client used by the snapshot store.
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
)

const (
	defaultCollection = "hensu_snapshots"
	defaultOpTimeout  = 5 * time.Second
	stateClientName   = "state-mongo"
)

// Client exposes Mongo-backed operations for execution snapshots and their
// lease fields.
type Client interface {
	health.Pinger

	SaveSnapshot(ctx context.Context, snapshot *state.Snapshot) error
	LoadLatest(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error)
	ListByWorkflow(ctx context.Context, tenantID, workflowID string) ([]*state.Snapshot, error)
	ListPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error)
	UpdateHeartbeats(ctx context.Context, serverNodeID string, now time.Time) (int64, error)
	ClaimStale(ctx context.Context, serverNodeID string, olderThan, now time.Time) ([]state.ExecutionRef, error)
}

// Options configures the Mongo snapshot client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	snapshots collection
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
	return stateClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// SaveSnapshot upserts the snapshot row keyed by (tenant_id, execution_id).
// Lease fields are written explicitly, null included, so a terminal save
// clears a previous checkpoint's lease.
func (c *client) SaveSnapshot(ctx context.Context, snapshot *state.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is required")
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	stateBlob, err := json.Marshal(snapshot.State)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"tenant_id": snapshot.TenantID, "execution_id": snapshot.ExecutionID}
	update := bson.M{
		"$set": bson.M{
			"tenant_id":         snapshot.TenantID,
			"execution_id":      snapshot.ExecutionID,
			"workflow_id":       snapshot.WorkflowID,
			"state":             string(stateBlob),
			"current_node_id":   snapshot.CurrentNodeID,
			"checkpoint_reason": string(snapshot.Reason),
			"checkpoint_time":   snapshot.CheckpointTime.UTC(),
			"server_node_id":    snapshot.ServerNodeID,
			"last_heartbeat_at": utcPtr(snapshot.LastHeartbeatAt),
		},
	}
	_, err = c.snapshots.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadLatest(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	if tenantID == "" || executionID == "" {
		return nil, errors.New("tenant and execution ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "execution_id": executionID}
	var doc snapshotDocument
	if err := c.snapshots.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, state.ErrSnapshotNotFound
		}
		return nil, err
	}
	return doc.toSnapshot()
}

func (c *client) ListByWorkflow(ctx context.Context, tenantID, workflowID string) ([]*state.Snapshot, error) {
	if tenantID == "" || workflowID == "" {
		return nil, errors.New("tenant and workflow ids are required")
	}
	filter := bson.M{"tenant_id": tenantID, "workflow_id": workflowID}
	return c.list(ctx, filter)
}

func (c *client) ListPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	filter := bson.M{
		"tenant_id":         tenantID,
		"checkpoint_reason": string(state.ReasonPaused),
		"server_node_id":    nil,
	}
	return c.list(ctx, filter)
}

func (c *client) list(ctx context.Context, filter bson.M) ([]*state.Snapshot, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.snapshots.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "checkpoint_time", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*state.Snapshot
	for cur.Next(ctx) {
		var doc snapshotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		snap, err := doc.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateHeartbeats refreshes the heartbeat on every checkpoint row owned by
// serverNodeID in one statement. Rows owned by other nodes never match the
// filter.
func (c *client) UpdateHeartbeats(ctx context.Context, serverNodeID string, now time.Time) (int64, error) {
	if serverNodeID == "" {
		return 0, errors.New("server node id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"checkpoint_reason": string(state.ReasonCheckpoint),
		"server_node_id":    serverNodeID,
	}
	update := bson.M{"$set": bson.M{"last_heartbeat_at": now.UTC()}}
	res, err := c.snapshots.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ClaimStale takes over checkpoint rows with expired heartbeats. Candidates
// are selected first, then each row is claimed with a compare-and-swap on
// its observed heartbeat so two concurrent sweepers never both win the same
// row.
func (c *client) ClaimStale(ctx context.Context, serverNodeID string, olderThan, now time.Time) ([]state.ExecutionRef, error) {
	if serverNodeID == "" {
		return nil, errors.New("server node id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"checkpoint_reason": string(state.ReasonCheckpoint),
		"last_heartbeat_at": bson.M{"$lt": olderThan.UTC()},
	}
	cur, err := c.snapshots.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	type candidate struct {
		ref state.ExecutionRef
		hb  time.Time
	}
	var candidates []candidate
	for cur.Next(ctx) {
		var doc snapshotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.LastHeartbeatAt == nil {
			continue
		}
		candidates = append(candidates, candidate{
			ref: state.ExecutionRef{TenantID: doc.TenantID, ExecutionID: doc.ExecutionID},
			hb:  *doc.LastHeartbeatAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	var claimed []state.ExecutionRef
	for _, cand := range candidates {
		claimFilter := bson.M{
			"tenant_id":         cand.ref.TenantID,
			"execution_id":      cand.ref.ExecutionID,
			"checkpoint_reason": string(state.ReasonCheckpoint),
			"last_heartbeat_at": cand.hb,
		}
		update := bson.M{"$set": bson.M{
			"server_node_id":    serverNodeID,
			"last_heartbeat_at": now.UTC(),
		}}
		res, err := c.snapshots.UpdateOne(ctx, claimFilter, update)
		if err != nil {
			return claimed, err
		}
		if res.ModifiedCount == 1 {
			claimed = append(claimed, cand.ref)
		}
	}
	return claimed, nil
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

type snapshotDocument struct {
	TenantID        string     `bson:"tenant_id"`
	ExecutionID     string     `bson:"execution_id"`
	WorkflowID      string     `bson:"workflow_id"`
	State           string     `bson:"state"`
	CurrentNodeID   *string    `bson:"current_node_id,omitempty"`
	Reason          string     `bson:"checkpoint_reason"`
	CheckpointTime  time.Time  `bson:"checkpoint_time"`
	ServerNodeID    *string    `bson:"server_node_id,omitempty"`
	LastHeartbeatAt *time.Time `bson:"last_heartbeat_at,omitempty"`
}

func (d snapshotDocument) toSnapshot() (*state.Snapshot, error) {
	var st state.State
	if err := json.Unmarshal([]byte(d.State), &st); err != nil {
		return nil, err
	}
	return &state.Snapshot{
		TenantID:        d.TenantID,
		ExecutionID:     d.ExecutionID,
		WorkflowID:      d.WorkflowID,
		State:           &st,
		CurrentNodeID:   d.CurrentNodeID,
		Reason:          state.Reason(d.Reason),
		CheckpointTime:  d.CheckpointTime,
		ServerNodeID:    d.ServerNodeID,
		LastHeartbeatAt: d.LastHeartbeatAt,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func ensureIndexes(ctx context.Context, coll collection) error {
	// One row per execution.
	executionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "execution_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, executionIndex); err != nil {
		return err
	}
	// Sweep filter: reason plus heartbeat age.
	sweepIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "checkpoint_reason", Value: 1},
			{Key: "last_heartbeat_at", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, sweepIndex); err != nil {
		return err
	}
	workflowIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workflow_id", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, workflowIndex); err != nil {
		return err
	}
	return nil
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
		snapshots: coll,
		timeout:   timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
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

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
