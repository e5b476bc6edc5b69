// Package mongo implements resultstore.Driver over MongoDB, for
// deployments that already standardize on a document store for
// application data.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"orchestratord/internal/model"
)

// Driver is the MongoDB-backed resultstore.Driver.
type Driver struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Open connects to uri, verifies the connection with a ping, and binds to
// database.collection "task_results".
func Open(ctx context.Context, uri, database string) (*Driver, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("resource_error: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("resource_error: ping mongo: %w", err)
	}
	return &Driver{
		client:     client,
		collection: client.Database(database).Collection("task_results"),
	}, nil
}

type document struct {
	TaskID string           `bson:"_id"`
	Result *model.TaskResult `bson:"result"`
}

// Put upserts result.
func (d *Driver) Put(ctx context.Context, result *model.TaskResult) error {
	filter := bson.M{"_id": result.TaskID}
	update := bson.M{"$set": document{TaskID: result.TaskID, Result: result}}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := d.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("resource_error: upsert task result: %w", err)
	}
	return nil
}

// Get retrieves a result by task_id.
func (d *Driver) Get(ctx context.Context, taskID string) (*model.TaskResult, bool, error) {
	var doc document
	err := d.collection.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resource_error: query task result: %w", err)
	}
	return doc.Result, true, nil
}

// Close disconnects the client.
func (d *Driver) Close() error {
	return d.client.Disconnect(context.Background())
}
