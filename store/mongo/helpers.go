package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/billing"
)

func insert(ctx context.Context, col *mongo.Collection, doc any) error {
	if _, err := col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return billing.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func replace(ctx context.Context, col *mongo.Collection, filter bson.M, doc any, missing error) error {
	res, err := col.ReplaceOne(ctx, filter, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return billing.ErrAlreadyExists
		}
		return err
	}
	if res.MatchedCount == 0 {
		return missing
	}
	return nil
}

func findOne[M, T any](ctx context.Context, col *mongo.Collection, filter bson.M, missing error,
	from func(*M) (*T, error), opts ...options.Lister[options.FindOneOptions],
) (*T, error) {
	var m M
	if err := col.FindOne(ctx, filter, opts...).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, missing
		}
		return nil, err
	}
	return from(&m)
}

func findAll[M, T any](ctx context.Context, col *mongo.Collection, filter bson.M,
	opts options.Lister[options.FindOptions], from func(*M) (*T, error),
) ([]*T, error) {
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var models []M
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(models))
	for i := range models {
		v, err := from(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func findOpts(sort bson.D, limit, offset int) *options.FindOptionsBuilder {
	o := options.Find().SetSort(sort)
	if limit > 0 {
		o.SetLimit(int64(limit))
	}
	if offset > 0 {
		o.SetSkip(int64(offset))
	}
	return o
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == 48
}

// migrationIndexes returns the index definitions for all billing collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	nonEmpty := func(field string) *options.IndexOptionsBuilder {
		return options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{field: bson.M{"$gt": ""}})
	}
	return map[string][]mongo.IndexModel{
		colOrganizations: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colPlans: {
			{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colUseCharges: {
			{Keys: bson.D{{Key: "plan_id", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "plan_id", Value: 1}, {Key: "ends_at", Value: -1}}},
			{Keys: bson.D{{Key: "ends_at", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "grant_key", Value: 1}}, Options: nonEmpty("grant_key")},
			{Keys: bson.D{{Key: "request_key", Value: 1}}, Options: nonEmpty("request_key")},
		},
		colUsage: {
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "use_charge_id", Value: 1}, {Key: "period_start", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "dest_organization_id", Value: 1}, {Key: "dest_account", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "orig_organization_id", Value: 1}, {Key: "orig_account", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "event_id", Value: 1}}},
		},
		colCharges: {
			{Keys: bson.D{{Key: "idempotency_key", Value: 1}}, Options: nonEmpty("idempotency_key")},
			{Keys: bson.D{{Key: "processor_charge_id", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "processing_at", Value: 1}}},
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colCoupons: {
			{Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "code", Value: 1}}},
		},
	}
}
