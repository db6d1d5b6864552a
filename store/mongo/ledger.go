package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
)

// ==================== Transaction Store ====================

// AppendTransactions reserves a block of sequence numbers from the counter
// document and inserts the entries in order.
func (s *Store) AppendTransactions(ctx context.Context, txns []*transaction.Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	return s.Atomic(ctx, func(ctx context.Context) error {
		var counter struct {
			Seq int64 `bson:"seq"`
		}
		err := s.col(colCounters).FindOneAndUpdate(ctx,
			bson.M{"_id": colTransactions},
			bson.M{"$inc": bson.M{"seq": int64(len(txns))}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&counter)
		if err != nil {
			return err
		}

		first := counter.Seq - int64(len(txns)) + 1
		docs := make([]any, len(txns))
		for i, t := range txns {
			t.Seq = first + int64(i)
			docs[i] = toTransactionModel(t)
		}
		if _, err := s.col(colTransactions).InsertMany(ctx, docs); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return billing.ErrAlreadyExists
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetTransaction(ctx context.Context, txnID id.ID) (*transaction.Transaction, error) {
	return findOne(ctx, s.col(colTransactions), bson.M{"_id": txnID.String()}, billing.ErrTransactionNotFound, fromTransactionModel)
}

func (s *Store) HasEventTransactions(ctx context.Context, eventID string) (bool, error) {
	err := s.col(colTransactions).FindOne(ctx, bson.M{"event_id": eventID},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var conds bson.A
	if !opts.OrganizationID.IsNil() {
		org := opts.OrganizationID.String()
		conds = append(conds, bson.M{"$or": bson.A{
			bson.M{"orig_organization_id": org},
			bson.M{"dest_organization_id": org},
		}})
	}
	if opts.EventID != "" {
		conds = append(conds, bson.M{"event_id": opts.EventID})
	}
	if !opts.AsOf.IsZero() {
		conds = append(conds, bson.M{"created_at": bson.M{"$lte": opts.AsOf}})
	}
	if !opts.After.IsZero() {
		conds = append(conds, bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$gt": opts.After.CreatedAt}},
			bson.M{"created_at": opts.After.CreatedAt, "seq": bson.M{"$gt": opts.After.Seq}},
		}})
	}
	filter := bson.M{}
	if len(conds) > 0 {
		filter["$and"] = conds
	}
	sort := bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}
	return findAll(ctx, s.col(colTransactions), filter, findOpts(sort, opts.Limit, 0), fromTransactionModel)
}

type sideTotal struct {
	ID struct {
		Org  string `bson:"org"`
		Unit string `bson:"unit"`
	} `bson:"_id"`
	Total int64 `bson:"total"`
}

// sideTotals sums one side ("orig" or "dest") of the entries matching
// account, grouped by organization and unit.
func (s *Store) sideTotals(ctx context.Context, side string, match bson.M) ([]sideTotal, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "org", Value: "$" + side + "_organization_id"},
				{Key: "unit", Value: "$" + side + "_unit"},
			}},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$" + side + "_amount"}}},
		}}},
	}
	cursor, err := s.col(colTransactions).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var out []sideTotal
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sideMatch(side string, account transaction.Account, asOf time.Time) bson.M {
	m := bson.M{side + "_account": string(account)}
	if !asOf.IsZero() {
		m["created_at"] = bson.M{"$lte": asOf}
	}
	return m
}

// SumBalance is inflow minus outflow of one account up to asOf.
func (s *Store) SumBalance(ctx context.Context, orgID id.ID, account transaction.Account, unit string, asOf time.Time) (int64, error) {
	var total int64
	for _, side := range []string{"dest", "orig"} {
		match := sideMatch(side, account, asOf)
		match[side+"_organization_id"] = orgID.String()
		match[side+"_unit"] = unit
		totals, err := s.sideTotals(ctx, side, match)
		if err != nil {
			return 0, err
		}
		for _, t := range totals {
			if side == "dest" {
				total += t.Total
			} else {
				total -= t.Total
			}
		}
	}
	return total, nil
}

// ListBalances returns every non-zero balance held in account.
func (s *Store) ListBalances(ctx context.Context, account transaction.Account, asOf time.Time) ([]transaction.Balance, error) {
	type key struct{ org, unit string }
	sums := map[key]int64{}
	for _, side := range []string{"dest", "orig"} {
		totals, err := s.sideTotals(ctx, side, sideMatch(side, account, asOf))
		if err != nil {
			return nil, err
		}
		for _, t := range totals {
			k := key{t.ID.Org, t.ID.Unit}
			if side == "dest" {
				sums[k] += t.Total
			} else {
				sums[k] -= t.Total
			}
		}
	}

	var out []transaction.Balance
	for k, amount := range sums {
		if amount == 0 {
			continue
		}
		orgID, err := id.Parse(k.org)
		if err != nil {
			return nil, err
		}
		out = append(out, transaction.Balance{OrganizationID: orgID, Account: account, Unit: k.unit, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := out[i].OrganizationID.String(), out[j].OrganizationID.String(); a != b {
			return a < b
		}
		return out[i].Unit < out[j].Unit
	})
	return out, nil
}

// ==================== Charge Store ====================

func (s *Store) CreateCharge(ctx context.Context, c *charge.Charge) error {
	return insert(ctx, s.col(colCharges), toChargeModel(c))
}

func (s *Store) GetCharge(ctx context.Context, chargeID id.ID) (*charge.Charge, error) {
	return findOne(ctx, s.col(colCharges), bson.M{"_id": chargeID.String()}, billing.ErrChargeNotFound, fromChargeModel)
}

func (s *Store) GetChargeByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error) {
	if key == "" {
		return nil, billing.ErrChargeNotFound
	}
	return findOne(ctx, s.col(colCharges), bson.M{"idempotency_key": key}, billing.ErrChargeNotFound, fromChargeModel)
}

func (s *Store) GetChargeByProcessorID(ctx context.Context, processorChargeID string) (*charge.Charge, error) {
	if processorChargeID == "" {
		return nil, billing.ErrChargeNotFound
	}
	return findOne(ctx, s.col(colCharges), bson.M{"processor_charge_id": processorChargeID}, billing.ErrChargeNotFound, fromChargeModel)
}

func (s *Store) ListCharges(ctx context.Context, opts charge.ListOpts) ([]*charge.Charge, error) {
	filter := bson.M{}
	if !opts.OrganizationID.IsNil() {
		filter["organization_id"] = opts.OrganizationID.String()
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	if !opts.ProcessingBefore.IsZero() {
		filter["processing_at"] = bson.M{"$lt": opts.ProcessingBefore}
	}
	sort := bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}
	return findAll(ctx, s.col(colCharges), filter, findOpts(sort, opts.Limit, opts.Offset), fromChargeModel)
}

// UpdateCharge writes c if its Version is current and bumps it.
func (s *Store) UpdateCharge(ctx context.Context, c *charge.Charge) error {
	m := toChargeModel(c)
	m.Version++
	err := replace(ctx, s.col(colCharges), bson.M{"_id": m.ID, "version": c.Version}, m, billing.ErrConcurrentUpdate)
	if errors.Is(err, billing.ErrConcurrentUpdate) {
		if _, gerr := s.GetCharge(ctx, c.ID); gerr != nil {
			return gerr
		}
	}
	if err != nil {
		return err
	}
	c.Version = m.Version
	return nil
}
