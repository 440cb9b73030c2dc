package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	invoiceCounterID     = "payment_invoice"
	invoiceIDMinDigits   = 6
	invoiceIDMaxDigits   = 15
	defaultPaymentsLimit = 50
)

// MongoPaymentRepository implements domain.PaymentRepository.
// Writes that touch more than one collection run in a transaction, so the
// database must be a replica set.
type MongoPaymentRepository struct {
	client       *mongo.Client
	payments     *mongo.Collection
	invoices     *mongo.Collection
	checkouts    *mongo.Collection
	counters     *mongo.Collection
	users        *mongo.Collection
	walletLedger *mongo.Collection
}

func NewMongoPaymentRepository(db *mongo.Database) *MongoPaymentRepository {
	payments := db.Collection("payments")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "invoice_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	_, _ = db.Collection("wallet_transactions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})

	return &MongoPaymentRepository{
		client:       db.Client(),
		payments:     payments,
		invoices:     db.Collection("payment_invoices"),
		checkouts:    db.Collection("payment_checkouts"),
		counters:     db.Collection("counters"),
		users:        db.Collection("users"),
		walletLedger: db.Collection("wallet_transactions"),
	}
}

// NextInvoiceID draws the next value of a monotonic counter. Ids are
// zero-padded to at least six digits.
func (r *MongoPaymentRepository) NextInvoiceID(ctx context.Context) (string, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": invoiceCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return "", fmt.Errorf("failed to allocate invoice id: %w", err)
	}

	id := fmt.Sprintf("%0*d", invoiceIDMinDigits, counter.Seq)
	if len(id) > invoiceIDMaxDigits {
		return "", fmt.Errorf("invoice counter exhausted at %d", counter.Seq)
	}
	return id, nil
}

func (r *MongoPaymentRepository) Create(ctx context.Context, record *domain.PaymentRecord) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.CreatedAt = record.CreatedAt.UTC().Truncate(time.Millisecond)
	record.UpdatedAt = record.CreatedAt

	err := r.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := r.payments.InsertOne(sc, record); err != nil {
			return err
		}
		if _, err := r.invoices.InsertOne(sc, domain.InvoiceIndex{
			InvoiceID: record.InvoiceID,
			UserID:    record.UserID,
			PaymentID: record.ID,
			CreatedAt: record.CreatedAt,
		}); err != nil {
			return err
		}
		if record.CheckoutToken != "" {
			if _, err := r.checkouts.InsertOne(sc, domain.CheckoutIndex{
				Token:     record.CheckoutToken,
				UserID:    record.UserID,
				PaymentID: record.ID,
				CreatedAt: record.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: invoice %s already exists", domain.ErrConflict, record.InvoiceID)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *MongoPaymentRepository) GetByID(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// GetForUser hides other users' payments behind ErrNotFound.
func (r *MongoPaymentRepository) GetForUser(ctx context.Context, userID, id string) (*domain.PaymentRecord, error) {
	return r.findOne(ctx, bson.M{"_id": id, "user_id": userID})
}

func (r *MongoPaymentRepository) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	var idx domain.InvoiceIndex
	if err := r.invoices.FindOne(ctx, bson.M{"_id": invoiceID}).Decode(&idx); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve invoice: %w", err)
	}
	return r.GetByID(ctx, idx.PaymentID)
}

// ResolveCheckout returns the payment only when token was issued for it.
func (r *MongoPaymentRepository) ResolveCheckout(ctx context.Context, paymentID, token string) (*domain.PaymentRecord, error) {
	var idx domain.CheckoutIndex
	if err := r.checkouts.FindOne(ctx, bson.M{"_id": token}).Decode(&idx); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve checkout: %w", err)
	}
	if idx.PaymentID != paymentID {
		return nil, domain.ErrNotFound
	}
	return r.GetByID(ctx, idx.PaymentID)
}

func (r *MongoPaymentRepository) ListByUser(ctx context.Context, userID string, limit int64) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = defaultPaymentsLimit
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.payments.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]*domain.PaymentRecord, 0)
	for cursor.Next(ctx) {
		var rec domain.PaymentRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode payment: %w", err)
		}
		records = append(records, &rec)
	}
	return records, cursor.Err()
}

// ListPendingBefore returns pending payments created before cutoff, oldest
// first. Used by the reconciliation sweep for webhooks that never arrived.
func (r *MongoPaymentRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int64) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = defaultPaymentsLimit
	}

	filter := bson.M{
		"status":     domain.PaymentStatusPending,
		"created_at": bson.M{"$lt": cutoff.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(limit)

	cursor, err := r.payments.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]*domain.PaymentRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode payments: %w", err)
	}
	return records, nil
}

// CommitTransition updates the record only if nobody moved it since prev was
// read. With a credit, the balance increment and its ledger entry are written
// in the same transaction; an existing ledger entry for the payment means the
// credit already happened and only the record is updated.
func (r *MongoPaymentRepository) CommitTransition(ctx context.Context, prev, next *domain.PaymentRecord, credit *domain.WalletCredit) error {
	next.UpdatedAt = next.UpdatedAt.UTC().Truncate(time.Millisecond)
	if !next.UpdatedAt.After(prev.UpdatedAt) {
		next.UpdatedAt = prev.UpdatedAt.Add(time.Millisecond)
	}

	filter := bson.M{
		"_id":        prev.ID,
		"status":     prev.Status,
		"updated_at": prev.UpdatedAt,
	}

	return r.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if credit != nil {
			if err := r.bookCredit(sc, credit, next.UpdatedAt); err != nil {
				return err
			}
			if next.CreditedAt == nil {
				at := next.UpdatedAt
				next.CreditedAt = &at
			}
		}

		res, err := r.payments.UpdateOne(sc, filter, bson.M{"$set": transitionFields(next)})
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		if res.MatchedCount == 0 {
			return domain.ErrConflict
		}
		return nil
	})
}

func (r *MongoPaymentRepository) bookCredit(sc mongo.SessionContext, credit *domain.WalletCredit, at time.Time) error {
	ledgerID := domain.WalletTransactionID(credit.PaymentID)

	n, err := r.walletLedger.CountDocuments(sc, bson.M{"_id": ledgerID})
	if err != nil {
		return fmt.Errorf("failed to check wallet ledger: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := r.walletLedger.InsertOne(sc, domain.WalletTransaction{
		ID:          ledgerID,
		UserID:      credit.UserID,
		Type:        domain.WalletTxTypeTopUp,
		Amount:      credit.Amount,
		Currency:    credit.Currency,
		PaymentID:   credit.PaymentID,
		Description: credit.Description,
		CreatedAt:   at,
	}); err != nil {
		return fmt.Errorf("failed to write wallet ledger: %w", err)
	}

	res, err := r.users.UpdateOne(sc, userFilter(credit.UserID), bson.M{
		"$inc": bson.M{"balance": credit.Amount},
		"$set": bson.M{"updated_at": at},
	})
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("failed to credit balance: user %s: %w", credit.UserID, domain.ErrNotFound)
	}
	return nil
}

// transitionFields is what a transition may change. credited_at is only ever
// added, never cleared, so a stale copy cannot undo a fulfilment claim.
func transitionFields(next *domain.PaymentRecord) bson.M {
	set := bson.M{
		"status":              next.Status,
		"epay_transaction_id": next.EpayTransactionID,
		"card_mask":           next.CardMask,
		"card_type":           next.CardType,
		"card_id":             next.CardID,
		"reference":           next.Reference,
		"reason":              next.Reason,
		"reason_code":         next.ReasonCode,
		"updated_at":          next.UpdatedAt,
	}
	if next.CreditedAt != nil {
		set["credited_at"] = next.CreditedAt.UTC()
	}
	return set
}

func (r *MongoPaymentRepository) MarkCredited(ctx context.Context, id string, at time.Time) error {
	res, err := r.payments.UpdateOne(ctx,
		bson.M{"_id": id, "credited_at": nil},
		bson.M{"$set": bson.M{"credited_at": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark payment credited: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *MongoPaymentRepository) findOne(ctx context.Context, filter bson.M) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	if err := r.payments.FindOne(ctx, filter).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &rec, nil
}

func (r *MongoPaymentRepository) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// userFilter matches users stored under an ObjectID as well as string ids.
func userFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}
