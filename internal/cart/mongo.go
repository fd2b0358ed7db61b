package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/overdrive-yt/sportsdevil/domain"
)

// cartDocument is the stored shape. The lock lives on the cart document itself
// so that lock changes and content changes are single-document atomic updates.
type cartDocument struct {
	UserID    string            `bson:"user_id"`
	Items     []domain.CartLine `bson:"items"`
	LockToken string            `bson:"lock_token,omitempty"`
	LockedAt  time.Time         `bson:"locked_at,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type MongoStore struct {
	collection *mongo.Collection
	lockTTL    time.Duration
	now        func() time.Time
}

func NewMongoStore(db *mongo.Database, lockTTL time.Duration) *MongoStore {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &MongoStore{
		collection: db.Collection("carts"),
		lockTTL:    lockTTL,
		now:        time.Now,
	}
}

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client.Database(database), nil
}

// CreateIndexes must run before Acquire is used: the unique user_id index is
// what turns a racing upsert on a locked cart into ErrAlreadyLocked.
func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60),
		},
	}
	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// unlocked matches carts with no lock or with a lock older than the TTL.
func (m *MongoStore) unlocked() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"lock_token": bson.M{"$exists": false}},
		bson.M{"lock_token": ""},
		bson.M{"locked_at": bson.M{"$lt": m.now().Add(-m.lockTTL)}},
	}}
}

func (m *MongoStore) find(ctx context.Context, userID string) (*cartDocument, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return &doc, nil
}

func (m *MongoStore) isLocked(doc *cartDocument) bool {
	return doc.LockToken != "" && m.now().Sub(doc.LockedAt) < m.lockTTL
}

// guardedUpdate applies update only when the cart is unlocked. When nothing
// matched it works out whether the cart was missing or locked.
func (m *MongoStore) guardedUpdate(ctx context.Context, userID string, extra bson.M, update bson.M, opts ...*options.UpdateOptions) error {
	filter := bson.M{"user_id": userID}
	for k, v := range extra {
		filter[k] = v
	}
	filter["$and"] = bson.A{m.unlocked()}

	res, err := m.collection.UpdateOne(ctx, filter, update, opts...)
	if err != nil {
		return fmt.Errorf("failed to update cart: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	doc, err := m.find(ctx, userID)
	if err != nil {
		return err
	}
	if m.isLocked(doc) {
		return ErrCartLocked
	}
	return ErrItemNotFound
}

func lineFilter(prefix string, key domain.LineKey) bson.M {
	return bson.M{
		prefix + "product_id":     key.ProductID,
		prefix + "selected_color": key.SelectedColor,
		prefix + "selected_size":  key.SelectedSize,
	}
}

func (m *MongoStore) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	doc, err := m.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.Cart{
		UserID:    doc.UserID,
		Items:     doc.Items,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (m *MongoStore) AddItem(ctx context.Context, userID string, line domain.CartLine) error {
	now := m.now()

	doc, err := m.find(ctx, userID)
	if errors.Is(err, ErrCartNotFound) {
		_, err = m.collection.InsertOne(ctx, cartDocument{
			UserID:    userID,
			Items:     []domain.CartLine{line},
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to create cart with item: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	exists := false
	for _, item := range doc.Items {
		if item.Key() == line.Key() {
			exists = true
			break
		}
	}

	if exists {
		update := bson.M{
			"$inc": bson.M{"items.$[elem].quantity": line.Quantity},
			"$set": bson.M{
				"items.$[elem].unit_price_minor": line.UnitPriceMinor,
				"updated_at":                     now,
			},
		}
		arrayFilters := options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{lineFilter("elem.", line.Key())},
		})
		return m.guardedUpdate(ctx, userID, nil, update, arrayFilters)
	}

	update := bson.M{
		"$push": bson.M{"items": line},
		"$set":  bson.M{"updated_at": now},
	}
	return m.guardedUpdate(ctx, userID, nil, update)
}

func (m *MongoStore) UpdateQuantity(ctx context.Context, userID string, key domain.LineKey, quantity int) error {
	update := bson.M{
		"$set": bson.M{
			"items.$[elem].quantity": quantity,
			"updated_at":             m.now(),
		},
	}
	arrayFilters := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{lineFilter("elem.", key)},
	})
	extra := bson.M{"items": bson.M{"$elemMatch": lineFilter("", key)}}
	return m.guardedUpdate(ctx, userID, extra, update, arrayFilters)
}

func (m *MongoStore) RemoveItem(ctx context.Context, userID string, key domain.LineKey) error {
	update := bson.M{
		"$pull": bson.M{"items": lineFilter("", key)},
		"$set":  bson.M{"updated_at": m.now()},
	}
	extra := bson.M{"items": bson.M{"$elemMatch": lineFilter("", key)}}
	return m.guardedUpdate(ctx, userID, extra, update)
}

func (m *MongoStore) Clear(ctx context.Context, userID string) error {
	update := bson.M{"$set": bson.M{"items": bson.A{}, "updated_at": m.now()}}
	err := m.guardedUpdate(ctx, userID, nil, update)
	if errors.Is(err, ErrItemNotFound) {
		// only reachable when the cart vanished between the update and the lookup
		return ErrCartNotFound
	}
	return err
}

func (m *MongoStore) Acquire(ctx context.Context, userID string) (domain.LockToken, error) {
	now := m.now()
	tok := domain.LockToken{UserID: userID, Value: uuid.NewString(), AcquiredAt: now}

	filter := m.unlocked()
	filter["user_id"] = userID
	update := bson.M{
		"$set":         bson.M{"lock_token": tok.Value, "locked_at": now},
		"$setOnInsert": bson.M{"items": bson.A{}, "created_at": now, "updated_at": now},
	}

	_, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// the cart exists but did not match the unlocked filter
		return domain.LockToken{}, ErrAlreadyLocked
	}
	if err != nil {
		return domain.LockToken{}, fmt.Errorf("failed to acquire cart lock: %w", err)
	}
	return tok, nil
}

func (m *MongoStore) Release(ctx context.Context, token domain.LockToken) error {
	filter := bson.M{"user_id": token.UserID, "lock_token": token.Value}
	update := bson.M{"$unset": bson.M{"lock_token": "", "locked_at": ""}}

	if _, err := m.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to release cart lock: %w", err)
	}
	return nil
}

func (m *MongoStore) ClearAndRelease(ctx context.Context, token domain.LockToken) error {
	filter := bson.M{"user_id": token.UserID, "lock_token": token.Value}
	update := bson.M{
		"$set":   bson.M{"items": bson.A{}, "updated_at": m.now()},
		"$unset": bson.M{"lock_token": "", "locked_at": ""},
	}

	res, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (m *MongoStore) IsLocked(ctx context.Context, userID string) (bool, error) {
	doc, err := m.find(ctx, userID)
	if errors.Is(err, ErrCartNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.isLocked(doc), nil
}
