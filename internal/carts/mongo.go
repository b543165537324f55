package carts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fjod/go_pos/domain"
)

// abandoned carts are dropped by mongo after this long without an update
const cartRetention = 30 * 24 * time.Hour

type cartDocument struct {
	ID           string               `bson:"_id"`
	LocationID   string               `bson:"location_id"`
	CustomerID   *string              `bson:"customer_id,omitempty"`
	Items        []itemDocument       `bson:"items"`
	Subtotal     primitive.Decimal128 `bson:"subtotal"`
	DiscountCode string               `bson:"discount_code,omitempty"`
	Discount     primitive.Decimal128 `bson:"discount"`
	Tax          primitive.Decimal128 `bson:"tax"`
	Total        primitive.Decimal128 `bson:"total"`
	CreatedAt    time.Time            `bson:"created_at"`
	UpdatedAt    time.Time            `bson:"updated_at"`
}

type itemDocument struct {
	ProductID int64                `bson:"product_id"`
	Name      string               `bson:"name"`
	Quantity  int32                `bson:"quantity"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
	Discount  primitive.Decimal128 `bson:"discount"`
	LineTotal primitive.Decimal128 `bson:"line_total"`
}

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		collection: db.Collection("carts"),
	}
}

func (m *MongoRepository) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": cartID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return doc.toDomain()
}

func (m *MongoRepository) ListCarts(ctx context.Context, locationID string) ([]*domain.Cart, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cur, err := m.collection.Find(ctx, bson.M{"location_id": locationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list carts: %w", err)
	}
	defer cur.Close(ctx)

	var docs []cartDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode carts: %w", err)
	}

	out := make([]*domain.Cart, 0, len(docs))
	for i := range docs {
		c, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MongoRepository) SaveCart(ctx context.Context, cart *domain.Cart) error {
	now := time.Now().UTC()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	doc, err := newCartDocument(cart)
	if err != nil {
		return err
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"_id": cart.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	return nil
}

func (m *MongoRepository) DeleteCart(ctx context.Context, cartID string) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{"_id": cartID})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "location_id", Value: 1}, {Key: "updated_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(cartRetention.Seconds())),
		},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func newCartDocument(c *domain.Cart) (*cartDocument, error) {
	doc := &cartDocument{
		ID:           c.ID,
		LocationID:   c.LocationID,
		CustomerID:   c.CustomerID,
		Items:        make([]itemDocument, 0, len(c.Items)),
		DiscountCode: c.DiscountCode,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}

	var err error
	for _, f := range []struct {
		dst *primitive.Decimal128
		src decimal.Decimal
	}{
		{&doc.Subtotal, c.Subtotal},
		{&doc.Discount, c.Discount},
		{&doc.Tax, c.Tax},
		{&doc.Total, c.Total},
	} {
		if *f.dst, err = toDecimal128(f.src); err != nil {
			return nil, err
		}
	}

	for _, it := range c.Items {
		item := itemDocument{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity}
		if item.UnitPrice, err = toDecimal128(it.UnitPrice); err != nil {
			return nil, err
		}
		if item.Discount, err = toDecimal128(it.Discount); err != nil {
			return nil, err
		}
		if item.LineTotal, err = toDecimal128(it.LineTotal); err != nil {
			return nil, err
		}
		doc.Items = append(doc.Items, item)
	}
	return doc, nil
}

func (d *cartDocument) toDomain() (*domain.Cart, error) {
	c := &domain.Cart{
		ID:           d.ID,
		LocationID:   d.LocationID,
		CustomerID:   d.CustomerID,
		Items:        make([]domain.LineItem, 0, len(d.Items)),
		DiscountCode: d.DiscountCode,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src primitive.Decimal128
	}{
		{&c.Subtotal, d.Subtotal},
		{&c.Discount, d.Discount},
		{&c.Tax, d.Tax},
		{&c.Total, d.Total},
	} {
		if *f.dst, err = fromDecimal128(f.src); err != nil {
			return nil, err
		}
	}

	for _, it := range d.Items {
		item := domain.LineItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity}
		if item.UnitPrice, err = fromDecimal128(it.UnitPrice); err != nil {
			return nil, err
		}
		if item.Discount, err = fromDecimal128(it.Discount); err != nil {
			return nil, err
		}
		if item.LineTotal, err = fromDecimal128(it.LineTotal); err != nil {
			return nil, err
		}
		c.Items = append(c.Items, item)
	}
	return c, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.StringFixed(domain.CurrencyScale))
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("failed to convert %s to decimal128: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse decimal128 %s: %w", v, err)
	}
	return d, nil
}
