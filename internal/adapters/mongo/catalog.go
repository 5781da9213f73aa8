// Package mongo serves the showtime, food and merchandise catalog and keeps
// the audit trail of relayed domain events.
package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type CatalogRepository struct {
	showtimes *mongo.Collection
	food      *mongo.Collection
	merch     *mongo.Collection
	logger    observability.Logger
}

var _ pricing.Catalog = (*CatalogRepository)(nil)

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		showtimes: db.Collection("showtimes"),
		food:      db.Collection("food_items"),
		merch:     db.Collection("merchandise"),
		logger:    logger,
	}
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "ping mongo")
	}
	return client, nil
}

type ShowtimeDoc struct {
	ID          string                          `bson:"_id"`
	MovieID     string                          `bson:"movie_id"`
	Screen      string                          `bson:"screen"`
	StartsAt    time.Time                       `bson:"starts_at"`
	BasePrice   primitive.Decimal128            `bson:"base_price"`
	ClassPrices map[string]primitive.Decimal128 `bson:"class_prices,omitempty"`
	TotalSeats  int                             `bson:"total_seats"`
	Active      bool                            `bson:"active"`
	UpdatedAt   time.Time                       `bson:"updated_at"`
}

type FoodDoc struct {
	ID        string               `bson:"_id"`
	Name      string               `bson:"name"`
	Price     primitive.Decimal128 `bson:"price"`
	Available bool                 `bson:"available"`
}

type MerchandiseDoc struct {
	SKU    string               `bson:"_id"`
	Name   string               `bson:"name"`
	Price  primitive.Decimal128 `bson:"price"`
	Stock  int                  `bson:"stock"`
	Active bool                 `bson:"active"`
}

func (c *CatalogRepository) GetShowtime(ctx context.Context, id uuid.UUID) (*domain.Showtime, error) {
	var doc ShowtimeDoc
	err := c.showtimes.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "showtime %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("showtime_id", id).Error("failed to get showtime")
		return nil, err
	}
	return doc.toDomain()
}

func (c *CatalogRepository) GetFoodItems(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.FoodItem, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	var docs []FoodDoc
	if err := c.findIn(ctx, c.food, keys, &docs); err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]domain.FoodItem, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "food item id %q", d.ID)
		}
		price, err := toDecimal(d.Price)
		if err != nil {
			return nil, err
		}
		out[id] = domain.FoodItem{ID: id, Name: d.Name, Price: price, Available: d.Available}
	}
	return out, nil
}

func (c *CatalogRepository) GetMerchandise(ctx context.Context, skus []string) (map[string]domain.MerchandiseItem, error) {
	var docs []MerchandiseDoc
	if err := c.findIn(ctx, c.merch, skus, &docs); err != nil {
		return nil, err
	}

	out := make(map[string]domain.MerchandiseItem, len(docs))
	for _, d := range docs {
		price, err := toDecimal(d.Price)
		if err != nil {
			return nil, err
		}
		out[d.SKU] = domain.MerchandiseItem{SKU: d.SKU, Name: d.Name, Price: price, Stock: d.Stock, Active: d.Active}
	}
	return out, nil
}

func (c *CatalogRepository) findIn(ctx context.Context, coll *mongo.Collection, keys []string, out any) error {
	cur, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		c.logger.WithError(err).WithField("collection", coll.Name()).Error("failed to query catalog")
		return err
	}
	return cur.All(ctx, out)
}

// UpsertShowtime writes a showtime document. Used to seed catalogs.
func (c *CatalogRepository) UpsertShowtime(ctx context.Context, st domain.Showtime) error {
	doc, err := showtimeDoc(st)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now()
	_, err = c.showtimes.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *CatalogRepository) UpsertFood(ctx context.Context, item domain.FoodItem) error {
	price, err := toDecimal128(item.Price)
	if err != nil {
		return err
	}
	doc := FoodDoc{ID: item.ID.String(), Name: item.Name, Price: price, Available: item.Available}
	_, err = c.food.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *CatalogRepository) UpsertMerchandise(ctx context.Context, item domain.MerchandiseItem) error {
	price, err := toDecimal128(item.Price)
	if err != nil {
		return err
	}
	doc := MerchandiseDoc{SKU: item.SKU, Name: item.Name, Price: price, Stock: item.Stock, Active: item.Active}
	_, err = c.merch.ReplaceOne(ctx, bson.M{"_id": doc.SKU}, doc, options.Replace().SetUpsert(true))
	return err
}

func (d ShowtimeDoc) toDomain() (*domain.Showtime, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "showtime id %q", d.ID)
	}
	movieID, err := uuid.Parse(d.MovieID)
	if err != nil {
		return nil, errors.Wrapf(err, "movie id %q", d.MovieID)
	}
	base, err := toDecimal(d.BasePrice)
	if err != nil {
		return nil, err
	}
	classes := make(map[domain.SeatClass]decimal.Decimal, len(d.ClassPrices))
	for class, p := range d.ClassPrices {
		if classes[domain.SeatClass(class)], err = toDecimal(p); err != nil {
			return nil, err
		}
	}
	return &domain.Showtime{
		ID:          id,
		MovieID:     movieID,
		Screen:      d.Screen,
		StartsAt:    d.StartsAt,
		BasePrice:   base,
		ClassPrices: classes,
		TotalSeats:  d.TotalSeats,
		Active:      d.Active,
	}, nil
}

func showtimeDoc(st domain.Showtime) (ShowtimeDoc, error) {
	base, err := toDecimal128(st.BasePrice)
	if err != nil {
		return ShowtimeDoc{}, err
	}
	doc := ShowtimeDoc{
		ID:         st.ID.String(),
		MovieID:    st.MovieID.String(),
		Screen:     st.Screen,
		StartsAt:   st.StartsAt,
		BasePrice:  base,
		TotalSeats: st.TotalSeats,
		Active:     st.Active,
	}
	if len(st.ClassPrices) > 0 {
		doc.ClassPrices = make(map[string]primitive.Decimal128, len(st.ClassPrices))
		for class, p := range st.ClassPrices {
			if doc.ClassPrices[string(class)], err = toDecimal128(p); err != nil {
				return ShowtimeDoc{}, err
			}
		}
	}
	return doc, nil
}

func toDecimal(d primitive.Decimal128) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "price %s", d.String())
	}
	return v, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, errors.Wrapf(err, "price %s", d.String())
	}
	return v, nil
}
