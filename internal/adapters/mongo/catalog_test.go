package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/adapters/mongo"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
)

func startMongo(t *testing.T) *mongodrv.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "mongodb")
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })
	return client.Database("cinema_test")
}

func TestCatalogRepository_PricesABooking(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()
	repo := mongo.NewCatalogRepository(db, observability.NewNopLogger())

	st := domain.Showtime{
		ID:         uuid.New(),
		MovieID:    uuid.New(),
		Screen:     "IMAX",
		StartsAt:   time.Now().Add(24 * time.Hour).UTC().Truncate(time.Millisecond),
		BasePrice:  decimal.RequireFromString("11.50"),
		TotalSeats: 100,
		Active:     true,
		ClassPrices: map[domain.SeatClass]decimal.Decimal{
			domain.SeatClassVIP: decimal.RequireFromString("25.00"),
		},
	}
	nachos := domain.FoodItem{ID: uuid.New(), Name: "Nachos", Price: decimal.RequireFromString("6.25"), Available: true}
	require.NoError(t, repo.UpsertShowtime(ctx, st))
	require.NoError(t, repo.UpsertFood(ctx, nachos))
	require.NoError(t, repo.UpsertMerchandise(ctx, domain.MerchandiseItem{SKU: "pin-1", Name: "Pin", Price: decimal.RequireFromString("3.10"), Stock: 50, Active: true}))

	got, err := repo.GetShowtime(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
	assert.True(t, got.StartsAt.Equal(st.StartsAt))
	assert.True(t, got.PriceFor(domain.SeatClassVIP).Equal(decimal.RequireFromString("25.00")))
	assert.True(t, got.PriceFor(domain.SeatClassStandard).Equal(decimal.RequireFromString("11.50")))

	_, err = repo.GetShowtime(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	calc := pricing.NewCalculator(repo)
	quote, err := calc.QuoteBooking(ctx, st.ID,
		[]pricing.FoodRequest{{ItemID: nachos.ID, Quantity: 2}},
		[]pricing.MerchRequest{{SKU: "pin-1", Quantity: 3}},
	)
	require.NoError(t, err)
	assert.True(t, quote.FoodTotal.Equal(decimal.RequireFromString("12.50")))
	assert.True(t, quote.MerchTotal.Equal(decimal.RequireFromString("9.30")))

	_, _, err = calc.PriceMerchandise(ctx, []pricing.MerchRequest{{SKU: "missing", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditLogger_RecordsOnce(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()
	audit := mongo.NewAuditLogger(db, observability.NewNopLogger())

	bookingID := uuid.New()
	ev, err := domain.NewEvent("booking", bookingID, domain.EventBookingConfirmed, map[string]any{"code": "BK12AB34CD", "seats": 2}, time.Now())
	require.NoError(t, err)

	require.NoError(t, audit.Record(ctx, ev))
	require.NoError(t, audit.Record(ctx, ev))

	history, err := audit.History(ctx, bookingID.String())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.EventBookingConfirmed, history[0].Action)
	assert.Equal(t, "BK12AB34CD", history[0].Data["code"])
}
