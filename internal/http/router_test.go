package http_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/cinema-booking-engine/internal/adapters/redis"
	"github.com/robertarktes/cinema-booking-engine/internal/booking"
	"github.com/robertarktes/cinema-booking-engine/internal/cart"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	apihttp "github.com/robertarktes/cinema-booking-engine/internal/http"
	"github.com/robertarktes/cinema-booking-engine/internal/idempotency"
	"github.com/robertarktes/cinema-booking-engine/internal/inventory"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
	"github.com/robertarktes/cinema-booking-engine/internal/pricing/pricingtest"
	"github.com/robertarktes/cinema-booking-engine/internal/rateLimit"
	"github.com/robertarktes/cinema-booking-engine/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

type api struct {
	t        *testing.T
	srv      *httptest.Server
	key      *rsa.PrivateKey
	user     uuid.UUID
	showtime uuid.UUID
	seats    []domain.Seat
}

func newAPI(t *testing.T, perUser int) *api {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return time.Date(2026, 8, 3, 18, 0, 0, 0, time.UTC) }
	logger := observability.NewNopLogger()

	st := memstore.New()
	ledger := inventory.NewLedger(st, logger, 10*time.Minute, inventory.WithClock(now))
	catalog := pricingtest.NewCatalog()
	showtime := domain.Showtime{
		ID:        uuid.New(),
		StartsAt:  now().Add(24 * time.Hour),
		BasePrice: decimal.RequireFromString("10.00"),
		Active:    true,
	}
	catalog.PutShowtime(showtime)
	catalog.PutMerchandise(domain.MerchandiseItem{SKU: "mug", Name: "Mug", Price: decimal.RequireFromString("8.50"), Active: true})
	seats, err := ledger.LoadSeats(ctx, showtime.ID, domain.SeatLayout{Rows: []string{"A"}, SeatsPerRow: 4})
	require.NoError(t, err)
	require.NoError(t, ledger.SetStock(ctx, "mug", 3))

	bookings := booking.NewService(st, ledger, catalog, logger, 2*time.Hour, booking.WithClock(now))
	carts := cart.NewService(st, catalog, logger, 15*time.Minute, cart.WithClock(now))
	coord := payment.NewCoordinator(st, payment.NewFakeGateway(), bookings, carts, logger, "usd", payment.WithClock(now))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(client), time.Hour)
	rl := rateLimit.NewRateLimiter(redisadapter.NewCache(client))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	h := apihttp.NewHandlers(ledger, bookings, carts, coord, webhookSecret, nil)
	router := apihttp.SetupRouter(h, logger, rl, idemp, apihttp.RouterConfig{
		JWTKey:        &key.PublicKey,
		RateLimitUser: perUser,
		RateLimitIP:   1000,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &api{t: t, srv: srv, key: key, user: uuid.New(), showtime: showtime.ID, seats: seats}
}

func (a *api) token(sub uuid.UUID, role string) string {
	claims := apihttp.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	require.NoError(a.t, err)
	return signed
}

type call struct {
	method string
	path   string
	body   any
	token  string
	idemp  string
	header map[string]string
}

func (a *api) do(c call) (*http.Response, map[string]any) {
	a.t.Helper()
	var body []byte
	switch b := c.body.(type) {
	case nil:
	case []byte:
		body = b
	default:
		var err error
		body, err = json.Marshal(b)
		require.NoError(a.t, err)
	}
	req, err := http.NewRequest(c.method, a.srv.URL+c.path, bytes.NewReader(body))
	require.NoError(a.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.idemp != "" {
		req.Header.Set("Idempotency-Key", c.idemp)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (a *api) createBooking(tok string, seats ...int) (*http.Response, map[string]any) {
	ids := make([]string, len(seats))
	for i, n := range seats {
		ids[i] = a.seats[n].ID.String()
	}
	return a.do(call{
		method: http.MethodPost,
		path:   "/v1/bookings",
		token:  tok,
		idemp:  uuid.NewString(),
		body:   map[string]any{"showtime_id": a.showtime, "seat_ids": ids},
	})
}

func TestBookingPaymentFlow(t *testing.T) {
	a := newAPI(t, 100)
	tok := a.token(a.user, "")

	key := uuid.NewString()
	bookReq := call{
		method: http.MethodPost,
		path:   "/v1/bookings",
		token:  tok,
		idemp:  key,
		body: map[string]any{
			"showtime_id": a.showtime,
			"seat_ids":    []string{a.seats[0].ID.String(), a.seats[1].ID.String()},
			"merchandise": []map[string]any{{"sku": "mug", "quantity": 1}},
		},
	}
	resp, booked := a.do(bookReq)
	require.Equal(t, http.StatusCreated, resp.StatusCode, booked)
	assert.Equal(t, "PENDING_PAYMENT", booked["status"])
	assert.Equal(t, "28.5", booked["total_amount"])

	resp, replay := a.do(bookReq)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, booked["id"], replay["id"])

	resp, pay := a.do(call{
		method: http.MethodPost,
		path:   "/v1/payments",
		token:  tok,
		idemp:  uuid.NewString(),
		body:   map[string]any{"owner_type": "BOOKING", "owner_id": booked["id"], "amount": "28.50"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, pay)
	assert.Equal(t, "CREATED", pay["status"])

	resp, pay = a.do(call{method: http.MethodPost, path: "/v1/payments/" + pay["id"].(string) + "/initiate", token: tok, idemp: uuid.NewString()})
	require.Equal(t, http.StatusOK, resp.StatusCode, pay)
	assert.Equal(t, "PROCESSING", pay["status"])

	note, err := json.Marshal(payment.Notification{PaymentID: uuid.MustParse(pay["id"].(string)), Status: "succeeded", TransactionID: "txn_1"})
	require.NoError(t, err)
	webhook := call{
		method: http.MethodPost,
		path:   "/v1/payments/webhook",
		body:   note,
		header: map[string]string{"X-Signature": apihttp.Sign([]byte(webhookSecret), note)},
	}
	resp, settled := a.do(webhook)
	require.Equal(t, http.StatusOK, resp.StatusCode, settled)
	assert.Equal(t, "SUCCEEDED", settled["status"])

	resp, again := a.do(webhook)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCEEDED", again["status"])

	resp, again = a.do(call{method: http.MethodPost, path: "/v1/payments/" + pay["id"].(string) + "/initiate", token: tok, idemp: uuid.NewString()})
	require.Equal(t, http.StatusOK, resp.StatusCode, again)
	assert.Equal(t, "SUCCEEDED", again["status"], "initiating a settled payment is a no-op")

	resp, got := a.do(call{method: http.MethodGet, path: "/v1/bookings/" + booked["id"].(string), token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", got["status"])

	resp, seatMap := a.do(call{method: http.MethodGet, path: "/v1/showtimes/" + a.showtime.String() + "/seats", token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seats := seatMap["seats"].([]any)
	require.Len(t, seats, 4)
	assert.Equal(t, "BOOKED", seats[0].(map[string]any)["status"])
	assert.Equal(t, "AVAILABLE", seats[2].(map[string]any)["status"])
}

func TestCreateBooking_SeatTaken(t *testing.T) {
	a := newAPI(t, 100)

	resp, _ := a.createBooking(a.token(a.user, ""), 0, 1)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := a.createBooking(a.token(uuid.New(), ""), 1, 2)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "seat_unavailable", body["error"])
}

func TestCreateBooking_Validation(t *testing.T) {
	a := newAPI(t, 100)
	tok := a.token(a.user, "")

	resp, body := a.createBooking(tok)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["error"])

	resp, _ = a.do(call{method: http.MethodPost, path: "/v1/bookings", token: tok, body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(call{method: http.MethodPost, path: "/v1/bookings", token: tok, idemp: "short", body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	a := newAPI(t, 100)

	resp, _ := a.do(call{method: http.MethodGet, path: "/v1/bookings"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, apihttp.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: a.user.String(), ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(other)
	require.NoError(t, err)
	resp, _ = a.do(call{method: http.MethodGet, path: "/v1/bookings", token: forged})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	layout := map[string]any{"rows": []string{"B"}, "seats_per_row": 2}
	path := "/v1/showtimes/" + uuid.NewString() + "/seats"
	resp, body := a.do(call{method: http.MethodPost, path: path, token: a.token(a.user, ""), idemp: uuid.NewString(), body: layout})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])

	resp, body = a.do(call{method: http.MethodPost, path: path, token: a.token(a.user, "admin"), idemp: uuid.NewString(), body: layout})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, body["seats"], 2)
}

func TestBookingIsPrivate(t *testing.T) {
	a := newAPI(t, 100)
	resp, booked := a.createBooking(a.token(a.user, ""), 0)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = a.do(call{method: http.MethodGet, path: "/v1/bookings/" + booked["id"].(string), token: a.token(uuid.New(), "")})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, got := a.do(call{method: http.MethodGet, path: "/v1/bookings/code/" + booked["code"].(string), token: a.token(a.user, "")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, booked["id"], got["id"])
}

func TestCartCheckout(t *testing.T) {
	a := newAPI(t, 100)
	tok := a.token(a.user, "")

	resp, body := a.do(call{method: http.MethodPost, path: "/v1/cart/checkout", token: tok, idemp: uuid.NewString()})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "empty_cart", body["error"])

	resp, cartBody := a.do(call{method: http.MethodPost, path: "/v1/cart/items", token: tok, idemp: uuid.NewString(), body: map[string]any{"sku": "mug", "quantity": 2}})
	require.Equal(t, http.StatusOK, resp.StatusCode, cartBody)
	assert.Len(t, cartBody["lines"], 1)

	resp, order := a.do(call{method: http.MethodPost, path: "/v1/cart/checkout", token: tok, idemp: uuid.NewString()})
	require.Equal(t, http.StatusCreated, resp.StatusCode, order)
	assert.Equal(t, "PENDING_PAYMENT", order["status"])
	assert.Equal(t, "17", order["total_amount"])

	resp, cartBody = a.do(call{method: http.MethodGet, path: "/v1/cart", token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, cartBody["lines"])

	resp, stock := a.do(call{method: http.MethodGet, path: "/v1/stock/mug", token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, stock["quantity"])

	resp, list := a.do(call{method: http.MethodGet, path: "/v1/orders", token: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["orders"], 1)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	a := newAPI(t, 100)
	note := []byte(`{"payment_id":"` + uuid.NewString() + `","status":"succeeded"}`)

	resp, _ := a.do(call{method: http.MethodPost, path: "/v1/payments/webhook", body: note, header: map[string]string{"X-Signature": "sha256=00"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(call{method: http.MethodPost, path: "/v1/payments/webhook", body: note, header: map[string]string{"X-Signature": apihttp.Sign([]byte("other"), note)}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(call{method: http.MethodPost, path: "/v1/payments/webhook", body: note, header: map[string]string{"X-Signature": apihttp.Sign([]byte(webhookSecret), note)}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	a := newAPI(t, 2)
	tok := a.token(a.user, "")

	for i := 0; i < 2; i++ {
		resp, _ := a.do(call{method: http.MethodGet, path: "/v1/cart", token: tok})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := a.do(call{method: http.MethodGet, path: "/v1/cart", token: tok})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])

	resp, _ = a.do(call{method: http.MethodGet, path: "/v1/cart", token: a.token(uuid.New(), "")})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
