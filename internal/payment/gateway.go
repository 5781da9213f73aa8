package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrPending is returned by Gateway.Confirm while the external network has
// not decided yet.
var ErrPending = errors.New("payment still pending at gateway")

type IntentRequest struct {
	PaymentID uuid.UUID
	Amount    decimal.Decimal
	Currency  string
	Method    domain.PaymentMethod
}

type Intent struct {
	ID           string
	ClientSecret string
}

// Gateway is the only path to the external payment network.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Confirm(ctx context.Context, clientSecret string) (domain.ExternalResult, error)
	// Refund returns amount for transactionID. Repeating a refund of the same
	// transaction is a no-op at the gateway.
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) error
}

// FakeGateway approves every payment unless told otherwise. It backs local
// runs without a gateway and the tests.
type FakeGateway struct {
	mu       sync.Mutex
	intents  map[string]IntentRequest
	outcomes map[string]domain.ExternalResult
	pending  map[string]bool
	refunds  map[string]decimal.Decimal
	failNext error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		intents:  map[string]IntentRequest{},
		outcomes: map[string]domain.ExternalResult{},
		pending:  map[string]bool{},
		refunds:  map[string]decimal.Decimal{},
	}
}

func (g *FakeGateway) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return Intent{}, err
	}
	id := "pi_" + strings.ReplaceAll(req.PaymentID.String(), "-", "")
	secret := fmt.Sprintf("%s_secret_%s", id, uuid.NewString()[:8])
	g.intents[secret] = req
	return Intent{ID: id, ClientSecret: secret}, nil
}

func (g *FakeGateway) Confirm(_ context.Context, clientSecret string) (domain.ExternalResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return domain.ExternalResult{}, err
	}
	req, ok := g.intents[clientSecret]
	if !ok {
		return domain.ExternalResult{}, errors.Wrap(domain.ErrTransactionNotFound, "unknown client secret")
	}
	if g.pending[clientSecret] {
		return domain.ExternalResult{}, ErrPending
	}
	if res, ok := g.outcomes[clientSecret]; ok {
		return res, nil
	}
	return domain.ExternalResult{Succeeded: true, TransactionID: "txn_" + req.PaymentID.String()[:8]}, nil
}

func (g *FakeGateway) Refund(_ context.Context, transactionID string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return err
	}
	if _, done := g.refunds[transactionID]; !done {
		g.refunds[transactionID] = amount
	}
	return nil
}

// Decline makes Confirm report a declined payment for clientSecret.
func (g *FakeGateway) Decline(clientSecret, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, clientSecret)
	g.outcomes[clientSecret] = domain.ExternalResult{Succeeded: false, Reason: reason}
}

// Hold makes Confirm report ErrPending for clientSecret.
func (g *FakeGateway) Hold(clientSecret string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[clientSecret] = true
}

// FailNext makes the next call of any method return err.
func (g *FakeGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

func (g *FakeGateway) Refunded(transactionID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds[transactionID]
}

func (g *FakeGateway) takeFailure() error {
	err := g.failNext
	g.failNext = nil
	return err
}
