//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-payments/internal/domain/auth"
	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "payments",
				"POSTGRES_PASSWORD": "payments",
				"POSTGRES_DB":       "payments",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = ctr.Terminate(context.Background()) }()

	host, err := ctr.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: %v\n", err)
		return 1
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapped port: %v\n", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://payments:payments@%s:%s/payments?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		return 1
	}
	// Migrations are idempotent.
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "migrations rerun: %v\n", err)
		return 1
	}

	return m.Run()
}

func record(orderNumber, shipment string, op payment.Operation, result payment.Status, amount string) *payment.Record {
	return &payment.Record{
		OrderNumber:   orderNumber,
		OrderShipment: shipment,
		Operation:     op,
		Amount:        decimal.RequireFromString(amount),
		TaxAmount:     decimal.Zero,
		Currency:      "USD",
		Result:        result,
		GatewayLabel:  "courierPaymentGateway",
		ShopCode:      "SHOP",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestLedgerRepository_AppendAndFind(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewLedgerRepository(pool)

	require.NoError(t, repo.Append(ctx, record("L-1", "D-1", payment.OpAuth, payment.StatusOK, "50.00")))
	require.NoError(t, repo.Append(ctx, record("L-1", "D-2", payment.OpAuth, payment.StatusFailed, "100.00")))
	require.NoError(t, repo.Append(ctx, record("L-1", "D-1", payment.OpCapture, payment.StatusOK, "50.00")))

	t.Run("whole order in append order", func(t *testing.T) {
		got, err := repo.Find(ctx, payment.Query{OrderNumber: "L-1"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, payment.OpAuth, got[0].Operation)
		assert.Equal(t, "D-2", got[1].OrderShipment)
		assert.Equal(t, payment.OpCapture, got[2].Operation)
		assert.NotEmpty(t, got[0].ID)
		assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("50")))
	})

	t.Run("filters", func(t *testing.T) {
		got, err := repo.Find(ctx, payment.Query{
			OrderNumber: "L-1",
			Shipment:    "D-1",
			Results:     []payment.Status{payment.StatusOK},
			Operations:  []payment.Operation{payment.OpAuth},
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "D-1", got[0].OrderShipment)
	})

	t.Run("unknown order", func(t *testing.T) {
		got, err := repo.Find(ctx, payment.Query{OrderNumber: "missing"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestLedgerRepository_DuplicateAuthorization(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewLedgerRepository(pool)

	require.NoError(t, repo.Append(ctx, record("L-2", "D-1", payment.OpAuth, payment.StatusOK, "10.00")))
	err := repo.Append(ctx, record("L-2", "D-1", payment.OpAuth, payment.StatusOK, "10.00"))
	assert.ErrorIs(t, err, payment.ErrDuplicateRecord)

	// Failed attempts and captures are not restricted.
	require.NoError(t, repo.Append(ctx, record("L-2", "D-1", payment.OpAuth, payment.StatusFailed, "10.00")))
	require.NoError(t, repo.Append(ctx, record("L-2", "D-1", payment.OpCapture, payment.StatusOK, "10.00")))
	require.NoError(t, repo.Append(ctx, record("L-2", "D-1", payment.OpCapture, payment.StatusOK, "10.00")))
}

func TestLedgerRepository_AppendOnly(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewLedgerRepository(pool)
	require.NoError(t, repo.Append(ctx, record("L-3", "L-3", payment.OpAuth, payment.StatusOK, "1.00")))

	_, err := pool.Exec(ctx, `UPDATE payment_records SET result = 'FAILED' WHERE order_number = 'L-3'`)
	assert.ErrorContains(t, err, "append-only")

	_, err = pool.Exec(ctx, `DELETE FROM payment_records WHERE order_number = 'L-3'`)
	assert.ErrorContains(t, err, "append-only")
}

func TestLedgerRepository_SumRemainingCaptured(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewLedgerRepository(pool)

	for _, r := range []*payment.Record{
		record("L-4", "D-1", payment.OpCapture, payment.StatusOK, "50.00"),
		record("L-4", "D-2", payment.OpAuthCapture, payment.StatusOK, "100.00"),
		record("L-4", "D-2", payment.OpRefund, payment.StatusOK, "30.00"),
		record("L-4", "D-1", payment.OpVoidCapture, payment.StatusFailed, "50.00"),
		record("L-4", "D-1", payment.OpCapture, payment.StatusProcessing, "5.00"),
	} {
		require.NoError(t, repo.Append(ctx, r))
	}

	sum, err := repo.SumRemainingCaptured(ctx, "L-4")
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("120")), sum.String())

	require.NoError(t, repo.Append(ctx, record("L-4", "D-2", payment.OpRefund, payment.StatusOK, "500.00")))
	sum, err = repo.SumRemainingCaptured(ctx, "L-4")
	require.NoError(t, err)
	assert.True(t, sum.IsZero(), sum.String())

	sum, err = repo.SumRemainingCaptured(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestLedgerRepository_UnsettledCaptures(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewLedgerRepository(pool)

	settled := record("L-5", "D-1", payment.OpCapture, payment.StatusOK, "10.00")
	settled.BatchSettlement = true
	require.NoError(t, repo.Append(ctx, settled))
	unsettled := record("L-5", "D-2", payment.OpCapture, payment.StatusOK, "20.00")
	unsettled.TransactionReferenceID = "ref-l5"
	require.NoError(t, repo.Append(ctx, unsettled))

	var refs []string
	err := repo.UnsettledCaptures(ctx, time.Now().Add(time.Minute), func(r payment.Record) error {
		if r.OrderNumber == "L-5" {
			refs = append(refs, r.TransactionReferenceID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ref-l5"}, refs)
}

func TestOrderRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	o := &order.Order{
		Number:     "O-PG-1",
		ShopCode:   "SHOP",
		Status:     order.StatusWaitingPayment,
		Currency:   "USD",
		Locale:     "en_US",
		Email:      "buyer@example.com",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Total:      decimal.RequireFromString("150.00"),
		TotalTax:   decimal.RequireFromString("25.00"),
		GrossPrice: decimal.RequireFromString("140.00"),
		Lines: []order.Line{
			{SKU: "A", Name: "Alpha", Quantity: decimal.NewFromInt(1), GrossPrice: decimal.RequireFromString("40.00"), NetPrice: decimal.RequireFromString("33.00")},
			{SKU: "B", Name: "Beta", Quantity: decimal.NewFromInt(2), GrossPrice: decimal.RequireFromString("50.00"), NetPrice: decimal.RequireFromString("41.00")},
		},
		Deliveries: []order.Delivery{
			{
				Number:     "D-1",
				CarrierSLA: &order.CarrierSLA{ID: "STD", Name: "Standard"},
				GrossPrice: decimal.RequireFromString("10.00"),
				NetPrice:   decimal.RequireFromString("8.00"),
				Lines: []order.Line{
					{SKU: "A", Name: "Alpha", Quantity: decimal.NewFromInt(1), GrossPrice: decimal.RequireFromString("40.00"), NetPrice: decimal.RequireFromString("33.00")},
				},
			},
			{
				Number: "D-2",
				Lines: []order.Line{
					{SKU: "B", Name: "Beta", Quantity: decimal.NewFromInt(2), GrossPrice: decimal.RequireFromString("50.00"), NetPrice: decimal.RequireFromString("41.00")},
				},
			},
		},
		BillingAddress: &order.Address{FirstName: "Ada", LastName: "Lovelace", City: "London", CountryCode: "GB"},
	}
	require.NoError(t, repo.Save(ctx, o))
	// Saving again replaces the snapshot.
	require.NoError(t, repo.Save(ctx, o))

	got, err := repo.GetByNumber(ctx, "O-PG-1")
	require.NoError(t, err)

	assert.Equal(t, o.Status, got.Status)
	assert.True(t, o.Total.Equal(got.Total))
	assert.True(t, o.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Lines, 2)
	require.Len(t, got.Deliveries, 2)
	assert.Equal(t, "D-1", got.Deliveries[0].Number)
	require.NotNil(t, got.Deliveries[0].CarrierSLA)
	assert.Equal(t, "Standard", got.Deliveries[0].CarrierSLA.Name)
	assert.Nil(t, got.Deliveries[1].CarrierSLA)
	require.Len(t, got.Deliveries[1].Lines, 1)
	assert.True(t, got.Deliveries[1].Lines[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, o.BillingAddress, got.BillingAddress)
	assert.Nil(t, got.ShippingAddress)

	_, err = repo.GetByNumber(ctx, "missing")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewAPIKeyRepository(pool)

	key := &auth.APIKeyInfo{ID: "ops", KeyHash: "hash-1", Name: "Ops", Scopes: []string{auth.ScopePaymentsRead}}
	require.NoError(t, repo.Save(ctx, key))

	got, err := repo.FindByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = repo.FindByHash(ctx, "nope")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}
