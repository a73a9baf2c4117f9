// Command seed-db loads demo orders and an API key into the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/auth"
	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/handler"
	"github.com/xenking/kart-payments/internal/storage/postgres"
)

type lineJSON struct {
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Quantity   decimal.Decimal `json:"quantity"`
	GrossPrice decimal.Decimal `json:"gross_price"`
	NetPrice   decimal.Decimal `json:"net_price"`
}

type deliveryJSON struct {
	Number     string          `json:"number"`
	SLAID      string          `json:"sla_id"`
	SLAName    string          `json:"sla_name"`
	GrossPrice decimal.Decimal `json:"gross_price"`
	NetPrice   decimal.Decimal `json:"net_price"`
	Lines      []lineJSON      `json:"lines"`
}

type orderJSON struct {
	Number          string          `json:"number"`
	ShopCode        string          `json:"shop_code"`
	Status          string          `json:"status"`
	Currency        string          `json:"currency"`
	Locale          string          `json:"locale"`
	Email           string          `json:"email"`
	Total           decimal.Decimal `json:"total"`
	TotalTax        decimal.Decimal `json:"total_tax"`
	GrossPrice      decimal.Decimal `json:"gross_price"`
	PromoApplied    bool            `json:"promo_applied"`
	Lines           []lineJSON      `json:"lines"`
	Deliveries      []deliveryJSON  `json:"deliveries"`
	BillingAddress  *order.Address  `json:"billing_address"`
	ShippingAddress *order.Address  `json:"shipping_address"`
}

func main() {
	var (
		databaseURL  string
		ordersFile   string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&ordersFile, "orders-file", "db/seed/orders.json", "path to orders JSON file")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or PAYMENTS_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PAYMENTS_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("PAYMENTS_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or PAYMENTS_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PAYMENTS_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, ordersFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, ordersFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	orders, err := readOrders(ordersFile)
	if err != nil {
		return errors.Wrap(err, "read orders")
	}

	repo := postgres.NewOrderRepository(pool)
	for _, o := range orders {
		if err := repo.Save(ctx, o); err != nil {
			return errors.Wrapf(err, "save order %s", o.Number)
		}
		slog.Info("upserted order",
			slog.String("number", o.Number),
			slog.Int("deliveries", len(o.Deliveries)),
			slog.String("total", o.Total.StringFixed(2)),
		)
	}

	key := &auth.APIKeyInfo{
		ID:      "default",
		KeyHash: handler.HashAPIKey(apiKey, []byte(pepper)),
		Name:    "Default back-office key",
		Scopes:  []string{auth.ScopePaymentsRead, auth.ScopePaymentsWrite},
	}
	if err := postgres.NewAPIKeyRepository(pool).Save(ctx, key); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}
	slog.Info("upserted API key", slog.String("id", key.ID), slog.String("name", key.Name))

	return nil
}

func readOrders(path string) ([]*order.Order, error) {
	slog.Info("reading orders file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read orders file")
	}

	var raw []orderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse orders JSON")
	}

	orders := make([]*order.Order, 0, len(raw))
	for _, r := range raw {
		o := &order.Order{
			Number:          r.Number,
			ShopCode:        r.ShopCode,
			Status:          order.Status(r.Status),
			Currency:        r.Currency,
			Locale:          r.Locale,
			Email:           r.Email,
			CreatedAt:       time.Now().UTC(),
			Total:           r.Total,
			TotalTax:        r.TotalTax,
			GrossPrice:      r.GrossPrice,
			PromoApplied:    r.PromoApplied,
			Lines:           toLines(r.Lines),
			BillingAddress:  r.BillingAddress,
			ShippingAddress: r.ShippingAddress,
		}
		for _, d := range r.Deliveries {
			delivery := order.Delivery{
				Number:     d.Number,
				GrossPrice: d.GrossPrice,
				NetPrice:   d.NetPrice,
				Lines:      toLines(d.Lines),
			}
			if d.SLAID != "" {
				delivery.CarrierSLA = &order.CarrierSLA{ID: d.SLAID, Name: d.SLAName}
			}
			o.Deliveries = append(o.Deliveries, delivery)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func toLines(in []lineJSON) []order.Line {
	out := make([]order.Line, 0, len(in))
	for _, l := range in {
		out = append(out, order.Line(l))
	}
	return out
}
