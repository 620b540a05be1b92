// Command seed-db applies the schema and loads development fixtures: a
// catalog mirror from a JSON file, category relations, a couple of sample
// discounts, and an admin API key.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/repository"
)

type purchasableJSON struct {
	ID                int64           `json:"id"`
	SKU               string          `json:"sku"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	SalePrice         *decimal.Decimal `json:"salePrice,omitempty"`
	Promotable        bool            `json:"promotable"`
	PromotionSourceID int64           `json:"promotionSourceId"`
	CategoryIDs       []int64         `json:"categoryIds,omitempty"`
}

const upsertPurchasableSQL = `INSERT INTO purchasables
		(id, sku, name, price, sale_price, is_promotable, promotion_source_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price,
		sale_price = EXCLUDED.sale_price, is_promotable = EXCLUDED.is_promotable,
		promotion_source_id = EXCLUDED.promotion_source_id`

const upsertCategoryRelationSQL = `INSERT INTO purchasable_categories
		(relationship_type, source_id, category_id)
	VALUES ('element', $1, $2) ON CONFLICT DO NOTHING`

const getDiscountByNameSQL = `SELECT id FROM discounts WHERE name = $1`

const insertDiscountSQL = `INSERT INTO discounts
		(name, description, enabled, all_purchasables, all_categories,
		 percent_discount, base_discount_type, sort_order)
	VALUES ($1, $2, TRUE, TRUE, TRUE, $3, 'percent', $4)
	RETURNING id`

const upsertCouponSQL = `INSERT INTO coupons (discount_id, code, max_uses)
	VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

const upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, name, scopes, active)
	VALUES ($1, $2, $3, $4, TRUE)
	ON CONFLICT (id) DO UPDATE SET
		key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
		scopes = EXCLUDED.scopes, active = TRUE`

func main() {
	var (
		databaseURL      string
		purchasablesFile string
		apiKey           string
		apiKeyPepper     string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&purchasablesFile, "purchasables-file", "db/seed/purchasables.json", "path to purchasables JSON file")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or PROMO_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("PROMO_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or PROMO_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PROMO_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, purchasablesFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, purchasablesFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedPurchasables(ctx, pool, purchasablesFile); err != nil {
		return errors.Wrap(err, "seed purchasables")
	}

	if err := seedDiscounts(ctx, pool); err != nil {
		return errors.Wrap(err, "seed discounts")
	}

	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedPurchasables(ctx context.Context, pool *pgxpool.Pool, purchasablesFile string) error {
	slog.Info("reading purchasables file", slog.String("path", purchasablesFile))

	data, err := os.ReadFile(purchasablesFile)
	if err != nil {
		return errors.Wrap(err, "read purchasables file")
	}

	var purchasables []purchasableJSON
	if err := json.Unmarshal(data, &purchasables); err != nil {
		return errors.Wrap(err, "parse purchasables JSON")
	}

	slog.Info("upserting purchasables", slog.Int("count", len(purchasables)))

	for _, p := range purchasables {
		if _, err := pool.Exec(ctx, upsertPurchasableSQL,
			p.ID, p.SKU, p.Name, p.Price, p.SalePrice, p.Promotable, p.PromotionSourceID,
		); err != nil {
			return errors.Wrapf(err, "upsert purchasable %s", p.SKU)
		}
		for _, categoryID := range p.CategoryIDs {
			if _, err := pool.Exec(ctx, upsertCategoryRelationSQL, p.PromotionSourceID, categoryID); err != nil {
				return errors.Wrapf(err, "relate purchasable %s to category %d", p.SKU, categoryID)
			}
		}

		slog.Info("upserted purchasable", slog.Int64("id", p.ID), slog.String("sku", p.SKU))
	}

	return nil
}

func seedDiscounts(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding sample discounts")

	samples := []struct {
		name        string
		description string
		percent     decimal.Decimal
		couponCode  string
	}{
		{"Happy Hours", "18% off the whole order", decimal.NewFromInt(18), "HAPPYHOURS"},
		{"Welcome", "10% off for new customers", decimal.NewFromInt(10), "WELCOME10"},
	}

	for i, s := range samples {
		var discountID int64
		err := pool.QueryRow(ctx, getDiscountByNameSQL, s.name).Scan(&discountID)
		if errors.Is(err, pgx.ErrNoRows) {
			err = pool.QueryRow(ctx, insertDiscountSQL, s.name, s.description, s.percent, i+1).Scan(&discountID)
		}
		if err != nil {
			return errors.Wrapf(err, "insert discount %s", s.name)
		}
		if _, err := pool.Exec(ctx, upsertCouponSQL, discountID, s.couponCode, nil); err != nil {
			return errors.Wrapf(err, "insert coupon %s", s.couponCode)
		}

		slog.Info("seeded discount", slog.String("name", s.name), slog.String("coupon", s.couponCode))
	}

	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(apiKey))
	keyHash := hex.EncodeToString(mac.Sum(nil))

	if _, err := pool.Exec(ctx, upsertAPIKeySQL,
		"default", keyHash, "Default admin key", []string{"admin"},
	); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"), slog.String("name", "Default admin key"))

	return nil
}
