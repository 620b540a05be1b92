// Command coupon-ingest bulk-loads coupon codes for one discount from
// gzip-compressed code list files (one code per line). Files are streamed
// concurrently; a bloom filter prefilters duplicates before the exact
// in-memory set check so very large lists stay cheap.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promo-engine/internal/repository"
)

const (
	bloomCapacity = 50_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	minCodeLen    = 4
	maxCodeLen    = 64
	insertBatch   = 1_000
)

const insertCouponSQL = `INSERT INTO coupons (discount_id, code, max_uses)
	VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

func main() {
	var (
		databaseURL string
		discountID  int64
		maxUses     int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Int64Var(&discountID, "discount-id", 0, "discount the coupons belong to")
	flag.IntVar(&maxUses, "max-uses", 0, "per-coupon use limit (0 = unlimited)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if discountID <= 0 {
		slog.Error("--discount-id is required")
		os.Exit(1)
	}
	files := flag.Args()
	if len(files) == 0 {
		slog.Error("at least one code list file is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, discountID, maxUses, files); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, databaseURL string, discountID int64, maxUses int, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	codes, err := collectCodes(ctx, files)
	if err != nil {
		return errors.Wrap(err, "collect codes")
	}
	slog.Info("unique codes collected", slog.Int("count", len(codes)))
	if len(codes) == 0 {
		return nil
	}

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	return writeCoupons(ctx, pool, discountID, maxUses, codes)
}

// collectCodes streams every file concurrently and merges the deduplicated
// codes. The bloom filter answers "definitely new" without touching the
// shared set; only probable duplicates take the mutex on the slow path.
func collectCodes(ctx context.Context, files []string) ([]string, error) {
	var (
		mu     sync.Mutex
		filter = bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		seen   = make(map[string]struct{})
		codes  []string
	)

	add := func(code string) {
		mu.Lock()
		defer mu.Unlock()
		if filter.TestString(code) {
			if _, dup := seen[code]; dup {
				return
			}
		}
		filter.AddString(code)
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(scanFile(ctx, i, f, add))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return codes, nil
}

func scanFile(ctx context.Context, idx int, path string, add func(code string)) func() error {
	return func() error {
		var count uint64
		if err := streamGzFile(ctx, path, func(line string) {
			code := strings.ToUpper(strings.TrimSpace(line))
			if len(code) < minCodeLen || len(code) > maxCodeLen {
				return
			}
			add(code)
			count++
			if count%progressEvery == 0 {
				slog.Info("scan progress", slog.Int("file", idx+1), slog.Uint64("codes", count))
			}
		}); err != nil {
			return errors.Wrapf(err, "scan file %d", idx+1)
		}

		slog.Info("scan complete", slog.Int("file", idx+1), slog.Uint64("total_codes", count))
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// writeCoupons inserts codes in batched transactions, skipping codes that
// already exist.
func writeCoupons(ctx context.Context, pool *pgxpool.Pool, discountID int64, maxUses int, codes []string) error {
	slog.Info("writing coupons to database", slog.Int("count", len(codes)))

	var uses *int
	if maxUses > 0 {
		uses = &maxUses
	}

	for start := 0; start < len(codes); start += insertBatch {
		end := min(start+insertBatch, len(codes))

		batch := &pgx.Batch{}
		for _, code := range codes[start:end] {
			batch.Queue(insertCouponSQL, discountID, code, uses)
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "send coupon batch")
		}
		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(codes)))
	}

	return nil
}
