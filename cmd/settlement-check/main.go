// Command settlement-check finds captures the ledger still considers
// unsettled although an acquirer settlement report lists them.
//
// Such captures can no longer be voided. The command logs every one that is
// still open so operators cancel the order with a forced REFUND.
//
// Reports are gzip files with one transaction reference per line; anything
// after the first comma is ignored.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
)

func main() {
	var (
		reports       string
		databaseURL   string
		olderThan     time.Duration
		bloomCapacity uint
	)

	flag.StringVar(&reports, "reports", "reports/*.gz", "glob of gzipped settlement reports")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.DurationVar(&olderThan, "older-than", time.Hour, "only check captures created at least this long ago")
	flag.UintVar(&bloomCapacity, "bloom-capacity", 10_000_000, "expected references per report")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	files, err := filepath.Glob(reports)
	if err != nil {
		slog.Error("invalid reports glob", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(ctx, files, databaseURL, time.Now().Add(-olderThan), bloomCapacity); err != nil {
		slog.Error("settlement check failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("settlement check completed")
}

func run(ctx context.Context, files []string, databaseURL string, cutoff time.Time, capacity uint) error {
	if len(files) == 0 {
		return errors.New("no settlement reports found")
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	ledger := postgres.NewLedgerRepository(pool)
	mismatches, err := check(ctx, files, ledger, payment.NewReconciler(ledger), cutoff, capacity)
	if err != nil {
		return err
	}

	for _, r := range mismatches {
		slog.Warn("settled capture recorded as unsettled, cancel with a forced REFUND",
			slog.String("order", r.OrderNumber),
			slog.String("shipment", r.OrderShipment),
			slog.String("reference", r.TransactionReferenceID),
			slog.String("amount", r.Amount.StringFixed(payment.MoneyScale)),
			slog.Time("captured_at", r.CreatedAt),
		)
	}
	slog.Info("settlement check summary", slog.Int("mismatches", len(mismatches)))
	return nil
}

// captureSource streams candidate captures.
type captureSource interface {
	UnsettledCaptures(ctx context.Context, cutoff time.Time, fn func(payment.Record) error) error
}

// openCaptures is implemented by *payment.Reconciler.
type openCaptures interface {
	OpenCaptures(ctx context.Context, orderNumber, shipment string) ([]payment.Record, error)
}

// check returns the unsettled captures whose reference appears in a report
// and that are still open.
//
// Pass 1 builds one bloom filter per report concurrently and keeps the
// ledger captures that may be listed. Pass 2 rescans the reports for exact
// matches of those candidates only.
func check(
	ctx context.Context,
	files []string,
	captures captureSource,
	reconciler openCaptures,
	cutoff time.Time,
	capacity uint,
) ([]payment.Record, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := buildBloomFilters(ctx, files, capacity)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	candidates := make(map[string][]payment.Record)
	var scanned int
	err = captures.UnsettledCaptures(ctx, cutoff, func(r payment.Record) error {
		scanned++
		if r.TransactionReferenceID == "" {
			return nil
		}
		for _, f := range filters {
			if f.TestString(r.TransactionReferenceID) {
				candidates[r.TransactionReferenceID] = append(candidates[r.TransactionReferenceID], r)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan unsettled captures")
	}
	slog.Info("pass 1 complete",
		slog.Int("unsettled_captures", scanned),
		slog.Int("candidates", len(candidates)),
	)
	if len(candidates) == 0 {
		return nil, nil
	}

	slog.Info("pass 2: confirming candidates")
	settled, err := confirm(ctx, files, candidates)
	if err != nil {
		return nil, errors.Wrap(err, "confirm candidates")
	}

	var out []payment.Record
	checked := make(map[[2]string]bool)
	for _, ref := range slices.Sorted(maps.Keys(settled)) {
		for _, r := range candidates[ref] {
			scope := [2]string{r.OrderNumber, r.OrderShipment}
			if checked[scope] {
				continue
			}
			checked[scope] = true

			open, err := reconciler.OpenCaptures(ctx, r.OrderNumber, r.OrderShipment)
			if err != nil {
				return nil, errors.Wrapf(err, "open captures of order %s", r.OrderNumber)
			}
			for _, o := range open {
				if _, ok := settled[o.TransactionReferenceID]; ok && !o.BatchSettlement {
					out = append(out, o)
				}
			}
		}
	}
	return out, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64
			if err := streamReport(ctx, path, func(ref string) {
				filter.AddString(ref)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("references", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// confirm rescans every report and returns the set of candidate references
// that are actually listed.
func confirm(ctx context.Context, files []string, candidates map[string][]payment.Record) (map[string]struct{}, error) {
	found := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			hits := make(map[string]struct{})
			if err := streamReport(ctx, path, func(ref string) {
				if _, ok := candidates[ref]; ok {
					hits[ref] = struct{}{}
				}
			}); err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			found[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	refs := make(map[string]struct{})
	for _, hits := range found {
		maps.Copy(refs, hits)
	}
	return refs, nil
}

// streamReport opens a gzip-compressed report and calls fn with the
// reference of each non-empty line.
func streamReport(ctx context.Context, path string, fn func(ref string)) error {
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
		ref, _, _ := strings.Cut(scanner.Text(), ",")
		if ref = strings.TrimSpace(ref); ref != "" {
			fn(ref)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
