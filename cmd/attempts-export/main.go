// Command attempts-export writes the dispatch attempt audit trail for a time
// range as gzip-compressed JSON lines. Given the provider's statement it also
// flags accepted attempts the provider has no record of.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/repository"
)

const (
	statementFPR  = 0.0001
	progressEvery = 100_000
)

type options struct {
	databaseURL string
	from, to    time.Time
	out         string
	statement   string
	capacity    uint
}

func main() {
	var (
		opts     options
		from, to string
	)

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&from, "from", time.Now().UTC().AddDate(0, 0, -1).Format(time.DateOnly), "start of range, date or RFC3339")
	flag.StringVar(&to, "to", time.Now().UTC().Format(time.DateOnly), "end of range (exclusive), date or RFC3339")
	flag.StringVar(&opts.out, "out", "", "output file, defaults to attempts-<from>.jsonl.gz")
	flag.StringVar(&opts.statement, "statement", "", "gzip file of provider order IDs, one per line")
	flag.UintVar(&opts.capacity, "statement-capacity", 5_000_000, "expected number of statement entries")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	var err error
	if opts.from, err = parseTime(from); err != nil {
		slog.Error("invalid --from", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if opts.to, err = parseTime(to); err != nil {
		slog.Error("invalid --to", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if opts.out == "" {
		opts.out = "attempts-" + opts.from.Format(time.DateOnly) + ".jsonl.gz"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("export completed successfully", slog.String("out", opts.out))
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func run(ctx context.Context, opts options) error {
	var statement *bloom.BloomFilter
	if opts.statement != "" {
		slog.Info("loading provider statement", slog.String("path", opts.statement))

		f, err := loadStatement(ctx, opts.statement, opts.capacity)
		if err != nil {
			return errors.Wrap(err, "load statement")
		}
		statement = f
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	out, err := os.Create(opts.out)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer func() { _ = out.Close() }()

	zw := pgzip.NewWriter(out)
	bw := bufio.NewWriter(zw)

	var stats exportStats
	err = repository.NewOrderRepository(pool).EachAttempt(ctx, opts.from, opts.to, func(a order.DispatchAttempt) error {
		stats.total++
		if stats.total%progressEvery == 0 {
			slog.Info("export progress", slog.Int("attempts", stats.total))
		}
		return writeAttempt(bw, a, statement, &stats)
	})
	if err != nil {
		return errors.Wrap(err, "export attempts")
	}

	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "close gzip")
	}

	slog.Info("export complete",
		slog.Int("attempts", stats.total),
		slog.Int("accepted", stats.accepted),
		slog.Int("missing_from_statement", stats.missing),
	)
	return nil
}

type exportStats struct {
	total    int
	accepted int
	missing  int
}

func writeAttempt(w io.Writer, a order.DispatchAttempt, statement *bloom.BloomFilter, stats *exportStats) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(a.Reference) })
		e.Field("phone", func(e *jx.Encoder) { e.Str(a.Phone) })
		e.Field("attempt", func(e *jx.Encoder) { e.Int(a.Attempt) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(a.Status)) })
		e.Field("retryable", func(e *jx.Encoder) { e.Bool(a.Retryable) })
		if a.ProviderRef != "" {
			stats.accepted++
			e.Field("providerRef", func(e *jx.Encoder) { e.Str(a.ProviderRef) })
			if statement != nil {
				// A negative answer is certain; a positive one may be a
				// false positive at the configured rate.
				found := statement.TestString(a.ProviderRef)
				if !found {
					stats.missing++
				}
				e.Field("inStatement", func(e *jx.Encoder) { e.Bool(found) })
			}
		}
		if a.Error != "" {
			e.Field("error", func(e *jx.Encoder) { e.Str(a.Error) })
		}
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(a.CreatedAt.UTC().Format(time.RFC3339Nano)) })
	})
	if _, err := w.Write(e.Bytes()); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

func loadStatement(ctx context.Context, path string, capacity uint) (*bloom.BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = zr.Close() }()

	filter := bloom.NewWithEstimates(capacity, statementFPR)
	scanner := bufio.NewScanner(zr)
	var count int
	for scanner.Scan() {
		if count%progressEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		filter.AddString(id)
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan statement")
	}

	slog.Info("statement loaded", slog.Int("entries", count))
	return filter, nil
}
