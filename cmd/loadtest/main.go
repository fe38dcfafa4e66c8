// Command loadtest writes and reads typed rows through the table layer
// against remote shard nodes or in-process memory shards, and reports
// throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/scaledb/internal/client"
	"github.com/devrev/scaledb/internal/codec"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/service"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/storage/memstore"
	"github.com/devrev/scaledb/internal/table"
)

func main() {
	shardList := flag.String("shards", "", "comma separated shard node addresses; empty runs in-process memory shards")
	localShards := flag.Int("local", 4, "number of in-process memory shards when -shards is empty")
	rows := flag.Int("rows", 100000, "number of rows to write")
	batch := flag.Int("batch", 500, "rows per upsert call")
	concurrency := flag.Int("concurrency", 8, "concurrent upsert/retrieve calls")
	ordered := flag.Bool("ordered", false, "use order-preserving keys and run a range scan (all rows land on one shard)")
	tableName := flag.String("table", "loadtest", "table name")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root, closeFn, err := connect(*shardList, *localShards, logger)
	if err != nil {
		logger.Fatal("Failed to connect to shards", zap.Error(err))
	}
	defer closeFn()

	m := metrics.NewMetrics("loadtest", prometheus.NewRegistry())
	dispatcher := service.NewDispatcher(root, &service.DispatcherConfig{MaxConcurrency: *concurrency}, m, logger)
	db := table.NewDB(dispatcher, nil, logger)

	var opts []table.Option
	if *ordered {
		opts = append(opts, table.WithOrderedKeys())
		if n, err := root.ShardCount(ctx); err == nil && n > 1 {
			logger.Warn("Ordered table keeps every row on the shard owning its name prefix; write and read phases measure one shard",
				zap.String("table", *tableName),
				zap.Int("shards", n))
		}
	}
	tbl, err := db.Table(*tableName, opts...)
	if err != nil {
		logger.Fatal("Failed to open table", zap.Error(err))
	}

	r := &runner{table: tbl, rows: *rows, batch: *batch, concurrency: *concurrency, logger: logger}

	if err := r.write(ctx); err != nil {
		logger.Fatal("Write phase failed", zap.Error(err))
	}
	if err := r.read(ctx); err != nil {
		logger.Fatal("Read phase failed", zap.Error(err))
	}
	if *ordered {
		if err := r.scan(ctx); err != nil {
			logger.Fatal("Scan phase failed", zap.Error(err))
		}
	}
}

func connect(shardList string, local int, logger *zap.Logger) (shard.Backend, func(), error) {
	var backends []shard.Backend
	var remotes []*client.RemoteShard

	if shardList == "" {
		for i := 0; i < local; i++ {
			backends = append(backends, memstore.NewStore(nil, logger))
		}
	} else {
		for _, addr := range strings.Split(shardList, ",") {
			r, err := client.NewRemoteShard(strings.TrimSpace(addr), client.DefaultConfig(), logger)
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, r)
			remotes = append(remotes, r)
		}
	}

	closeFn := func() {
		for _, r := range remotes {
			_ = r.Close()
		}
	}

	if len(backends) == 1 {
		return backends[0], closeFn, nil
	}
	cluster, err := shard.NewCluster(backends...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return cluster, closeFn, nil
}

type runner struct {
	table       *table.Table
	rows        int
	batch       int
	concurrency int
	logger      *zap.Logger
}

func rowKey(i int) []byte {
	key, _ := table.KeyOf(int64(i))
	return key
}

func makeRow(i int) table.Row {
	amount, _ := codec.DecimalFromInt64(int64(i)*100+25, 2)
	return table.NewRow(rowKey(i),
		table.Field{Name: "ID", Value: uuid.New()},
		table.Field{Name: "Seq", Value: int64(i)},
		table.Field{Name: "Name", Value: fmt.Sprintf("row-%d", i)},
		table.Field{Name: "Amount", Value: amount},
		table.Field{Name: "CreatedAt", Value: time.Now().UTC()},
	)
}

// batches calls fn for every [start, end) slice of the row space with at
// most r.concurrency calls in flight.
func (r *runner) batches(ctx context.Context, fn func(ctx context.Context, start, end int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for start := 0; start < r.rows; start += r.batch {
		start, end := start, min(start+r.batch, r.rows)
		g.Go(func() error {
			return fn(ctx, start, end)
		})
	}
	return g.Wait()
}

func (r *runner) write(ctx context.Context) error {
	begin := time.Now()
	err := r.batches(ctx, func(ctx context.Context, start, end int) error {
		rows := make([]table.Row, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, makeRow(i))
		}
		return r.table.Upsert(ctx, rows...)
	})
	r.report("write", r.rows, time.Since(begin))
	return err
}

func (r *runner) read(ctx context.Context) error {
	var found atomic.Int64
	begin := time.Now()
	err := r.batches(ctx, func(ctx context.Context, start, end int) error {
		keys := make([][]byte, 0, end-start)
		for i := start; i < end; i++ {
			keys = append(keys, rowKey(i))
		}
		return r.table.Retrieve(ctx, keys, func(rows []table.Row) bool {
			found.Add(int64(len(rows)))
			return true
		})
	})
	r.report("read", int(found.Load()), time.Since(begin))
	if err == nil && int(found.Load()) != r.rows {
		return fmt.Errorf("read %d rows, wrote %d", found.Load(), r.rows)
	}
	return err
}

func (r *runner) scan(ctx context.Context) error {
	// Batches are delivered one at a time.
	var found int
	begin := time.Now()
	err := r.table.RetrieveRange(ctx, nil, nil, func(rows []table.Row) bool {
		found += len(rows)
		return true
	})
	r.report("scan", found, time.Since(begin))
	return err
}

func (r *runner) report(phase string, rows int, elapsed time.Duration) {
	r.logger.Info("Phase finished",
		zap.String("phase", phase),
		zap.Int("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.Float64("rows_per_sec", float64(rows)/elapsed.Seconds()))
}
