// Package timescale packs classified flow records into a TimescaleDB
// hypertable using a pooled connection and COPY-based bulk insert.
package timescale

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netweaver/flowcollector/pkg/packer"
)

// Config holds the pool and table settings for a Sink.
type Config struct {
	DSN      string
	PoolSize int
	Table    string
}

func (c Config) withDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = 20
	}
	if c.Table == "" {
		c.Table = "flow_records"
	}
	return c
}

// Sink is a Packer backed by a pgx connection pool.
type Sink struct {
	pool  *pgxpool.Pool
	table string
}

// New opens a pool against cfg.DSN and verifies connectivity with Ping.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("timescale: parse dsn: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolSize)
	poolConfig.MinConns = int32(cfg.PoolSize / 4)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("timescale: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("timescale: ping: %w", err)
	}

	return &Sink{pool: pool, table: cfg.Table}, nil
}

var columns = []string{
	"observed_at", "exporter_ip", "source_name",
	"src_ip", "dst_ip", "src_port", "dst_port", "protocol",
	"bytes", "packets", "input_if", "output_if",
	"start_ms", "duration_ms", "sampling_rate",
	"sensor_id", "source_network_id", "dest_network_id",
}

// Pack bulk-inserts records via CopyFrom, the same high-throughput path
// the teacher's database client uses for flow_records.
func (s *Sink) Pack(ctx context.Context, records []packer.Classified) error {
	if len(records) == 0 {
		return nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("timescale: acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Conn().CopyFrom(
		ctx,
		pgx.Identifier{s.table},
		columns,
		pgx.CopyFromSlice(len(records), func(i int) ([]interface{}, error) {
			c := records[i]
			r := c.Record
			return []interface{}{
				c.ObservedAt, c.ExporterIP, c.SourceName,
				r.SrcIP.String(), r.DstIP.String(), r.SrcPort, r.DstPort, r.Proto,
				r.Bytes, r.Packets, r.InputIf, r.OutputIf,
				r.StartMs, r.DurationMs, r.SamplingRate,
				int(c.Classification.Sensor), int(c.Classification.SourceNetwork), int(c.Classification.DestNetwork),
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("timescale: copy from: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}
