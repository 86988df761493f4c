// Package influx writes share, block and pool time series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements.
const (
	MeasurementShares    = "shares"
	MeasurementBlocks    = "blocks"
	MeasurementPoolStats = "pool_stats"
)

// Client wraps the non-blocking write API and the Flux query API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
	}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Flush forces pending points out.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareSample is one processed share.
type ShareSample struct {
	Address         string
	Worker          string
	Accepted        bool
	IsBlock         bool
	Difficulty      float64
	ShareDifficulty float64
	At              time.Time
}

// BlockSample is one block candidate outcome.
type BlockSample struct {
	Height            int64
	Hash              string
	Address           string
	Status            string
	NetworkDifficulty float64
	LatencyMs         int64
	At                time.Time
}

// PoolSample is a periodic pool snapshot.
type PoolSample struct {
	Hashrate       float64
	Accepted       int64
	Rejected       int64
	Blocks         int64
	WindowDiff     float64
	WindowDuration time.Duration
	At             time.Time
}

func (c *Client) WriteShareMetric(s ShareSample) {
	c.writeAPI.WritePoint(SharePoint(s))
}

func (c *Client) WriteBlockMetric(s BlockSample) {
	c.writeAPI.WritePoint(BlockPoint(s))
}

func (c *Client) WritePoolStatsMetric(s PoolSample) {
	c.writeAPI.WritePoint(PoolPoint(s))
}

// SharePoint builds the point written for a share.
func SharePoint(s ShareSample) *write.Point {
	tags := map[string]string{
		"address":  s.Address,
		"worker":   s.Worker,
		"accepted": strconv.FormatBool(s.Accepted),
		"block":    strconv.FormatBool(s.IsBlock),
	}
	fields := map[string]interface{}{
		"difficulty":       s.Difficulty,
		"share_difficulty": s.ShareDifficulty,
		"count":            int64(1),
	}
	return write.NewPoint(MeasurementShares, tags, fields, s.At)
}

// BlockPoint builds the point written for a block outcome.
func BlockPoint(s BlockSample) *write.Point {
	tags := map[string]string{
		"status":  s.Status,
		"address": s.Address,
	}
	fields := map[string]interface{}{
		"height":             s.Height,
		"hash":               s.Hash,
		"network_difficulty": s.NetworkDifficulty,
		"latency_ms":         s.LatencyMs,
		"count":              int64(1),
	}
	return write.NewPoint(MeasurementBlocks, tags, fields, s.At)
}

// PoolPoint builds the periodic pool snapshot point.
func PoolPoint(s PoolSample) *write.Point {
	fields := map[string]interface{}{
		"hashrate":        s.Hashrate,
		"accepted":        s.Accepted,
		"rejected":        s.Rejected,
		"blocks":          s.Blocks,
		"window_diff":     s.WindowDiff,
		"window_duration": s.WindowDuration.Seconds(),
	}
	return write.NewPoint(MeasurementPoolStats, map[string]string{}, fields, s.At)
}

// GetPoolHashrate returns the most recent hashrate snapshot within duration.
func (c *Client) GetPoolHashrate(ctx context.Context, duration time.Duration) (float64, error) {
	result, err := c.queryAPI.Query(ctx, poolHashrateQuery(c.bucket, duration))
	if err != nil {
		return 0, fmt.Errorf("failed to query pool hashrate: %w", err)
	}
	defer func() { _ = result.Close() }()

	if result.Next() {
		if hashrate, ok := result.Record().Value().(float64); ok {
			return hashrate, nil
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return 0, nil
}

func poolHashrateQuery(bucket string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> last()
	`, bucket, duration.String(), MeasurementPoolStats)
}
