package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second

	batchSize       = 100
	flushIntervalMs = 10000
)

// ErrConnectionFailed wraps InfluxDB connection errors
var ErrConnectionFailed = errors.New("influxdb: connection failed")

// InfluxOptions configures the InfluxDB connection
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxWriter writes points through the non-blocking InfluxDB write API
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
	done     chan struct{}
}

// ConnectInflux pings the server and opens a batching write API. Write
// errors are reported asynchronously and logged.
func ConnectInflux(opts InfluxOptions, logger *zap.Logger) (*InfluxWriter, error) {
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushIntervalMs))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := newInfluxWriter(client, opts.Org, opts.Bucket, logger)
	logger.Info("Connected to InfluxDB",
		zap.String("url", opts.URL),
		zap.String("bucket", opts.Bucket))
	return w, nil
}

func newInfluxWriter(client influxdb2.Client, org, bucket string, logger *zap.Logger) *InfluxWriter {
	w := &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
		logger:   logger,
		done:     make(chan struct{}),
	}
	// Errors must be requested before the first write or they are dropped
	go w.logErrors(w.writeAPI.Errors())
	return w
}

// logErrors runs until the client closes the error channel
func (w *InfluxWriter) logErrors(errs <-chan error) {
	defer close(w.done)
	for err := range errs {
		w.logger.Error("InfluxDB write failed", zap.Error(err))
	}
}

// WritePoint queues a point for the next batch
func (w *InfluxWriter) WritePoint(p *write.Point) {
	w.writeAPI.WritePoint(p)
}

// Close flushes pending points, closes the client and returns once every
// write error has been logged
func (w *InfluxWriter) Close() {
	w.writeAPI.Flush()
	w.client.Close()
	<-w.done
}
