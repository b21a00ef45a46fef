// Package db persists completed research runs to Postgres. Writes go through
// an async worker pool so the controller's hot path never blocks on storage.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/config"
)

// WriteRequest is one queued persistence operation.
type WriteRequest struct {
	Type     WriteType
	Data     any
	Callback func(error)
}

type WriteType int

const (
	WriteTypeTask WriteType = iota
	WriteTypeFindings
	WriteTypeAnalytics
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeTask:
		return "Task"
	case WriteTypeFindings:
		return "Findings"
	case WriteTypeAnalytics:
		return "Analytics"
	default:
		return "Unknown"
	}
}

// Client owns the connection pool and the async write queue.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// NewClient opens the pool, verifies connectivity, and starts the write
// workers. DSN is a full lib/pq connection string.
func NewClient(cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	workers := cfg.WriteWorkers
	if workers < 1 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}

	pool, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &Client{
		db:         pool,
		logger:     logger,
		writeQueue: make(chan WriteRequest, queueSize),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()

	logger.Info("database client initialized",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize),
	)
	return c, nil
}

// NewClientWithDB wraps an existing pool; tests inject sqlmock through here.
func NewClientWithDB(pool *sqlx.DB, workers int, logger *zap.Logger) *Client {
	if workers < 1 {
		workers = 1
	}
	c := &Client{
		db:         pool,
		logger:     logger,
		writeQueue: make(chan WriteRequest, 64),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	return c
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("write worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	var err error
	switch req.Type {
	case WriteTypeTask:
		if row, ok := req.Data.(*TaskRow); ok {
			err = c.SaveTask(context.Background(), row)
		}
	case WriteTypeFindings:
		if rows, ok := req.Data.([]FindingRow); ok {
			err = c.SaveFindings(context.Background(), rows)
		}
	case WriteTypeAnalytics:
		if row, ok := req.Data.(*AnalyticsRow); ok {
			err = c.SaveAnalytics(context.Background(), row)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("write request failed",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite enqueues a write. When the queue is full the write runs
// synchronously rather than being dropped.
func (c *Client) QueueWrite(writeType WriteType, data any, callback func(error)) {
	select {
	case c.writeQueue <- WriteRequest{Type: writeType, Data: data, Callback: callback}:
	default:
		c.logger.Warn("write queue full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(WriteRequest{Type: writeType, Data: data, Callback: callback})
	}
}

// Ping reports pool connectivity, used by the health checker.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close stops the workers, drains pending writes and closes the pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	c.logger.Info("database client closed")
	return nil
}
