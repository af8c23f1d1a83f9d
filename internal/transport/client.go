// Package transport implements the gRPC transport client the agent uses to
// deliver aggregated profiles to the remote collector.
//
// # Overview
//
// Client connects to the collector using mutual TLS (mTLS): the agent
// presents a client certificate to prove its identity, and it verifies the
// collector's server certificate against a trusted CA.
//
// Every profile the agent produces is first persisted to the local queue
// (see package queue). Client's run loop continuously drains the queue,
// calling UploadProfile for each pending row and acking it in the queue only
// once the collector has accepted it. This gives at-least-once delivery
// across reconnects and agent restarts: a profile is never removed from the
// queue until the collector has confirmed it.
//
// # Reconnection
//
// If the connection drops or an upload fails, Client reconnects using
// exponential backoff: each successive failure increases the wait interval
// up to MaxBackoff, after which every retry waits MaxBackoff. A successful
// drain cycle resets the backoff so a single transient fault is not
// penalised on the next failure.
//
// # Usage
//
//	c := transport.New(transport.Config{
//	    Addr:     "collector.example.com:4443",
//	    CertPath: "/etc/profiler/agent.crt",
//	    KeyPath:  "/etc/profiler/agent.key",
//	    CAPath:   "/etc/profiler/ca.crt",
//	}, q, logger)
//
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tripwire/profiler/internal/queue"
	profilepb "github.com/tripwire/profiler/proto/profile"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
	defaultDrainBatchSize = 20

	// idlePollInterval is how often the run loop checks the queue for new
	// work when it is empty, outside of the notify-channel fast path.
	idlePollInterval = 2 * time.Second
)

// DrainQueue is the subset of [queue.SQLiteQueue] used by Client. It is
// satisfied by *queue.SQLiteQueue and can be stubbed in unit tests.
type DrainQueue interface {
	Dequeue(ctx context.Context, n int) ([]queue.PendingProfile, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// Config holds the configuration for the gRPC transport client.
type Config struct {
	// Addr is the "host:port" of the remote collector's gRPC endpoint.
	// Required.
	Addr string

	// CertPath is the path to the PEM-encoded agent TLS certificate.
	// Required unless Insecure is set.
	CertPath string

	// KeyPath is the path to the PEM-encoded agent TLS private key.
	// Required unless Insecure is set.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector's TLS certificate. Required unless Insecure is set.
	CAPath string

	// Insecure disables mTLS, for local development against a plaintext
	// collector. Defaults to false.
	Insecure bool

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long each RPC (upload or dial) waits before
	// failing. Defaults to 30 seconds when zero.
	DialTimeout time.Duration

	// DrainBatchSize is the number of profiles dequeued per iteration of the
	// drain loop. Defaults to 20 when zero.
	DrainBatchSize int

	// SessionID identifies this agent instance to the collector; it is
	// attached to every uploaded ProfileBatch.
	SessionID string
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.DrainBatchSize == 0 {
		c.DrainBatchSize = defaultDrainBatchSize
	}
}

// Client streams the local profile queue to the remote collector over a
// mTLS-protected gRPC connection, maintaining delivery with
// exponential-backoff reconnection.
type Client struct {
	cfg    Config
	queue  DrainQueue
	logger *slog.Logger

	// notify wakes the run loop as soon as a profile is enqueued, instead of
	// waiting for the next idlePollInterval tick.
	notify chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	uploadedTotal int64
}

// New creates a new Client with the given configuration, queue, and logger.
// Call [Client.Start] to begin the connect-and-drain loop.
func New(cfg Config, q DrainQueue, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Notify wakes the run loop so a freshly enqueued profile is picked up
// without waiting for the next idle poll tick. Safe to call at any time,
// including before Start; the wakeup is simply dropped if no loop is
// listening yet.
func (c *Client) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Start validates the mTLS credentials (when not Insecure), then launches a
// background goroutine that dials the collector and drains the queue until
// ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.connectLoop(runCtx, creds)

	return nil
}

// Stop cancels the run loop and waits for it to exit. Safe to call more than
// once.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// UploadedTotal returns the number of profiles successfully acknowledged by
// the collector since the client was created.
func (c *Client) UploadedTotal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadedTotal
}

// ─── Connection loop ──────────────────────────────────────────────────────

// connectLoop dials the collector and drains the queue repeatedly, applying
// exponential backoff between failed attempts. It resets the backoff when a
// session delivered at least one profile before it failed.
func (c *Client) connectLoop(ctx context.Context, creds credentials.TransportCredentials) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
		if err != nil {
			c.logger.Warn("transport: dial failed",
				slog.String("addr", c.cfg.Addr), slog.Any("error", err))
			if !c.wait(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		client := profilepb.NewProfileServiceClient(conn)
		uploadedBefore := c.UploadedTotal()
		err = c.runSession(ctx, client)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// runSession only returns nil on clean cancellation, handled above.
			continue
		}

		if c.UploadedTotal() > uploadedBefore {
			// The session made progress, so this failure starts a fresh
			// backoff sequence.
			b.Reset()
		}
		c.logger.Warn("transport: session ended, reconnecting",
			slog.Any("error", err), slog.String("addr", c.cfg.Addr))
		if !c.wait(ctx, b.NextBackOff()) {
			return
		}
	}
}

// wait blocks for d or until ctx is cancelled, returning false in the latter
// case so the caller can exit immediately.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runSession drains the queue against a single live connection until a
// drain call fails or ctx is cancelled. It returns nil only on cancellation.
func (c *Client) runSession(ctx context.Context, client profilepb.ProfileServiceClient) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if c.queue.Depth() > 0 {
			if err := c.drainOnce(ctx, client); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.notify:
		case <-time.After(idlePollInterval):
		}
	}
}

// drainOnce uploads up to DrainBatchSize pending profiles in insertion
// order, acking each one as soon as the collector accepts it. It returns the
// first upload error encountered, leaving unacked profiles in the queue for
// redelivery on the next reconnect.
func (c *Client) drainOnce(ctx context.Context, client profilepb.ProfileServiceClient) error {
	pending, err := c.queue.Dequeue(ctx, c.cfg.DrainBatchSize)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	for _, pp := range pending {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		ack, err := client.UploadProfile(reqCtx, &profilepb.ProfileBatch{
			WatcherName:    pp.Profile.WatcherName,
			PeriodType:     "cycle",
			TimeNanos:      pp.Profile.CycleStart.UnixNano(),
			DurationNanos:  pp.Profile.DurationNanos,
			PprofGzipBytes: pp.Profile.ProfileBytes,
			SessionId:      c.cfg.SessionID,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("UploadProfile: %w", err)
		}
		if !ack.GetAccepted() {
			c.logger.Warn("transport: collector rejected profile",
				slog.String("watcher", pp.Profile.WatcherName),
				slog.String("reason", ack.GetMessage()))
			// Not ack'd; will be retried on the next drain cycle.
			continue
		}

		if err := c.queue.Ack(ctx, []int64{pp.ID}); err != nil {
			c.logger.Warn("transport: queue ack failed",
				slog.Int64("queue_id", pp.ID), slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		c.uploadedTotal++
		c.mu.Unlock()
	}

	return nil
}

// ─── TLS helpers ───────────────────────────────────────────────────────────

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing and
// local development only).
func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	cert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load agent cert/key (%s, %s): %w",
			c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(c.cfg.Addr)
	if splitErr != nil {
		serverName = c.cfg.Addr
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
