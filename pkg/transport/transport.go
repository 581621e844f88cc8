// Package transport binds one agent to the broker.
//
// A Transport owns the agent's subject namespace: it serves commands
// over request-reply, publishes events, maintains a 30-second
// heartbeat, and enforces the at-most-one-active-task invariant. Event
// and task subjects are backed by a retention-bounded JetStream stream;
// durable agent state lives in a per-agent KV bucket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
)

// AgentState is the lifecycle state reported by get_status.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StateReady      AgentState = "ready"
	StateProcessing AgentState = "processing"
	StateShutdown   AgentState = "shutdown"
)

// Stream retention bounds, whichever triggers first wins.
const (
	streamMaxMsgs  = 10_000
	streamMaxBytes = 100 * 1024 * 1024
	streamMaxAge   = 7 * 24 * time.Hour

	kvHistory = 5

	heartbeatInterval = 30 * time.Second
)

// Options configures a Transport.
type Options struct {
	AgentID       string
	URL           string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Transport is one agent's binding to the broker.
type Transport struct {
	opts     Options
	executor TaskExecutor
	logger   *zap.Logger

	nc   *nats.Conn
	js   nats.JetStreamContext
	kv   nats.KeyValue
	subs []*nats.Subscription

	mu     sync.Mutex
	active *activeTask
	state  AgentState

	hbCancel context.CancelFunc
	hbDone   chan struct{}

	shutdownCh chan struct{}
}

// activeTask is the single-flight handle for the running task.
// Guarded by Transport.mu; cleared by the task goroutine on exit.
type activeTask struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a transport for the given agent. The executor may be nil
// for command surfaces that never accept execute_task (the transport
// then rejects execution requests).
func New(opts Options, executor TaskExecutor, logger *zap.Logger) *Transport {
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 60
	}
	return &Transport{
		opts:       opts,
		executor:   executor,
		logger:     logger.Named("transport").With(zap.String("agent_id", opts.AgentID)),
		state:      StateIdle,
		shutdownCh: make(chan struct{}, 1),
	}
}

// AgentID returns the agent identifier this transport serves.
func (t *Transport) AgentID() string { return t.opts.AgentID }

// Conn exposes the underlying connection for components that share it
// (orchestrator subscriptions, gateway requests).
func (t *Transport) Conn() *nats.Conn { return t.nc }

// IsConnected reports broker connectivity.
func (t *Transport) IsConnected() bool {
	return t.nc != nil && t.nc.IsConnected()
}

// ShutdownSignal fires when a shutdown broadcast addressed to the
// fleet is observed. The owner decides what to do with it.
func (t *Transport) ShutdownSignal() <-chan struct{} { return t.shutdownCh }

// Connect establishes the broker connection and ensures the agent's
// JetStream stream and KV bucket exist. Both ensure operations are
// idempotent: an existing stream or bucket is success.
func (t *Transport) Connect(ctx context.Context) error {
	t.logger.Info("connecting to broker", zap.String("url", t.opts.URL))

	nc, err := nats.Connect(t.opts.URL,
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(t.opts.ReconnectWait),
		nats.MaxReconnects(t.opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("broker disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.logger.Info("broker reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.logger.Error("broker error", zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", t.opts.URL, err)
	}
	t.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}
	t.js = js

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return err
	}
	if err := t.ensureKV(); err != nil {
		nc.Close()
		return err
	}

	t.logger.Info("connected to broker")
	return nil
}

func (t *Transport) ensureStream() error {
	name := StreamName(t.opts.AgentID)

	_, err := t.js.StreamInfo(name)
	if err == nil {
		t.logger.Debug("stream exists", zap.String("stream", name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err = t.js.AddStream(&nats.StreamConfig{
		Name: name,
		Subjects: []string{
			EventPrefix(t.opts.AgentID) + ".*",
			"agent." + t.opts.AgentID + ".tasks.*",
		},
		Retention: nats.LimitsPolicy,
		MaxMsgs:   streamMaxMsgs,
		MaxBytes:  streamMaxBytes,
		MaxAge:    streamMaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	t.logger.Info("created stream", zap.String("stream", name))
	return nil
}

func (t *Transport) ensureKV() error {
	bucket := BucketName(t.opts.AgentID)

	kv, err := t.js.KeyValue(bucket)
	if err == nil {
		t.kv = kv
		t.logger.Debug("kv bucket exists", zap.String("bucket", bucket))
		return nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}

	kv, err = t.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: kvHistory,
	})
	if err != nil {
		return fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}
	t.kv = kv
	t.logger.Info("created kv bucket", zap.String("bucket", bucket))
	return nil
}

// StartListening subscribes to the command and broadcast subjects,
// starts the heartbeat loop, and publishes one "ready" heartbeat.
func (t *Transport) StartListening() error {
	if !t.IsConnected() {
		return errors.New("not connected to broker")
	}

	sub, err := t.nc.Subscribe(CommandSubject(t.opts.AgentID), t.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe command subject: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.nc.Subscribe(BroadcastSubject, t.handleBroadcast)
	if err != nil {
		return fmt.Errorf("subscribe broadcast subject: %w", err)
	}
	t.subs = append(t.subs, sub)

	t.mu.Lock()
	t.state = StateReady
	t.mu.Unlock()

	hbCtx, cancel := context.WithCancel(context.Background())
	t.hbCancel = cancel
	t.hbDone = make(chan struct{})
	go t.heartbeatLoop(hbCtx)

	if err := t.PublishEvent(envelope.KindHeartbeat, map[string]any{
		"status": "ready",
		"state":  string(StateReady),
	}, ""); err != nil {
		t.logger.Warn("ready heartbeat failed", zap.Error(err))
	}

	t.logger.Info("listening",
		zap.String("command_subject", CommandSubject(t.opts.AgentID)),
		zap.String("broadcast_subject", BroadcastSubject))
	return nil
}

// heartbeatLoop publishes a heartbeat every 30 seconds until the
// transport shuts down. Publish failures are logged, never fatal.
func (t *Transport) heartbeatLoop(ctx context.Context) {
	defer close(t.hbDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			state := t.state
			hasTask := t.active != nil
			t.mu.Unlock()

			err := t.PublishEvent(envelope.KindHeartbeat, map[string]any{
				"status":          "alive",
				"state":           string(state),
				"has_active_task": hasTask,
			}, "")
			if err != nil {
				t.logger.Error("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

// PublishEvent publishes an event envelope on the agent's event
// subject for the given kind.
func (t *Transport) PublishEvent(kind envelope.Kind, payload map[string]any, correlationID string) error {
	if !t.IsConnected() {
		return errors.New("cannot publish event: not connected")
	}

	env := envelope.New(kind, t.opts.AgentID, payload).WithCorrelation(correlationID)
	data, err := env.Encode()
	if err != nil {
		return err
	}

	subject := EventSubject(t.opts.AgentID, kind)
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// HasActiveTask reports whether a task is currently running.
func (t *Transport) HasActiveTask() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// State returns the current lifecycle state.
func (t *Transport) State() AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SaveState stores a JSON-encoded value in the agent's KV bucket.
func (t *Transport) SaveState(key string, value map[string]any) error {
	if t.kv == nil {
		return errors.New("kv bucket not initialized")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	if _, err := t.kv.Put(key, data); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState fetches a value from the agent's KV bucket. A missing key
// returns nil, not an error.
func (t *Transport) LoadState(key string) (map[string]any, error) {
	if t.kv == nil {
		return nil, errors.New("kv bucket not initialized")
	}
	entry, err := t.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", key, err)
	}
	var value map[string]any
	if err := json.Unmarshal(entry.Value(), &value); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", key, err)
	}
	return value, nil
}

// DeleteState removes a key from the agent's KV bucket. Deleting a
// missing key is a no-op.
func (t *Transport) DeleteState(key string) error {
	if t.kv == nil {
		return errors.New("kv bucket not initialized")
	}
	err := t.kv.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// Disconnect stops the heartbeat, cancels any active task,
// unsubscribes, and drains the connection. Cleanup failures are
// swallowed: shutdown must not fail.
func (t *Transport) Disconnect() {
	if t.hbCancel != nil {
		t.hbCancel()
		<-t.hbDone
		t.hbCancel = nil
	}

	t.mu.Lock()
	active := t.active
	t.state = StateShutdown
	t.mu.Unlock()

	if active != nil {
		active.cancel()
		select {
		case <-active.done:
		case <-time.After(5 * time.Second):
			t.logger.Warn("active task did not stop before disconnect")
		}
	}

	for _, sub := range t.subs {
		// Connection might already be closed.
		_ = sub.Unsubscribe()
	}
	t.subs = nil

	if t.nc != nil && !t.nc.IsClosed() {
		_ = t.nc.Drain()
		t.nc.Close()
	}

	t.logger.Info("disconnected from broker")
}

// Ping checks broker reachability. Used by health probes.
func Ping(url string, timeout time.Duration) error {
	nc, err := nats.Connect(url, nats.Timeout(timeout))
	if err != nil {
		return fmt.Errorf("broker unreachable at %s: %w", url, err)
	}
	nc.Close()
	return nil
}
