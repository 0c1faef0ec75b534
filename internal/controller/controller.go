// Package controller owns the lifecycle of the escrow reconciliation service:
// ledger connection, admin identity check, event subscription, catch-up and
// periodic scans, and the operator escape hatches.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/circuitbreaker"
	"github.com/mbd888/voucherescrow/internal/config"
	"github.com/mbd888/voucherescrow/internal/health"
	"github.com/mbd888/voucherescrow/internal/logging"
	"github.com/mbd888/voucherescrow/internal/metrics"
	"github.com/mbd888/voucherescrow/internal/realtime"
	"github.com/mbd888/voucherescrow/internal/reconcile"
	"github.com/mbd888/voucherescrow/internal/release"
	"github.com/mbd888/voucherescrow/internal/syncutil"
)

// State is the controller lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateSubscribed   State = "subscribed"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateDisabled     State = "disabled"
	StateFailed       State = "failed"
)

var allStates = []string{
	string(StateStopped),
	string(StateInitializing),
	string(StateSubscribed),
	string(StateRunning),
	string(StateStopping),
	string(StateDisabled),
	string(StateFailed),
}

// Status is the operator view of the service.
type Status struct {
	State          State                     `json:"state"`
	Running        bool                      `json:"running"`
	Initialized    bool                      `json:"initialized"`
	Subscribed     bool                      `json:"subscribed"`
	LedgerMode     string                    `json:"ledgerMode"`
	AdminIdentity  string                    `json:"adminIdentity,omitempty"`
	LedgerEndpoint string                    `json:"ledgerEndpoint,omitempty"`
	LastScan       *reconcile.ScanResult     `json:"lastScan,omitempty"`
	LastError      string                    `json:"lastError,omitempty"`
	LastErrorKind  ErrorKind                 `json:"lastErrorKind,omitempty"`
	QueueDepth     int                       `json:"queueDepth"`
	InFlight       int                       `json:"inFlight"`
	Claims         []syncutil.Claim          `json:"claims,omitempty"`
	Breakers       []circuitbreaker.KeyState `json:"breakers,omitempty"`
	LockHeld       bool                      `json:"lockHeld"`
}

// breakerReporter is implemented by ledgers that guard RPC with breakers.
type breakerReporter interface {
	Breakers() []circuitbreaker.KeyState
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore sets the attempt journal. Defaults to an in-memory store.
func WithStore(s release.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithNotifier sets where finished executions are reported.
func WithNotifier(n release.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithLocker enables the single-instance lock.
func WithLocker(l Locker) Option {
	return func(c *Controller) { c.locker = l }
}

// WithLedgerOpener replaces OpenLedger.
func WithLedgerOpener(open LedgerOpener) Option {
	return func(c *Controller) { c.open = open }
}

// WithHub publishes state changes and scan summaries to websocket clients.
func WithHub(h *realtime.Hub) Option {
	return func(c *Controller) { c.hub = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller is the explicit state machine around the service components.
// Lifecycle calls are serialized; Status never waits on them.
type Controller struct {
	cfg      config.EscrowConfig
	open     LedgerOpener
	store    release.Store
	notifier release.Notifier
	locker   Locker
	hub      *realtime.Hub
	logger   *slog.Logger

	// base outlives Stop so workers and timers are never cut off by a
	// request context.
	base   context.Context
	cancel context.CancelFunc

	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	lastErr   error
	ledger    chain.Ledger
	admin     common.Address
	lockHeld  bool
	exec      *release.Executor
	queue     *reconcile.Queue
	scanner   *reconcile.Scanner
	sub       *reconcile.Subscriber
	scanTimer *reconcile.Timer
	compactor *release.Compactor
	catchUp   *catchUp
}

// catchUp is the scan of a Start in progress.
type catchUp struct {
	cancel context.CancelFunc
}

// New creates a stopped, uninitialized controller.
func New(cfg config.EscrowConfig, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		open:  OpenLedger,
		state: StateStopped,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = release.NewMemoryStore()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "escrow")
	c.base, c.cancel = context.WithCancel(context.Background())
	metrics.SetControllerState(string(c.state), allStates)
	return c
}

// Init validates configuration, connects to the ledger, checks that the
// signing key is the contract admin and takes the single-instance lock.
// Failures leave the service disabled or failed; they are never fatal to
// the process. Init on an initialized controller is a no-op.
func (c *Controller) Init(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.initialized() {
		return nil
	}
	switch st := c.State(); st {
	case StateStopped, StateDisabled, StateFailed:
	default:
		return fmt.Errorf("%w: init while %s", ErrWrongState, st)
	}

	if err := c.cfg.Validate(); err != nil {
		e := &Error{Kind: KindConfig, Op: "init", Err: err}
		c.logger.Warn("escrow service disabled", "reason", err.Error())
		c.fail(StateDisabled, e)
		return e
	}

	c.setState(StateInitializing)

	ledger, err := c.open(logging.WithLogger(ctx, c.logger), c.cfg)
	if err != nil {
		return c.failInit(nil, classifyOpen(err), fmt.Errorf("connecting to ledger: %w", err))
	}

	admin, err := ledger.AdminAddress(ctx)
	if err != nil {
		return c.failInit(ledger, KindTransient, fmt.Errorf("reading contract admin: %w", err))
	}
	signer := ledger.SignerAddress()
	if !strings.EqualFold(admin.Hex(), signer.Hex()) {
		return c.failInit(ledger, KindAuthorization,
			fmt.Errorf("signer mismatch: expected admin %s, configured signer %s", admin.Hex(), signer.Hex()))
	}

	if c.locker != nil {
		ok, err := c.locker.TryAcquire(ctx)
		if err != nil {
			return c.failInit(ledger, KindTransient, fmt.Errorf("acquiring service lock: %w", err))
		}
		if !ok {
			return c.failInit(ledger, KindConfig, ErrLockHeld)
		}
	}

	opts := []release.Option{
		release.WithTxTimeout(c.cfg.TxTimeout),
		release.WithHolder("controller"),
	}
	if c.notifier != nil {
		opts = append(opts, release.WithNotifier(c.notifier))
	}
	exec := release.NewExecutor(ledger, c.store, c.logger, opts...)
	queue := reconcile.NewQueue(exec, c.cfg.Workers, c.cfg.QueueSize, c.logger)
	scanner := reconcile.NewScanner(ledger, queue, reconcile.ScanConfig{
		BatchSize:   c.cfg.ScanBatchSize,
		Concurrency: c.cfg.ScanConcurrency,
		RPS:         c.cfg.ScanRPS,
	}, c.logger)

	c.mu.Lock()
	c.ledger = ledger
	c.admin = admin
	c.lockHeld = c.locker != nil
	c.exec = exec
	c.queue = queue
	c.scanner = scanner
	c.sub = reconcile.NewSubscriber(ledger, queue, c.logger)
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("escrow service initialized",
		"admin", admin.Hex(),
		"ledger", ledger.Endpoint(),
		"mode", c.cfg.LedgerMode,
		"lock", c.locker != nil)
	return nil
}

func (c *Controller) failInit(ledger chain.Ledger, kind ErrorKind, err error) error {
	if ledger != nil {
		_ = ledger.Close()
	}
	e := &Error{Kind: kind, Op: "init", Err: err}
	c.logger.Error("escrow service init failed", "kind", kind, "error", err)
	c.fail(StateFailed, e)
	return e
}

// Start starts the workers, subscribes to BuyerConfirmed, runs the catch-up
// scan and starts the periodic scan and compaction timers. Start on a
// running controller returns the last scan.
//
// The subscription opens before the catch-up scan rather than after it, so a
// confirmation arriving mid-scan may be queued twice; the executor's claim
// and status check drop the second one. The scan runs without holding the
// lifecycle lock: Stop during the scan cancels it and Start returns
// ErrWrongState.
func (c *Controller) Start(ctx context.Context) (reconcile.ScanResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	st := c.State()
	if st == StateRunning || st == StateSubscribed {
		if last := c.scanner.Last(); last != nil {
			return *last, nil
		}
		return reconcile.ScanResult{}, nil
	}
	if !c.initialized() {
		return reconcile.ScanResult{}, ErrNotInitialized
	}
	if st != StateInitializing && st != StateStopped {
		return reconcile.ScanResult{}, fmt.Errorf("%w: start while %s", ErrWrongState, st)
	}

	c.queue.Start(c.base)
	if err := c.sub.Start(ctx); err != nil {
		_ = c.queue.Stop(ctx)
		e := &Error{Kind: KindTransient, Op: "start", Err: err}
		c.setLastError(e)
		return reconcile.ScanResult{}, e
	}
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	mine := &catchUp{cancel: cancelScan}
	c.mu.Lock()
	c.catchUp = mine
	c.mu.Unlock()
	c.setState(StateSubscribed)

	c.opMu.Unlock()
	res, err := c.scanner.ScanPending(scanCtx)
	c.opMu.Lock()

	c.mu.Lock()
	current := c.catchUp == mine
	if current {
		c.catchUp = nil
	}
	c.mu.Unlock()
	if !current {
		return res, fmt.Errorf("%w: stopped during catch-up scan", ErrWrongState)
	}
	if err != nil {
		// The periodic scan retries.
		c.logger.Warn("catch-up scan failed", "error", err)
		c.setLastError(&Error{Kind: KindTransient, Op: "catch-up scan", Err: err})
	}
	c.publishScan(res)

	scanTimer := reconcile.NewTimer(c.scanner, c.cfg.ScanInterval, c.logger)
	compactor := release.NewCompactor(c.store, c.cfg.AttemptRetention, c.logger)
	c.mu.Lock()
	c.scanTimer = scanTimer
	c.compactor = compactor
	c.mu.Unlock()
	go scanTimer.Start(c.base)
	go compactor.Start(c.base)

	c.setState(StateRunning)
	return res, nil
}

// Stop ends event intake and timers, then waits for running executions or
// ctx. Jobs still queued are dropped; the next scan finds them again.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	st := c.State()
	if st != StateRunning && st != StateSubscribed {
		return nil
	}
	c.setState(StateStopping)

	c.mu.Lock()
	if c.catchUp != nil {
		c.catchUp.cancel()
		c.catchUp = nil
	}
	c.mu.Unlock()
	if err := c.sub.Stop(); err != nil {
		c.logger.Warn("unsubscribe failed", "error", err)
	}
	c.mu.RLock()
	scanTimer, compactor := c.scanTimer, c.compactor
	c.mu.RUnlock()
	if scanTimer != nil {
		scanTimer.Stop()
	}
	if compactor != nil {
		compactor.Stop()
	}

	err := c.queue.Stop(ctx)
	c.setState(StateStopped)
	if err != nil {
		e := &Error{Kind: KindTransient, Op: "stop", Err: err}
		c.setLastError(e)
		return e
	}
	c.logger.Info("escrow service stopped")
	return nil
}

// Close stops the service and releases the ledger and the lock.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Stop(ctx)

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	ledger := c.ledger
	held := c.lockHeld
	c.ledger = nil
	c.exec = nil
	c.lockHeld = false
	c.mu.Unlock()

	if ledger != nil {
		if cerr := ledger.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if held {
		if lerr := c.locker.Release(ctx); lerr != nil && err == nil {
			err = lerr
		}
	}
	c.cancel()
	return err
}

// ManualRelease settles id to the seller now, bypassing the queue but not
// the claim or validation.
func (c *Controller) ManualRelease(ctx context.Context, id uint64) (release.Result, error) {
	return c.manual(ctx, id, chain.ActionRelease)
}

// ManualRefund returns the buyer's funds for id.
func (c *Controller) ManualRefund(ctx context.Context, id uint64) (release.Result, error) {
	return c.manual(ctx, id, chain.ActionRefund)
}

func (c *Controller) manual(ctx context.Context, id uint64, action chain.Action) (release.Result, error) {
	if id == 0 {
		return release.Result{}, fmt.Errorf("%w: 0", chain.ErrInvalidListing)
	}
	c.mu.RLock()
	exec := c.exec
	c.mu.RUnlock()
	if exec == nil {
		return release.Result{}, ErrNotInitialized
	}
	return exec.Execute(ctx, id, action, release.SourceManual), nil
}

// ScanPending runs an on-demand scan. Concurrent calls share one scan.
func (c *Controller) ScanPending(ctx context.Context) (reconcile.ScanResult, error) {
	if !c.initialized() {
		return reconcile.ScanResult{}, ErrNotInitialized
	}
	if st := c.State(); st != StateRunning && st != StateSubscribed {
		return reconcile.ScanResult{}, fmt.Errorf("%w: scan while %s", ErrWrongState, st)
	}
	res, err := c.scanner.ScanPending(ctx)
	if err != nil {
		return res, &Error{Kind: KindTransient, Op: "scan", Err: err}
	}
	c.publishScan(res)
	return res, nil
}

// Attempts lists journaled attempts.
func (c *Controller) Attempts(ctx context.Context, f release.Filter) ([]*release.Attempt, error) {
	return c.store.List(ctx, f)
}

// Attempt returns the journal entry for id.
func (c *Controller) Attempt(ctx context.Context, id uint64) (*release.Attempt, error) {
	return c.store.Get(ctx, id)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status reports the service state for operators and health checks.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		State:       c.state,
		Running:     c.state == StateRunning,
		Initialized: c.exec != nil,
		LedgerMode:  c.cfg.LedgerMode,
		LockHeld:    c.lockHeld,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
		s.LastErrorKind = KindOf(c.lastErr)
	}
	if c.ledger != nil {
		s.AdminIdentity = c.admin.Hex()
		s.LedgerEndpoint = c.ledger.Endpoint()
		if br, ok := c.ledger.(breakerReporter); ok {
			s.Breakers = br.Breakers()
		}
	}
	if c.sub != nil {
		s.Subscribed = c.sub.Running()
	}
	if c.scanner != nil {
		s.LastScan = c.scanner.Last()
	}
	if c.queue != nil {
		s.QueueDepth = c.queue.Depth()
	}
	if c.exec != nil {
		s.InFlight = c.exec.InFlight()
		s.Claims = c.exec.Claims()
	}
	return s
}

func (c *Controller) initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exec != nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	metrics.SetControllerState(string(s), allStates)
	if prev != s {
		c.logger.Info("escrow state changed", "from", prev, "to", s)
		c.broadcast(realtime.EventStateChanged, map[string]string{"from": string(prev), "to": string(s)})
	}
}

func (c *Controller) fail(s State, err error) {
	c.setLastError(err)
	c.setState(s)
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) publishScan(res reconcile.ScanResult) {
	c.broadcast(realtime.EventScanComplete, res)
}

func (c *Controller) broadcast(t realtime.EventType, data interface{}) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(&realtime.Event{Type: t, Timestamp: time.Now(), Data: data})
}

// HealthCheck reports the service for /health/ready. A disabled service
// reports healthy; a failed one does not.
func (c *Controller) HealthCheck(_ context.Context) health.Status {
	st := c.Status()
	hs := health.Status{Name: "escrow", Healthy: st.State != StateFailed, Detail: string(st.State)}
	if st.LastError != "" {
		hs.Detail += ": " + st.LastError
	}
	for _, b := range st.Breakers {
		if b.State == circuitbreaker.StateOpen {
			hs.Detail += "; circuit open for " + b.Key
		}
	}
	return hs
}
