package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/tenantcast/internal/adapter/metrics"
	"github.com/pscheid92/tenantcast/internal/domain"
	"github.com/pscheid92/tenantcast/internal/platform/correlation"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultMaxClientsPerTenant = 500

	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
	commandBufferSize = 256
)

// Reasons a connection leaves the registry.
const (
	reasonClosed     = "closed"
	reasonError      = "error"
	reasonLiveness   = "liveness"
	reasonSlowClient = "slow_client"
	reasonWriteGone  = "writer_stopped"
)

// Reasons sent back in a failed authenticated ack.
const (
	rejectAlreadyAuthenticated = "already authenticated"
	rejectTenantFull           = "tenant connection limit reached"
)

var (
	ErrRegistryStopped = errors.New("registry stopped")
	ErrCommandTimeout  = errors.New("registry command timed out")
)

// Config tunes a Registry. Zero values select the defaults.
type Config struct {
	HeartbeatInterval   time.Duration
	MaxClientsPerTenant int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxClientsPerTenant <= 0 {
		c.MaxClientsPerTenant = DefaultMaxClientsPerTenant
	}
	return c
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Tenants       int `json:"tenants"`
}

type tenantClients map[*Client]struct{}

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type openCmd struct {
	baseRegistryCmd
	client *Client
}

type authenticateCmd struct {
	baseRegistryCmd
	client   *Client
	tenantID string
	userID   string
}

type closeCmd struct {
	baseRegistryCmd
	client *Client
	reason string
}

type broadcastCmd struct {
	baseRegistryCmd
	tenantID     string
	data         []byte
	replyChannel chan int
}

type sweepCmd struct {
	baseRegistryCmd
	replyChannel chan int
}

type clientCountCmd struct {
	baseRegistryCmd
	tenantID     string
	replyChannel chan int
}

type statsCmd struct {
	baseRegistryCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry tracks every open connection, binds authenticated ones to their tenant and fans
// events out per tenant. All state is owned by one goroutine.
type Registry struct {
	cmdCh       chan registryCmd
	clock       clockwork.Clock
	config      Config
	metrics     *metrics.RegistryMetrics
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration

	clients       map[*Client]struct{}
	tenants       map[string]tenantClients
	authenticated int
}

// NewRegistry starts a registry and its heartbeat sweep.
// m may be nil, in which case metrics are recorded on a private registry.
func NewRegistry(clock clockwork.Clock, cfg Config, m *metrics.RegistryMetrics) *Registry {
	r := newRegistry(clock, cfg, m)
	go r.run()
	return r
}

func newRegistry(clock clockwork.Clock, cfg Config, m *metrics.RegistryMetrics) *Registry {
	if m == nil {
		m = metrics.NewRegistryMetrics(prometheus.NewRegistry())
	}
	return &Registry{
		cmdCh:       make(chan registryCmd, commandBufferSize),
		clock:       clock,
		config:      cfg.withDefaults(),
		metrics:     m,
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
		clients:     make(map[*Client]struct{}),
		tenants:     make(map[string]tenantClients),
	}
}

// Open registers a freshly upgraded connection. It starts alive and unauthenticated and
// receives nothing until it authenticates.
func (r *Registry) Open(ctx context.Context, transport Transport) (*Client, error) {
	ctx, _ = correlation.Ensure(context.WithoutCancel(ctx))

	client := newClient(ctx, transport, r.clock)
	if err := r.send(openCmd{client: client}); err != nil {
		client.stop()
		return nil, err
	}
	return client, nil
}

// HandleMessage processes one inbound frame. Malformed frames are logged and dropped;
// the connection stays open.
func (r *Registry) HandleMessage(client *Client, raw []byte) {
	envelope, err := domain.ParseEnvelope(raw)
	if err != nil {
		r.metrics.MalformedMessages.Inc()
		slog.WarnContext(client.ctx, "Dropping malformed message", "connection_id", client.id.String(), "error", err)
		return
	}

	switch envelope.Type {
	case domain.MessageTypeAuthenticate:
		msg, err := domain.ParseAuthenticate(raw)
		if err != nil {
			r.metrics.MalformedMessages.Inc()
			slog.WarnContext(client.ctx, "Dropping invalid authenticate message", "connection_id", client.id.String(), "error", err)
			return
		}
		_ = r.send(authenticateCmd{client: client, tenantID: msg.TenantID, userID: msg.UserID})
	default:
		slog.DebugContext(client.ctx, "Ignoring message", "connection_id", client.id.String(), "type", envelope.Type)
	}
}

// Close removes a connection after the transport closed. Unknown or already removed
// connections are ignored. After Stop the connection is shut down directly.
func (r *Registry) Close(client *Client) {
	if err := r.send(closeCmd{client: client, reason: reasonClosed}); errors.Is(err, ErrRegistryStopped) {
		client.stop()
	}
}

// Fail logs a transport error and removes the connection, so cleanup does not depend on a
// close event following the error.
func (r *Registry) Fail(client *Client, err error) {
	slog.WarnContext(client.ctx, "Connection error", "connection_id", client.id.String(), "error", err)
	if err := r.send(closeCmd{client: client, reason: reasonError}); errors.Is(err, ErrRegistryStopped) {
		client.stop()
	}
}

// Broadcast sends event to every live connection of tenantID and returns how many
// connections it was queued to. A tenant without connections is not an error.
func (r *Registry) Broadcast(ctx context.Context, tenantID string, event domain.Event) (int, error) {
	data, err := event.Encode()
	if err != nil {
		return 0, err
	}

	replyCh := make(chan int, 1)
	if err := r.send(broadcastCmd{tenantID: tenantID, data: data, replyChannel: replyCh}); err != nil {
		return 0, err
	}
	return await(ctx, r, replyCh)
}

// Sweep runs one heartbeat round and returns the number of terminated connections.
// It also runs on every HeartbeatInterval tick.
func (r *Registry) Sweep() (int, error) {
	replyCh := make(chan int, 1)
	if err := r.send(sweepCmd{replyChannel: replyCh}); err != nil {
		return 0, err
	}
	return await(context.Background(), r, replyCh)
}

// ClientCount returns the number of authenticated connections of a tenant.
// Returns -1 if the registry does not answer.
func (r *Registry) ClientCount(tenantID string) int {
	replyCh := make(chan int, 1)
	if err := r.send(clientCountCmd{tenantID: tenantID, replyChannel: replyCh}); err != nil {
		return -1
	}
	count, err := await(context.Background(), r, replyCh)
	if err != nil {
		slog.Warn("ClientCount failed", "error", err)
		return -1
	}
	return count
}

// Stats returns connection and tenant totals.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	replyCh := make(chan Stats, 1)
	if err := r.send(statsCmd{replyChannel: replyCh}); err != nil {
		return Stats{}, err
	}
	return await(ctx, r, replyCh)
}

// Stop closes every connection with a close frame and stops the registry goroutine.
// Blocks until the goroutine has exited or the stop timeout is reached.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if err := r.send(stopCmd{}); err != nil {
			return
		}

		timeout := r.clock.NewTimer(r.stopTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Registry stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Registry stop timeout exceeded", "timeout", r.stopTimeout)
		}
	})
}

func (r *Registry) send(cmd registryCmd) error {
	select {
	case <-r.done:
		return ErrRegistryStopped
	default:
	}

	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return ErrRegistryStopped
	}
}

func await[T any](ctx context.Context, r *Registry, replyCh <-chan T) (T, error) {
	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-replyCh:
		return v, nil
	case <-r.done:
		return zero, ErrRegistryStopped
	case <-ctx.Done():
		return zero, fmt.Errorf("waiting for registry: %w", ctx.Err())
	case <-timer.Chan():
		return zero, fmt.Errorf("%w after %v", ErrCommandTimeout, commandTimeout)
	}
}

func (r *Registry) run() {
	defer r.drain()
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Registry panic recovered", "panic", p)
			r.metrics.Panics.Inc()
			r.closeAll("registry failure")
		}
	}()

	ticker := r.clock.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-r.cmdCh:
			r.metrics.CommandQueueDepth.Set(float64(len(r.cmdCh)))
			switch c := cmd.(type) {
			case openCmd:
				r.handleOpen(c)
			case authenticateCmd:
				r.handleAuthenticate(c)
			case closeCmd:
				r.remove(c.client, c.reason)
			case broadcastCmd:
				c.replyChannel <- r.handleBroadcast(c)
			case sweepCmd:
				c.replyChannel <- r.sweep()
			case clientCountCmd:
				c.replyChannel <- len(r.tenants[c.tenantID])
			case statsCmd:
				c.replyChannel <- r.stats()
			case stopCmd:
				r.handleStop()
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

// drain shuts down connections whose open or close was queued behind the stop command.
// Callers waiting on a reply already see done closed.
func (r *Registry) drain() {
	for {
		select {
		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case openCmd:
				c.client.stop()
			case closeCmd:
				c.client.stop()
			}
		default:
			return
		}
	}
}

func (r *Registry) handleOpen(c openCmd) {
	r.clients[c.client] = struct{}{}
	r.updateGauges()
	slog.DebugContext(c.client.ctx, "Connection opened", "connection_id", c.client.id.String(), "connections", len(r.clients))
}

func (r *Registry) handleAuthenticate(c authenticateCmd) {
	client := c.client
	if _, open := r.clients[client]; !open {
		return
	}

	if client.tenantID != "" {
		if client.tenantID != c.tenantID {
			r.metrics.AuthRejections.WithLabelValues("tenant_change").Inc()
			slog.WarnContext(client.ctx, "Rejecting re-authentication to another tenant",
				"connection_id", client.id.String(),
				"tenant_id", client.tenantID,
				"requested_tenant_id", c.tenantID,
			)
			r.deliver(client, domain.AuthenticatedAck(rejectAlreadyAuthenticated))
			return
		}
		client.userID = c.userID
		r.deliver(client, domain.AuthenticatedAck(""))
		return
	}

	if len(r.tenants[c.tenantID]) >= r.config.MaxClientsPerTenant {
		r.metrics.AuthRejections.WithLabelValues("tenant_full").Inc()
		slog.WarnContext(client.ctx, "Rejecting client: max clients reached",
			"connection_id", client.id.String(),
			"tenant_id", c.tenantID,
			"max_clients", r.config.MaxClientsPerTenant,
		)
		r.deliver(client, domain.AuthenticatedAck(rejectTenantFull))
		return
	}

	// The ack is queued before the client joins the tenant, so it precedes every broadcast.
	client.tenantID = c.tenantID
	client.userID = c.userID
	if !r.deliver(client, domain.AuthenticatedAck("")) {
		return
	}

	clients, exists := r.tenants[c.tenantID]
	if !exists {
		clients = make(tenantClients)
		r.tenants[c.tenantID] = clients
	}
	clients[client] = struct{}{}
	r.authenticated++
	r.updateGauges()

	slog.InfoContext(client.ctx, "Client authenticated",
		"connection_id", client.id.String(),
		"tenant_id", c.tenantID,
		"user_id", c.userID,
		"tenant_clients", len(clients),
	)
}

// deliver queues a direct reply. A full queue evicts the client.
func (r *Registry) deliver(client *Client, data []byte) bool {
	switch client.enqueue(data) {
	case enqueued:
		return true
	case queueFull:
		r.remove(client, reasonSlowClient)
		return false
	default:
		r.remove(client, reasonWriteGone)
		return false
	}
}

func (r *Registry) handleBroadcast(c broadcastCmd) int {
	clients, exists := r.tenants[c.tenantID]
	if !exists {
		return 0
	}

	recipients := make([]*Client, 0, len(clients))
	for client := range clients {
		recipients = append(recipients, client)
	}

	reached := 0
	var slow []*Client
	for _, client := range recipients {
		switch client.enqueue(c.data) {
		case enqueued:
			reached++
		case queueFull:
			slow = append(slow, client)
		case writerStopped:
			// Mid-close; the transport reports the close on its own.
		}
	}

	for _, client := range slow {
		slog.WarnContext(client.ctx, "Disconnecting slow client", "connection_id", client.id.String(), "tenant_id", c.tenantID)
		r.remove(client, reasonSlowClient)
	}

	r.metrics.EventsBroadcast.Inc()
	r.metrics.MessagesSent.Add(float64(reached))
	slog.Debug("Event broadcast", "tenant_id", c.tenantID, "recipients", reached)
	return reached
}

// sweep terminates connections that did not answer the previous probe and probes the rest.
func (r *Registry) sweep() int {
	var dead []*Client
	for client := range r.clients {
		if !client.liveness.probe() {
			dead = append(dead, client)
			continue
		}
		client.ping()
	}

	for _, client := range dead {
		slog.InfoContext(client.ctx, "Terminating unresponsive connection",
			"connection_id", client.id.String(),
			"tenant_id", client.tenantID,
			"user_id", client.userID,
		)
		r.remove(client, reasonLiveness)
	}
	return len(dead)
}

// remove drops a connection from every index and closes its transport.
func (r *Registry) remove(client *Client, reason string) {
	if _, exists := r.clients[client]; !exists {
		return
	}
	delete(r.clients, client)

	if clients, exists := r.tenants[client.tenantID]; exists {
		if _, member := clients[client]; member {
			delete(clients, client)
			r.authenticated--
		}
		if len(clients) == 0 {
			delete(r.tenants, client.tenantID)
			slog.InfoContext(client.ctx, "Last client disconnected", "tenant_id", client.tenantID)
		}
	}

	client.stop()

	if reason == reasonLiveness || reason == reasonSlowClient {
		r.metrics.Evictions.WithLabelValues(reason).Inc()
	}
	r.updateGauges()

	slog.DebugContext(client.ctx, "Connection removed",
		"connection_id", client.id.String(),
		"tenant_id", client.tenantID,
		"reason", reason,
		"connections", len(r.clients),
	)
}

func (r *Registry) handleStop() {
	slog.Info("Registry shutting down", "tenants", len(r.tenants), "connections", len(r.clients))
	total := len(r.clients)
	r.closeAll("server shutting down")
	slog.Info("Registry shutdown complete", "disconnected_clients", total)
}

// closeAll closes every connection with reason. Used on shutdown and after a panic.
// Connections close concurrently so one stalled peer does not hold up the rest.
func (r *Registry) closeAll(reason string) {
	var g errgroup.Group
	for client := range r.clients {
		client := client
		g.Go(func() error {
			client.stopGraceful(reason)
			return nil
		})
	}
	_ = g.Wait()
	clear(r.clients)
	clear(r.tenants)
	r.authenticated = 0
	r.updateGauges()
}

func (r *Registry) stats() Stats {
	return Stats{
		Connections:   len(r.clients),
		Authenticated: r.authenticated,
		Tenants:       len(r.tenants),
	}
}

func (r *Registry) updateGauges() {
	r.metrics.Connections.Set(float64(len(r.clients)))
	r.metrics.AuthenticatedConnections.Set(float64(r.authenticated))
	r.metrics.Tenants.Set(float64(len(r.tenants)))
}
