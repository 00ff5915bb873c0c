// Package clusterserver provides the control RPC transport between nodes.
package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/meshtopo/internal/membership"
	"github.com/yndnr/meshtopo/internal/telemetry/metric"
	"github.com/yndnr/meshtopo/internal/topology"
	"github.com/yndnr/meshtopo/pkg/cmap"
)

// ErrUnknownMember is returned when a target has no advertised RPC address.
var ErrUnknownMember = errors.New("clusterserver: member has no rpc address")

// TransportConfig configures a Transport.
type TransportConfig struct {
	Self      topology.Address
	Directory *membership.Directory

	// HTTPClient carries the RPCs. Defaults to a client with no timeout;
	// deadlines come from the call context.
	HTTPClient connect.HTTPClient

	// AsyncTimeout bounds fire-and-forget sends.
	AsyncTimeout time.Duration

	// MaxFanout limits concurrent RPCs of one synchronous invocation.
	MaxFanout int

	Interceptors []connect.Interceptor
	Metrics      *metric.Registry
	Logger       *slog.Logger
}

// Transport implements topology.Transport over Connect RPC. The view is
// pushed by the node through SetView before the topology managers see it.
type Transport struct {
	self         topology.Address
	directory    *membership.Directory
	httpClient   connect.HTTPClient
	asyncTimeout time.Duration
	maxFanout    int
	interceptors []connect.Interceptor
	metrics      *metric.Registry
	logger       *slog.Logger

	mu   sync.RWMutex
	view topology.View

	clients *cmap.Map[string, *connect.Client[topology.Command, topology.Response]]
}

var _ topology.Transport = (*Transport)(nil)

// NewTransport creates a transport for cfg.Self.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Self == "" {
		return nil, errors.New("clusterserver: self address is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("clusterserver: directory is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 30 * time.Second
	}
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		self:         cfg.Self,
		directory:    cfg.Directory,
		httpClient:   cfg.HTTPClient,
		asyncTimeout: cfg.AsyncTimeout,
		maxFanout:    cfg.MaxFanout,
		interceptors: cfg.Interceptors,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "cluster_transport"),
		view:         topology.View{ID: -1},
		clients:      cmap.New[string, *connect.Client[topology.Command, topology.Response]](),
	}, nil
}

// SetView installs the membership view the transport reports.
func (t *Transport) SetView(v topology.View) {
	v.Members = slices.Clone(v.Members)
	t.mu.Lock()
	t.view = v
	t.mu.Unlock()
}

// Address returns the local node id.
func (t *Transport) Address() topology.Address { return t.self }

// Members returns the members of the current view.
func (t *Transport) Members() []topology.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.view.Members)
}

// ViewID returns the id of the current view.
func (t *Transport) ViewID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view.ID
}

// Coordinator returns the coordinator of the current view.
func (t *Transport) Coordinator() topology.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view.Coordinator
}

// IsCoordinator reports whether this node coordinates the current view.
func (t *Transport) IsCoordinator() bool {
	return t.Coordinator() == t.self
}

func (t *Transport) isMember(addr topology.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.view.Members, addr)
}

// InvokeRemotely implements topology.Transport.
func (t *Transport) InvokeRemotely(
	ctx context.Context,
	targets []topology.Address,
	cmd topology.Command,
	mode topology.ResponseMode,
) (map[topology.Address]topology.Response, error) {
	if targets == nil {
		targets = t.Members()
	}
	targets = slices.DeleteFunc(slices.Clone(targets), func(a topology.Address) bool { return a == t.self })

	if mode == topology.Async {
		for _, target := range targets {
			go t.sendAsync(ctx, target, cmd)
		}
		return nil, nil
	}

	var (
		mu  sync.Mutex
		out = make(map[topology.Address]topology.Response, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.maxFanout)
	for _, target := range targets {
		g.Go(func() error {
			resp, err := t.invoke(gctx, target, cmd)
			if err != nil {
				if mode == topology.SyncIgnoreLeavers && !t.isMember(target) {
					t.logger.Debug("ignoring failure of departed member",
						"member", target, "type", cmd.Type, "error", err)
					return nil
				}
				resp = &topology.Response{Error: fmt.Sprintf("member unreachable: %v", err)}
			}
			mu.Lock()
			out[target] = *resp
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; failures are recorded per member.
	_ = g.Wait()
	return out, nil
}

func (t *Transport) sendAsync(ctx context.Context, target topology.Address, cmd topology.Command) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.asyncTimeout)
	defer cancel()
	if _, err := t.invoke(actx, target, cmd); err != nil {
		t.logger.Warn("async command failed", "member", target, "type", cmd.Type, "store", cmd.Store, "error", err)
	}
}

func (t *Transport) invoke(ctx context.Context, target topology.Address, cmd topology.Command) (*topology.Response, error) {
	start := time.Now()
	resp, err := t.call(ctx, target, cmd)
	t.metrics.ObserveRPC(string(cmd.Type), time.Since(start), err)
	return resp, err
}

func (t *Transport) call(ctx context.Context, target topology.Address, cmd topology.Command) (*topology.Response, error) {
	addr, ok := t.directory.RPCAddr(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, target)
	}
	client, _ := t.clients.GetOrCompute(addr, func() *connect.Client[topology.Command, topology.Response] {
		return connect.NewClient[topology.Command, topology.Response](
			t.httpClient,
			"http://"+addr+InvokeProcedure,
			connect.WithCodec(jsonCodec{}),
			connect.WithInterceptors(t.interceptors...),
		)
	})
	resp, err := client.CallUnary(ctx, connect.NewRequest(&cmd))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
