package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/drblury/queueflow/internal/runtime/bridge"
	configpkg "github.com/drblury/queueflow/internal/runtime/config"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/handles"
	loggingpkg "github.com/drblury/queueflow/internal/runtime/logging"
	"github.com/drblury/queueflow/internal/runtime/metrics"
	"github.com/drblury/queueflow/internal/runtime/postman"
	"github.com/drblury/queueflow/internal/runtime/pubsub"
	"github.com/drblury/queueflow/internal/runtime/router"
	"github.com/drblury/queueflow/internal/runtime/trie"
	"github.com/drblury/queueflow/internal/runtime/txlimit"
	"github.com/drblury/queueflow/transport"
	_ "github.com/drblury/queueflow/transport/transports" // built-in transports
)

var listenAndServe = http.ListenAndServe

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Transport is used as is instead of building one from the config. The
	// service does not close a transport it was handed.
	Transport transport.Transport
	// Registry builds the transport; defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer receives the Prometheus collectors when MetricsEnabled is set.
	Registerer prometheus.Registerer
	// RouterHooks are merged into the hooks of every router the service creates.
	RouterHooks router.Hooks
}

// lifecycle is a component the service starts and stops.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

type component struct {
	info ComponentInfo
	run  lifecycle
}

// Service owns a transport and the infrastructure its components share: one
// postman, one destination handle cache, one transaction limiter and one
// metrics collector. Create components through the service, then Start it.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport     transport.Transport
	ownsTransport bool
	postman       *postman.Postman
	handles       *handles.Cache
	limiter       *txlimit.Limiter
	metrics       *metrics.Collector
	gatherer      prometheus.Gatherer
	routerHooks   router.Hooks

	mu         sync.Mutex
	components []component
	closers    []func() error
	started    bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	httpOnce      sync.Once
}

// NewService builds the transport selected by conf and the shared
// infrastructure on top of it.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating queueflow service", loggingpkg.LogFields{
		"transport": cfg.Transport,
		"config":    cfg.String(),
	})

	s := &Service{
		Conf:        &cfg,
		Logger:      log,
		routerHooks: deps.RouterHooks,
		transport:   deps.Transport,
	}

	if cfg.MetricsEnabled {
		s.metrics = metrics.New(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.gatherer, _ = deps.Registerer.(prometheus.Gatherer)
	}

	if s.transport == nil {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		tr, err := registry.Build(ctx, &cfg, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, err
		}
		s.transport = tr
		s.ownsTransport = true
	}

	pm, err := postman.New(s.transport, postman.Options{
		AdminQueue:        cfg.AdminQueue,
		TrackingTTL:       cfg.TrackingTTL,
		ReachQueueTimeout: cfg.ReachQueueTimeout,
		ReceiveTimeout:    cfg.ReceiveTimeout,
		Logger:            log,
		Metrics:           s.metrics,
	})
	if err != nil {
		s.closeTransport()
		return nil, err
	}
	s.postman = pm
	s.handles = handles.New(s.transport, handles.Options{
		Size:        cfg.HandleCacheSize,
		IdleTimeout: cfg.HandleIdleTimeout,
		Logger:      log,
		Metrics:     s.metrics,
	})
	s.limiter = txlimit.New(int64(cfg.MaxOpenTransactions), s.metrics)
	return s, nil
}

// Transport returns the transport all components share.
func (s *Service) Transport() transport.Transport { return s.transport }

// Postman returns the shared acknowledgment tracker.
func (s *Service) Postman() *postman.Postman { return s.postman }

// Handles returns the shared destination handle cache.
func (s *Service) Handles() *handles.Cache { return s.handles }

// Limiter returns the shared transaction limiter.
func (s *Service) Limiter() *txlimit.Limiter { return s.limiter }

// Metrics returns the collector, or nil when metrics are disabled.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// NewRouter creates a router on the configured input queue. Fields left zero
// in opts are filled from the config and the shared infrastructure.
func (s *Service) NewRouter(route router.RouteFunc, opts router.Options) (*router.Router, error) {
	if opts.InputQueue == "" {
		opts.InputQueue = s.Conf.InputQueue
	}
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = s.Conf.MaxBatchSize
	}
	if opts.InProgressSubqueue == "" {
		opts.InProgressSubqueue = s.Conf.InProgressSubqueue
	}
	if opts.PoisonSubqueue == "" {
		opts.PoisonSubqueue = s.Conf.PoisonSubqueue
	}
	s.share(&opts.Limiter, &opts.Handles, &opts.Logger, &opts.Metrics)
	opts.Hooks = s.routerHooks.Merge(opts.Hooks)

	r, err := router.New(s.transport, s.postman, route, opts)
	if err != nil {
		return nil, err
	}
	s.add(ComponentInfo{Kind: "router", Queue: opts.InputQueue, state: func() string { return r.State().String() }}, r)
	return r, nil
}

// NewDispatcher creates a local pub-sub dispatcher reading queue.
func (s *Service) NewDispatcher(queue string, opts pubsub.DispatcherOptions) (*pubsub.Dispatcher, error) {
	opts.Queue = queue
	s.labelOptions(&opts.Trie)
	if opts.Logger == nil {
		opts.Logger = s.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = s.metrics
	}
	d, err := pubsub.NewDispatcher(s.transport, opts)
	if err != nil {
		return nil, err
	}
	s.add(ComponentInfo{Kind: "dispatcher", Queue: queue}, d)
	return d, nil
}

// NewProxy creates a pub-sub proxy reading queue. Its fan-out is tracked by
// the shared postman unless opts.Postman is set.
func (s *Service) NewProxy(queue string, opts pubsub.ProxyOptions) (*pubsub.Proxy, error) {
	opts.InputQueue = queue
	if opts.Postman == nil {
		opts.Postman = s.postman
	}
	if opts.InProgressSubqueue == "" {
		opts.InProgressSubqueue = s.Conf.InProgressSubqueue
	}
	if opts.PoisonSubqueue == "" {
		opts.PoisonSubqueue = s.Conf.PoisonSubqueue
	}
	s.labelOptions(&opts.Trie)
	s.share(&opts.Limiter, &opts.Handles, &opts.Logger, &opts.Metrics)
	p, err := pubsub.NewProxy(s.transport, opts)
	if err != nil {
		return nil, err
	}
	s.add(ComponentInfo{Kind: "proxy", Queue: queue}, p)
	return p, nil
}

// NewClient creates a pub-sub client talking to the proxy on proxyQueue.
func (s *Service) NewClient(proxyQueue, subscriberQueue string) (*pubsub.Client, error) {
	c, err := pubsub.NewClient(s.transport, proxyQueue, subscriberQueue)
	if err != nil {
		return nil, err
	}
	s.addCloser(c.Close)
	return c, nil
}

// NewPublisher creates a Watermill publisher whose messages are tracked to
// their queue by the shared postman.
func (s *Service) NewPublisher() (*bridge.Publisher, error) {
	p, err := bridge.NewPublisher(s.transport, bridge.PublisherOptions{
		Postman: s.postman,
		Handles: s.handles,
		Limiter: s.limiter,
		Logger:  s.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.addCloser(p.Close)
	return p, nil
}

// NewSubscriber creates a Watermill subscriber over the service's transport.
func (s *Service) NewSubscriber() (*bridge.Subscriber, error) {
	sub, err := bridge.NewSubscriber(s.transport, bridge.SubscriberOptions{
		Limiter: s.limiter,
		Logger:  s.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.addCloser(sub.Close)
	return sub, nil
}

func (s *Service) share(limiter **txlimit.Limiter, cache **handles.Cache, log *loggingpkg.ServiceLogger, collector **metrics.Collector) {
	if *limiter == nil {
		*limiter = s.limiter
	}
	if *cache == nil {
		*cache = s.handles
	}
	if *log == nil {
		*log = s.Logger
	}
	if *collector == nil {
		*collector = s.metrics
	}
}

func (s *Service) labelOptions(opts *trie.Options) {
	if opts.Separator == "" {
		opts.Separator = s.Conf.LabelSeparator
	}
}

func (s *Service) add(info ComponentInfo, run lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Name = fmt.Sprintf("%s-%d", info.Kind, len(s.components)+1)
	s.components = append(s.components, component{info: info, run: run})
}

func (s *Service) addCloser(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Start starts the postman and then every component in creation order. When
// one fails, those already started are stopped again.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrAlreadyStarted
	}

	if err := s.postman.Start(ctx); err != nil {
		return err
	}
	for i, c := range s.components {
		if err := c.run.Start(ctx); err != nil {
			s.Logger.Error("Failed to start component", err, loggingpkg.LogFields{"component": c.info.Name})
			for j := i - 1; j >= 0; j-- {
				_ = s.components[j].run.Stop()
			}
			_ = s.postman.Stop()
			return fmt.Errorf("start %s: %w", c.info.Name, err)
		}
	}
	s.started = true
	s.httpOnce.Do(s.startHTTPServers)
	s.Logger.Info("Service started", loggingpkg.LogFields{"components": len(s.components)})
	return nil
}

// Stop stops the components in reverse order, then the postman. Afterwards
// the service can be started again.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var err error
	for i := len(s.components) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.components[i].run.Stop())
	}
	err = multierr.Append(err, s.postman.Stop())
	s.Logger.Info("Service stopped", nil)
	return err
}

// Run starts the service and blocks until ctx is done, then stops it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Close stops the service and releases everything it created, including the
// transport when the service built it.
func (s *Service) Close() error {
	err := s.Stop()

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}

	s.limiter.Close()
	err = multierr.Append(err, s.handles.Close())
	return multierr.Append(err, s.closeTransport())
}

func (s *Service) closeTransport() error {
	if !s.ownsTransport {
		return nil
	}
	s.ownsTransport = false
	return s.transport.Close()
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.registerStatusHandlers()

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := listenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
