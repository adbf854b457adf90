package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/strategy"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxAge             = 7 * 24 * time.Hour
	DefaultInstallConcurrency = 4
)

var ErrNotInstalled = errors.New("worker is not installed")

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Network access. If nil, requests are proxied to OriginURL.
	Fetcher Fetcher
	// URL of the origin server. It also identifies the origin in cache keys.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Version tag of the deployment. Namespaces are derived from it.
	Version string
	// Paths pre-cached into the primary namespace at install.
	Precache []string
	// Path of the document served to offline navigations.
	OfflinePage string
	// Path of the image served to offline image requests. It should be part of Precache.
	FallbackImage string
	// Activate right after install.
	SkipWaiting bool
	// Age after which dynamic entries are evicted.
	MaxAge time.Duration
	// Number of parallel fetches at install.
	InstallConcurrency int
	// Classifier rules. Empty lists fall back to the defaults.
	Rules strategy.Rules
	// Builds notifications from push payloads. DefaultPushFormatter if nil.
	Push PushFormatter
	// URL opened when a notification is clicked. The origin if empty.
	NotificationURL string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock, for tests.
	Now func() time.Time
}

// Worker intercepts requests and answers them from the cache, the network or a fallback,
// depending on the strategy assigned to the request.
// All methods are safe for concurrent use.
type Worker struct {
	cache              cache.CacheProvider
	fetcher            Fetcher
	keyer              cachekey.CacheKeyer
	classifier         strategy.Classifier
	version            string
	namespaces         Namespaces
	precache           []string
	offlinePage        string
	fallbackImage      string
	skipWaiting        bool
	installConcurrency int
	sweeper            *Sweeper
	push               PushFormatter
	notificationURL    string
	log                zerolog.Logger
	now                func() time.Time

	// serializes install and activate
	lifecycle sync.Mutex
	state     atomic.Int32
	// in-flight cache writes
	writes     sync.WaitGroup
	fetchGroup singleflight.Group
}

// New creates a worker in the New state. It needs to be installed and activated
// before it starts answering requests from the cache.
func New(config Config) (*Worker, error) {
	if config.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if config.Version == "" {
		return nil, errors.New("version is required")
	}
	if config.Fetcher == nil && config.OriginURL.Host == "" {
		return nil, errors.New("either fetcher or origin is required")
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("cacheVersion", config.Version).
		Logger()

	wk := &Worker{
		cache:              config.Cache,
		fetcher:            config.Fetcher,
		keyer:              cachekey.NewCacheKeyer(config.OriginURL.String()),
		classifier:         strategy.NewClassifier(config.Rules),
		version:            config.Version,
		namespaces:         NamespacesFor(config.Version),
		precache:           append([]string(nil), config.Precache...),
		offlinePage:        config.OfflinePage,
		fallbackImage:      config.FallbackImage,
		skipWaiting:        config.SkipWaiting,
		installConcurrency: config.InstallConcurrency,
		push:               config.Push,
		notificationURL:    config.NotificationURL,
		log:                logger,
		now:                config.Now,
	}
	if wk.fetcher == nil {
		wk.fetcher = NewOriginFetcher(config.OriginURL, config.OriginHost, &wk.log)
	}
	if wk.installConcurrency <= 0 {
		wk.installConcurrency = DefaultInstallConcurrency
	}
	if wk.now == nil {
		wk.now = time.Now
	}
	if wk.push == nil {
		wk.push = DefaultPushFormatter{}
	}
	if wk.notificationURL == "" {
		wk.notificationURL = config.OriginURL.String() + "/"
	}
	maxAge := config.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	wk.sweeper = NewSweeper(wk.cache, wk.keyer, wk.namespaces.Dynamic, maxAge, wk.now, wk.log)
	return wk, nil
}

// Version returns the version tag of the worker.
func (wk *Worker) Version() string {
	return wk.version
}

// Namespaces returns the namespaces of the current version.
func (wk *Worker) Namespaces() Namespaces {
	return wk.namespaces
}

// State returns the lifecycle state.
func (wk *Worker) State() State {
	return State(wk.state.Load())
}

// Controlling reports whether the worker has been activated and handles requests.
// Until then requests go straight to the network.
func (wk *Worker) Controlling() bool {
	return wk.State() == StateActivated
}

// Wait blocks until all in-flight cache writes have finished.
func (wk *Worker) Wait() {
	wk.writes.Wait()
}

// OnInstall starts the installation. The returned signal completes once
// the namespaces of the current version are populated.
func (wk *Worker) OnInstall(ctx context.Context) *Pending {
	return runPending(ctx, wk.Install)
}

// OnActivate starts the activation. The returned signal completes once
// the namespaces of previous versions are gone.
func (wk *Worker) OnActivate(ctx context.Context) *Pending {
	return runPending(ctx, wk.Activate)
}

// Install opens and populates the namespaces of the current version.
// Re-installing an activated worker refreshes the pre-cached assets
// and keeps it in control.
func (wk *Worker) Install(ctx context.Context) error {
	wk.lifecycle.Lock()
	prev := wk.State()
	if prev != StateActivated {
		wk.state.Store(int32(StateInstalling))
	}
	err := wk.install(ctx)
	if err != nil {
		wk.state.Store(int32(prev))
		wk.lifecycle.Unlock()
		return fmt.Errorf("install %s: %w", wk.version, err)
	}
	if prev != StateActivated {
		wk.state.Store(int32(StateInstalled))
	}
	wk.lifecycle.Unlock()

	if wk.skipWaiting {
		wk.log.Debug().Msg("Skipping waiting")
		return wk.Activate(ctx)
	}
	return nil
}

// Activate removes the namespaces of every other version and takes control of requests.
// Calling it again is harmless.
func (wk *Worker) Activate(ctx context.Context) error {
	wk.lifecycle.Lock()
	defer wk.lifecycle.Unlock()

	prev := wk.State()
	switch prev {
	case StateNew, StateInstalling:
		return ErrNotInstalled
	case StateInstalled:
		wk.state.Store(int32(StateActivating))
	}
	if err := wk.activate(ctx); err != nil {
		wk.state.Store(int32(prev))
		return fmt.Errorf("activate %s: %w", wk.version, err)
	}
	wk.state.Store(int32(StateActivated))
	if prev != StateActivated {
		wk.log.Info().Msg("Activated, claiming clients")
	}
	return nil
}

// OnMessage runs a command sent by a client page.
func (wk *Worker) OnMessage(ctx context.Context, msg Message) (Reply, error) {
	wk.log.Debug().Str("command", string(msg.Command)).Msg("Received message")
	switch msg.Command {
	case CommandSkipWaiting:
		if err := wk.Activate(ctx); err != nil {
			return Reply{}, err
		}
		return wk.reply(ctx), nil
	case CommandClearCache:
		cleared, err := wk.clear(ctx)
		if err != nil {
			return Reply{}, err
		}
		reply := wk.reply(ctx)
		reply.Cleared = cleared
		return reply, nil
	case CommandGetVersion:
		return wk.reply(ctx), nil
	}
	return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
}

func (wk *Worker) reply(ctx context.Context) Reply {
	reply := Reply{
		Version: wk.version,
		State:   wk.State().String(),
	}
	if names, err := wk.cache.Namespaces(ctx); err != nil {
		wk.log.Error().Err(err).Msg("Could not list namespaces")
	} else {
		reply.Namespaces = names
	}
	return reply
}

// OnPeriodicMaintenance sweeps aged entries out of the dynamic namespace.
func (wk *Worker) OnPeriodicMaintenance(ctx context.Context) (SweepResult, error) {
	return wk.sweeper.Sweep(ctx)
}

// RunMaintenance sweeps on every interval until the context is done.
func (wk *Worker) RunMaintenance(ctx context.Context, interval time.Duration) {
	wk.sweeper.Run(ctx, interval)
}

type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

// Pending is the completion signal of a lifecycle phase.
type Pending struct {
	done chan struct{}
	err  error
}

func runPending(ctx context.Context, f func(context.Context) error) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = f(ctx)
	}()
	return p
}

// Done is closed when the phase has completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome of the phase. It is nil while the phase is running.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the phase has completed or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
