// Package config loads simbridge settings from SIMBRIDGE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"simbridge/internal/core/network"
	"simbridge/internal/supervisor"
)

const (
	TransportWebSocket = "websocket"
	TransportLibp2p    = "libp2p"
)

const envPrefix = "SIMBRIDGE_"

type Config struct {
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON        bool          `env:"LOG_JSON"`
	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:":8090"`
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"5s"`

	Bus       BusConfig       `envPrefix:"BUS_"`
	Simulator SimulatorConfig `envPrefix:"SIM_"`
}

type BusConfig struct {
	Transport string `env:"TRANSPORT" envDefault:"websocket"`
	// URL is the simulator's websocket bus endpoint.
	URL string `env:"URL" envDefault:"ws://127.0.0.1:11345/bus"`
	// libp2p settings. Bootstrap normally holds the simulator's multiaddr.
	ListenAddrs     []string `env:"LISTEN_ADDRS" envSeparator:"," envDefault:"/ip4/0.0.0.0/tcp/0"`
	Bootstrap       []string `env:"BOOTSTRAP" envSeparator:","`
	MDNS            bool     `env:"MDNS"`
	Rendezvous      string   `env:"RENDEZVOUS" envDefault:"simbridge"`
	IdentityKeyFile string   `env:"IDENTITY_KEY_FILE"`
}

type SimulatorConfig struct {
	// Launch starts and supervises the simulator instead of attaching to a
	// running one.
	Launch      bool          `env:"LAUNCH"`
	Binary      string        `env:"BINARY" envDefault:"gzserver"`
	Args        []string      `env:"ARGS" envSeparator:" " envDefault:"--verbose"`
	Dir         string        `env:"DIR"`
	Env         []string      `env:"ENV" envSeparator:","`
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"5s"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: envPrefix})
}

// LoadFrom reads environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: envPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("command timeout must be positive"))
	}
	switch c.Bus.Transport {
	case TransportWebSocket:
		u, err := url.Parse(c.Bus.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("bus url %q must be a ws:// or wss:// url", c.Bus.URL))
		}
	case TransportLibp2p:
		if len(c.Bus.ListenAddrs) == 0 {
			errs = append(errs, errors.New("libp2p transport needs at least one listen address"))
		}
		if len(c.Bus.Bootstrap) == 0 && !c.Bus.MDNS {
			errs = append(errs, errors.New("libp2p transport needs bootstrap peers or mdns"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus transport %q", c.Bus.Transport))
	}
	if c.Simulator.Launch {
		sc := c.SupervisorConfig()
		if err := sc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SupervisorConfig maps the simulator settings onto the supervisor's.
func (c Config) SupervisorConfig() supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.Binary = c.Simulator.Binary
	if len(c.Simulator.Args) > 0 {
		sc.Args = c.Simulator.Args
	}
	sc.Dir = c.Simulator.Dir
	sc.Env = c.Simulator.Env
	sc.GracePeriod = c.Simulator.GracePeriod
	return sc
}

// Dialer returns the bus dialer for the configured transport.
func (c Config) Dialer(logger *zap.Logger) (network.Dialer, error) {
	switch c.Bus.Transport {
	case TransportWebSocket:
		return network.WebSocketDialer(c.Bus.URL, nil, logger), nil
	case TransportLibp2p:
		return network.Libp2pDialer(network.Libp2pOptions{
			ListenAddrs:      c.Bus.ListenAddrs,
			Bootstrap:        c.Bus.Bootstrap,
			Rendezvous:       c.Bus.Rendezvous,
			EnableMDNS:       c.Bus.MDNS,
			IdentityKeyFile:  c.Bus.IdentityKeyFile,
			RequireBootstrap: len(c.Bus.Bootstrap) > 0,
			Logger:           logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bus transport %q", c.Bus.Transport)
	}
}
