// Package daemonconfig holds the daemon's configuration surface: a
// grouped struct decoded from CLI flags, from which the daemon sources its
// connection timeout, listen addresses, and store DSN. No option carries an
// env tag, so none is read from environment variables.
package daemonconfig

import (
	"fmt"
	"time"

	"github.com/estuary/cfd-daemon/pkg/cfdid"
)

// Config is the daemon's top-level configuration.
type Config struct {
	Endpoint EndpointConfig `group:"Endpoint" namespace:"endpoint" env-namespace:"ENDPOINT"`
	Store    StoreConfig    `group:"Store" namespace:"store" env-namespace:"STORE"`
	Log      LogConfig      `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// EndpointConfig configures the pkg/endpoint Endpoint actor.
type EndpointConfig struct {
	ConnectionTimeout time.Duration `long:"connection-timeout" optional:"true" default:"10s" description:"bound on transport upgrade and per-substream protocol negotiation"`
	ListenAddresses   []string      `long:"listen" optional:"true" description:"multiaddr(es) to listen on, e.g. /memory/9000"`
	MakerAddress      string        `long:"maker" optional:"true" description:"multiaddr of the maker to trade against, with a trailing /p2p/<PeerId>"`
}

// StoreConfig configures the pkg/store CFD event store.
type StoreConfig struct {
	DSN string `long:"dsn" optional:"true" default:"cfd.db" description:"SQLite data source name for the CFD event store"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level  string `long:"level" optional:"true" default:"info" description:"logrus level: trace, debug, info, warn, error"`
	Format string `long:"format" optional:"true" default:"text" choice:"text" choice:"json"`
}

// Validate checks the config for internally-consistent values it cannot
// express through go-flags struct tags alone.
func (c Config) Validate() error {
	if c.Endpoint.ConnectionTimeout <= 0 {
		return fmt.Errorf("endpoint.connection-timeout must be positive, got %s", c.Endpoint.ConnectionTimeout)
	}
	for _, addr := range c.Endpoint.ListenAddresses {
		if _, err := cfdid.ParseMultiaddr(addr); err != nil {
			return fmt.Errorf("endpoint.listen %q: %w", addr, err)
		}
	}
	if c.Endpoint.MakerAddress != "" {
		var addr, err = cfdid.ParseMultiaddr(c.Endpoint.MakerAddress)
		if err != nil {
			return fmt.Errorf("endpoint.maker %q: %w", c.Endpoint.MakerAddress, err)
		}
		if _, ok, perr := addr.ExtractPeerId(); perr != nil || !ok {
			return fmt.Errorf("endpoint.maker %q must carry a /p2p/<PeerId> suffix", c.Endpoint.MakerAddress)
		}
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not a recognized logrus level", c.Log.Level)
	}
	return nil
}
