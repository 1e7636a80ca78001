// Package proxydesc holds the proxy-chain data model: proxy/chain
// descriptors, engine configuration, and the step/connection report types
// the orchestrator produces.
package proxydesc

import (
	"fmt"
	"time"

	"github.com/die-net/conduit/internal/chainerr"
)

// ProxyKind is the closed set of hop protocols this engine speaks.
type ProxyKind int

const (
	SOCKS5 ProxyKind = iota
	SOCKS4
	HTTP
)

func (k ProxyKind) String() string {
	switch k {
	case SOCKS5:
		return "socks5"
	case SOCKS4:
		return "socks4"
	case HTTP:
		return "http"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ProxyDescriptor describes one hop in a chain.
type ProxyDescriptor struct {
	Address  string
	Port     int
	Kind     ProxyKind
	Username string
	Password string
}

// Validate checks that a single hop has a usable address, port, and kind.
func (p ProxyDescriptor) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("%w: proxy address is empty", chainerr.ErrConfig)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: proxy port %d out of range", chainerr.ErrConfig, p.Port)
	}
	switch p.Kind {
	case SOCKS5, SOCKS4, HTTP:
	default:
		return fmt.Errorf("%w: unknown proxy kind %v", chainerr.ErrConfig, p.Kind)
	}
	return nil
}

// Credentials extracts this hop's credentials. For SOCKS4, Password is
// ignored by the SOCKS4 client regardless of what's set here.
func (p ProxyDescriptor) Credentials() Credentials {
	return Credentials{Username: p.Username, Password: p.Password}
}

// Redacted returns a copy with credentials removed, safe to embed in step
// records, reports, or log lines.
func (p ProxyDescriptor) Redacted() ProxyDescriptor {
	p.Username = ""
	p.Password = ""
	return p
}

// ChainDescriptor is an ordered list of hops. Index 0 is reached directly;
// index N-1 connects to the ultimate target.
type ChainDescriptor struct {
	ID      string
	Name    string
	Proxies []ProxyDescriptor
}

// Validate checks that a chain has an id and at least one valid hop.
func (c ChainDescriptor) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: chain id is empty", chainerr.ErrConfig)
	}
	if len(c.Proxies) == 0 {
		return fmt.Errorf("%w: chain %q has no proxies", chainerr.ErrConfig, c.ID)
	}
	for i, p := range c.Proxies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: chain %q hop %d: %v", chainerr.ErrConfig, c.ID, i+1, err)
		}
	}
	return nil
}

// EngineConfig controls deadlines, retry, and logging for all chains built
// by one Engine.
type EngineConfig struct {
	PerStepTimeout time.Duration
	TotalTimeout   time.Duration
	MaxRetries     int
	LoggingEnabled bool
}

// DefaultEngineConfig returns reasonable defaults for an Engine.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PerStepTimeout: 30 * time.Second,
		TotalTimeout:   120 * time.Second,
		MaxRetries:     2,
		LoggingEnabled: false,
	}
}

// StepKind identifies what a step record represents.
type StepKind int

const (
	DirectOpen StepKind = iota
	ProxyToProxy
	ProxyToTarget
)

func (k StepKind) String() string {
	switch k {
	case DirectOpen:
		return "direct_open"
	case ProxyToProxy:
		return "proxy_to_proxy"
	case ProxyToTarget:
		return "proxy_to_target"
	default:
		return "unknown"
	}
}

// StepRecord is one entry in a ConnectionReport, appended in order by the
// orchestrator.
type StepRecord struct {
	Index       int
	Kind        StepKind
	Proxy       ProxyDescriptor // always Redacted()
	NextHost    string
	NextPort    int
	HasNext     bool
	Err         error // nil on success
	Timestamp   time.Time
}

// Outcome renders this step's outcome as "ok" or "error:reason".
func (s StepRecord) Outcome() string {
	if s.Err == nil {
		return "ok"
	}
	return "error:" + s.Err.Error()
}

// ConnectionReport is the structured record of one BuildChain call.
type ConnectionReport struct {
	ChainID    string
	ChainName  string
	TargetHost string
	TargetPort int
	Steps      []StepRecord
	StartTime  time.Time
	DurationMS int64

	// Populated on success, when the final hop's protocol provides one.
	BindAddress string
	BindPort    int
	BindPresent bool

	// Populated on failure.
	ErrorMessage    string
	FailedStepIndex int
}
