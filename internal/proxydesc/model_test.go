package proxydesc

import (
	"errors"
	"testing"

	"github.com/die-net/conduit/internal/chainerr"
)

func TestProxyDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		p    ProxyDescriptor
		ok   bool
	}{
		{"valid", ProxyDescriptor{Address: "1.2.3.4", Port: 1080, Kind: SOCKS5}, true},
		{"empty address", ProxyDescriptor{Address: "", Port: 1080, Kind: SOCKS5}, false},
		{"port zero", ProxyDescriptor{Address: "1.2.3.4", Port: 0, Kind: SOCKS5}, false},
		{"port too large", ProxyDescriptor{Address: "1.2.3.4", Port: 65536, Kind: SOCKS5}, false},
		{"bad kind", ProxyDescriptor{Address: "1.2.3.4", Port: 1080, Kind: ProxyKind(99)}, false},
	}
	for _, tt := range tests {
		err := tt.p.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
			} else if !errors.Is(err, chainerr.ErrConfig) {
				t.Errorf("%s: got %v, want ErrConfig", tt.name, err)
			}
		}
	}
}

func TestProxyDescriptorRedacted(t *testing.T) {
	p := ProxyDescriptor{Address: "1.2.3.4", Port: 1080, Kind: SOCKS5, Username: "u", Password: "p"}
	r := p.Redacted()
	if r.Username != "" || r.Password != "" {
		t.Fatalf("Redacted leaked credentials: %+v", r)
	}
	if p.Username != "u" {
		t.Fatalf("Redacted mutated the receiver")
	}
}

func TestChainDescriptorValidate(t *testing.T) {
	good := ChainDescriptor{ID: "c1", Proxies: []ProxyDescriptor{{Address: "1.2.3.4", Port: 1080, Kind: SOCKS5}}}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}

	noID := good
	noID.ID = ""
	if err := noID.Validate(); !errors.Is(err, chainerr.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig", err)
	}

	empty := ChainDescriptor{ID: "c1"}
	if err := empty.Validate(); !errors.Is(err, chainerr.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig for empty chain", err)
	}

	badHop := ChainDescriptor{ID: "c1", Proxies: []ProxyDescriptor{{Address: "", Port: 1080, Kind: SOCKS5}}}
	if err := badHop.Validate(); !errors.Is(err, chainerr.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig for bad hop", err)
	}
}

func TestStepRecordOutcome(t *testing.T) {
	ok := StepRecord{}
	if ok.Outcome() != "ok" {
		t.Fatalf("got %q, want ok", ok.Outcome())
	}

	failed := StepRecord{Err: chainerr.ErrConnect}
	if failed.Outcome() != "error:connect error" {
		t.Fatalf("got %q", failed.Outcome())
	}
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	if cfg.MaxRetries != 2 {
		t.Fatalf("got MaxRetries=%d, want 2", cfg.MaxRetries)
	}
	if cfg.LoggingEnabled {
		t.Fatal("expected logging disabled by default")
	}
}
