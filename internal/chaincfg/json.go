// Package chaincfg (de)serializes a ChainDescriptor to/from an on-disk JSON
// shape: an unordered mapping of id/name/proxies, with each proxy entry
// carrying a case-insensitive type string ("socks5", "socks4", "http", or
// its alias "https").
//
// Plain encoding/json is used here: the shape is a small fixed struct with
// one case-insensitive string field. Decode and Encode go through private
// mirror structs, and the type string is matched by parseKind (see
// DESIGN.md).
package chaincfg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/die-net/conduit/internal/chainerr"
	"github.com/die-net/conduit/internal/proxydesc"
)

type proxyJSON struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type chainJSON struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Proxies []proxyJSON `json:"proxies"`
}

// Decode parses the on-disk/on-wire JSON form of a chain descriptor.
func Decode(data []byte) (proxydesc.ChainDescriptor, error) {
	var raw chainJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return proxydesc.ChainDescriptor{}, fmt.Errorf("%w: decode chain: %v", chainerr.ErrConfig, err)
	}

	out := proxydesc.ChainDescriptor{
		ID:      raw.ID,
		Name:    raw.Name,
		Proxies: make([]proxydesc.ProxyDescriptor, len(raw.Proxies)),
	}
	for i, p := range raw.Proxies {
		kind, err := parseKind(p.Type)
		if err != nil {
			return proxydesc.ChainDescriptor{}, fmt.Errorf("%w: proxy %d: %v", chainerr.ErrConfig, i+1, err)
		}
		out.Proxies[i] = proxydesc.ProxyDescriptor{
			Address:  p.Address,
			Port:     p.Port,
			Kind:     kind,
			Username: p.Username,
			Password: p.Password,
		}
	}
	return out, nil
}

// Encode renders c in the same on-disk/on-wire JSON shape Decode accepts.
// Credentials are included: this is the authoring format, not a log line.
func Encode(c proxydesc.ChainDescriptor) ([]byte, error) {
	raw := chainJSON{
		ID:      c.ID,
		Name:    c.Name,
		Proxies: make([]proxyJSON, len(c.Proxies)),
	}
	for i, p := range c.Proxies {
		raw.Proxies[i] = proxyJSON{
			Address:  p.Address,
			Port:     p.Port,
			Type:     p.Kind.String(),
			Username: p.Username,
			Password: p.Password,
		}
	}
	return json.MarshalIndent(raw, "", "  ")
}

func parseKind(s string) (proxydesc.ProxyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socks5":
		return proxydesc.SOCKS5, nil
	case "socks4":
		return proxydesc.SOCKS4, nil
	case "http", "https":
		return proxydesc.HTTP, nil
	default:
		return 0, fmt.Errorf("unknown proxy type %q", s)
	}
}
