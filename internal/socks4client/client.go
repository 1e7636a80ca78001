// Package socks4client implements the client half of the SOCKS4 and SOCKS4a
// CONNECT handshake, byte-exact, against the transport.Stream abstraction.
package socks4client

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/die-net/conduit/internal/addrkind"
	"github.com/die-net/conduit/internal/chainerr"
	"github.com/die-net/conduit/internal/proxydesc"
	"github.com/die-net/conduit/internal/transport"
)

const (
	ver4       = 0x04
	cmdConnect = 0x01

	repGranted        = 0x5A
	repRejected       = 0x5B
	repNoIdentd       = 0x5C
	repIdentdRejected = 0x5D
)

var repHuman = map[byte]string{
	repGranted:        "request granted",
	repRejected:       "request rejected or failed",
	repNoIdentd:       "cannot connect to identd on client",
	repIdentdRejected: "client and identd report different user-ids",
}

// socks4aInvalidIP is the canonical DSTIP used to signal SOCKS4a: 0.0.0.x,
// x != 0.
var socks4aInvalidIP = [4]byte{0, 0, 0, 1}

// Negotiate runs the SOCKS4/SOCKS4a CONNECT handshake over s, asking the hop
// to connect to host:port. IPv6 targets are rejected: the protocol has no
// way to express them.
//
// BindResult is always Present, echoing the 8-byte reply's port/IP fields
// verbatim; their semantic contents are not validated.
func Negotiate(ctx context.Context, s transport.Stream, host string, port int, creds proxydesc.Credentials) (proxydesc.BindResult, error) {
	req, err := buildRequest(host, port, creds.Username)
	if err != nil {
		return proxydesc.BindResult{}, err
	}
	if err := s.WriteAll(ctx, req); err != nil {
		return proxydesc.BindResult{}, err
	}

	resp, err := s.ReadExact(ctx, 8)
	if err != nil {
		return proxydesc.BindResult{}, err
	}
	if resp[0] != 0x00 {
		return proxydesc.BindResult{}, fmt.Errorf("%w: reply first byte %#x", chainerr.ErrProtocol, resp[0])
	}

	code := resp[1]
	bound := proxydesc.BindResult{
		Port:    int(binary.BigEndian.Uint16(resp[2:4])),
		Address: fmt.Sprintf("%d.%d.%d.%d", resp[4], resp[5], resp[6], resp[7]),
		Present: true,
	}

	if code != repGranted {
		human, ok := repHuman[code]
		if !ok {
			human = fmt.Sprintf("unknown reply code %#x", code)
		}
		return bound, &chainerr.NegotiationRejectedError{Code: int(code), Human: human}
	}
	return bound, nil
}

func buildRequest(host string, port int, userid string) ([]byte, error) {
	kind := addrkind.Classify(host)
	if kind == addrkind.IPv6 {
		return nil, fmt.Errorf("%w: SOCKS4 cannot address IPv6 target %q", chainerr.ErrAddressTypeUnsupported, host)
	}

	req := make([]byte, 0, 9+len(host)+1)
	req = append(req, ver4, cmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))

	useSocks4a := kind != addrkind.IPv4
	if useSocks4a {
		req = append(req, socks4aInvalidIP[:]...)
	} else {
		ip, err := encodeIPv4(host)
		if err != nil {
			return nil, err
		}
		req = append(req, ip[:]...)
	}

	req = append(req, []byte(userid)...)
	req = append(req, 0x00)

	if useSocks4a {
		req = append(req, []byte(host)...)
		req = append(req, 0x00)
	}

	return req, nil
}

func encodeIPv4(host string) ([4]byte, error) {
	var out [4]byte
	var idx, val int
	for i := 0; i < len(host); i++ {
		c := host[i]
		if c == '.' {
			if idx > 3 {
				return out, fmt.Errorf("%w: malformed IPv4 literal %q", chainerr.ErrProtocol, host)
			}
			out[idx] = byte(val)
			idx++
			val = 0
			continue
		}
		val = val*10 + int(c-'0')
	}
	if idx != 3 {
		return out, fmt.Errorf("%w: malformed IPv4 literal %q", chainerr.ErrProtocol, host)
	}
	out[idx] = byte(val)
	return out, nil
}
