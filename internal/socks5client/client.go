// Package socks5client implements the client half of RFC 1928 (SOCKS
// Protocol Version 5) plus the RFC 1929 username/password sub-negotiation,
// byte-exact, against the transport.Stream abstraction.
//
// Every message is hand-framed rather than built through a library: the
// wire-exactness is the point of this package, not an incidental detail a
// library would hide.
package socks5client

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
	ver5 = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	userPassVer = 0x01

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess = 0x00
)

var repHuman = map[byte]string{
	0x00: "succeeded",
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

// Negotiate runs the SOCKS5 client handshake (greeting, optional user/pass
// sub-negotiation, CONNECT) over s, asking the hop to connect to
// host:port. It returns the bound address/port the hop echoed back.
func Negotiate(ctx context.Context, s transport.Stream, host string, port int, creds proxydesc.Credentials) (proxydesc.BindResult, error) {
	if err := greet(ctx, s, creds); err != nil {
		return proxydesc.BindResult{}, err
	}
	return connect(ctx, s, host, port)
}

func greet(ctx context.Context, s transport.Stream, creds proxydesc.Credentials) error {
	methods := []byte{methodNoAuth}
	haveCreds := creds.Username != "" || creds.Password != ""
	if haveCreds {
		methods = append(methods, methodUserPass)
	}

	req := make([]byte, 0, 2+len(methods))
	req = append(req, ver5, byte(len(methods)))
	req = append(req, methods...)
	if err := s.WriteAll(ctx, req); err != nil {
		return err
	}

	resp, err := s.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	if resp[0] != ver5 {
		return fmt.Errorf("%w: greeting reply version %#x", chainerr.ErrProtocol, resp[0])
	}

	switch resp[1] {
	case methodNoAuth:
		return nil
	case methodUserPass:
		if !haveCreds {
			return fmt.Errorf("%w", chainerr.ErrAuthRequiredButNotProvided)
		}
		return userPassAuth(ctx, s, creds)
	case methodNoAcceptable:
		return fmt.Errorf("%w", chainerr.ErrNoAcceptableMethods)
	default:
		return fmt.Errorf("%w: method %#x", chainerr.ErrUnexpectedAuthMethod, resp[1])
	}
}

func userPassAuth(ctx context.Context, s transport.Stream, creds proxydesc.Credentials) error {
	uname := []byte(creds.Username)
	pass := []byte(creds.Password)
	if len(uname) == 0 || len(uname) > 255 || len(pass) == 0 || len(pass) > 255 {
		return fmt.Errorf("%w: username/password must be 1..255 bytes", chainerr.ErrProtocol)
	}

	req := make([]byte, 0, 3+len(uname)+len(pass))
	req = append(req, userPassVer, byte(len(uname)))
	req = append(req, uname...)
	req = append(req, byte(len(pass)))
	req = append(req, pass...)
	if err := s.WriteAll(ctx, req); err != nil {
		return err
	}

	resp, err := s.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	if resp[0] != userPassVer {
		return fmt.Errorf("%w: userpass reply version %#x", chainerr.ErrProtocol, resp[0])
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("%w", chainerr.ErrAuthFailed)
	}
	return nil
}

func connect(ctx context.Context, s transport.Stream, host string, port int) (proxydesc.BindResult, error) {
	addrBytes, atyp, err := encodeAddress(host)
	if err != nil {
		return proxydesc.BindResult{}, err
	}

	req := make([]byte, 0, 4+len(addrBytes)+2)
	req = append(req, ver5, cmdConnect, 0x00, atyp)
	req = append(req, addrBytes...)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	if err := s.WriteAll(ctx, req); err != nil {
		return proxydesc.BindResult{}, err
	}

	hdr, err := s.ReadExact(ctx, 4)
	if err != nil {
		return proxydesc.BindResult{}, err
	}
	if hdr[0] != ver5 {
		return proxydesc.BindResult{}, fmt.Errorf("%w: connect reply version %#x", chainerr.ErrProtocol, hdr[0])
	}
	if hdr[2] != 0x00 {
		return proxydesc.BindResult{}, fmt.Errorf("%w: connect reply RSV %#x", chainerr.ErrProtocol, hdr[2])
	}

	rep := hdr[1]
	bound, err := readBoundAddr(ctx, s, hdr[3])
	if err != nil {
		return proxydesc.BindResult{}, err
	}

	if rep != repSuccess {
		human, ok := repHuman[rep]
		if !ok {
			human = fmt.Sprintf("unknown reply code %#x", rep)
		}
		return proxydesc.BindResult{}, &chainerr.NegotiationRejectedError{Code: int(rep), Human: human}
	}

	return bound, nil
}

func readBoundAddr(ctx context.Context, s transport.Stream, atyp byte) (proxydesc.BindResult, error) {
	var addr string
	switch atyp {
	case atypIPv4:
		b, err := s.ReadExact(ctx, 4)
		if err != nil {
			return proxydesc.BindResult{}, err
		}
		addr = fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	case atypIPv6:
		b, err := s.ReadExact(ctx, 16)
		if err != nil {
			return proxydesc.BindResult{}, err
		}
		addr = formatIPv6(b)
	case atypDomain:
		lb, err := s.ReadExact(ctx, 1)
		if err != nil {
			return proxydesc.BindResult{}, err
		}
		b, err := s.ReadExact(ctx, int(lb[0]))
		if err != nil {
			return proxydesc.BindResult{}, err
		}
		addr = string(b)
	default:
		return proxydesc.BindResult{}, fmt.Errorf("%w: bound address type %#x", chainerr.ErrProtocol, atyp)
	}

	pb, err := s.ReadExact(ctx, 2)
	if err != nil {
		return proxydesc.BindResult{}, err
	}
	return proxydesc.BindResult{Address: addr, Port: int(binary.BigEndian.Uint16(pb)), Present: true}, nil
}

// encodeAddress frames host per its addrkind.Kind for the ATYP/ADDR fields
// of a SOCKS5 request.
func encodeAddress(host string) (addrBytes []byte, atyp byte, err error) {
	switch addrkind.Classify(host) {
	case addrkind.IPv4:
		var b [4]byte
		for i, part := range splitIPv4(host) {
			b[i] = byte(part)
		}
		return b[:], atypIPv4, nil
	case addrkind.IPv6:
		b, err := addrkind.ParseIPv6Groups(host)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", chainerr.ErrProtocol, err)
		}
		return b, atypIPv6, nil
	default:
		name := []byte(host)
		if len(name) == 0 || len(name) > 255 {
			return nil, 0, fmt.Errorf("%w: domain name length %d out of range", chainerr.ErrProtocol, len(name))
		}
		out := make([]byte, 0, 1+len(name))
		out = append(out, byte(len(name)))
		out = append(out, name...)
		return out, atypDomain, nil
	}
}

func splitIPv4(host string) [4]int {
	var out [4]int
	var idx, val int
	for i := 0; i < len(host); i++ {
		c := host[i]
		if c == '.' {
			out[idx] = val
			idx++
			val = 0
			continue
		}
		val = val*10 + int(c-'0')
	}
	out[idx] = val
	return out
}

func formatIPv6(b []byte) string {
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = fmt.Sprintf("%x", binary.BigEndian.Uint16(b[i*2:i*2+2]))
	}
	out := groups[0]
	for _, g := range groups[1:] {
		out += ":" + g
	}
	return out
}
