// Package httpconnect implements the client half of an HTTP/1.1 CONNECT
// tunnel request, byte-exact, against the transport.Stream abstraction.
//
// It deliberately does not drain any bytes after the header terminator on a
// successful 200: doing so can swallow the first bytes of the caller's own
// protocol (e.g. a TLS ClientHello) sent over the tunnel.
package httpconnect

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/conduit/internal/chainerr"
	"github.com/die-net/conduit/internal/proxydesc"
	"github.com/die-net/conduit/internal/transport"
)

const userAgent = "conduitchain/1.0"

const maxLineBytes = 8192

// Negotiate sends one HTTP/1.1 CONNECT request for host:port over s and
// parses the response. BindResult is never Present: HTTP CONNECT does not
// echo a bound address.
func Negotiate(ctx context.Context, s transport.Stream, host string, port int, creds proxydesc.Credentials) (proxydesc.BindResult, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))

	var b strings.Builder
	b.WriteString("CONNECT " + target + " HTTP/1.1\r\n")
	b.WriteString("Host: " + target + "\r\n")
	b.WriteString("User-Agent: " + userAgent + "\r\n")
	if creds.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		b.WriteString("Proxy-Authorization: Basic " + token + "\r\n")
	}
	b.WriteString("Proxy-Connection: Keep-Alive\r\n")
	b.WriteString("Connection: Keep-Alive\r\n")
	b.WriteString("\r\n")

	if err := s.WriteAll(ctx, []byte(b.String())); err != nil {
		return proxydesc.BindResult{}, err
	}

	status, err := readStatusLine(ctx, s)
	if err != nil {
		return proxydesc.BindResult{}, err
	}

	if err := readHeaders(ctx, s); err != nil {
		return proxydesc.BindResult{}, err
	}

	if status == 200 {
		return proxydesc.BindResult{}, nil
	}
	return proxydesc.BindResult{}, mapStatus(status)
}

func readStatusLine(ctx context.Context, s transport.Stream) (int, error) {
	line, err := s.ReadUntilCRLF(ctx, maxLineBytes)
	if err != nil {
		return 0, err
	}
	lineStr := strings.TrimSuffix(string(line), "\r\n")

	parts := strings.SplitN(lineStr, " ", 3)
	if len(parts) < 2 || !isHTTP11OrHTTP10(parts[0]) || len(parts[1]) != 3 {
		return 0, fmt.Errorf("%w: malformed status line %q", chainerr.ErrProtocol, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: malformed status line %q", chainerr.ErrProtocol, line)
	}
	return code, nil
}

func isHTTP11OrHTTP10(version string) bool {
	return version == "HTTP/1.1" || version == "HTTP/1.0"
}

func readHeaders(ctx context.Context, s transport.Stream) error {
	for {
		line, err := s.ReadUntilCRLF(ctx, maxLineBytes)
		if err != nil {
			return err
		}
		if string(line) == "\r\n" {
			return nil
		}
		// Header lines are consumed for framing only; conduit's client does
		// not need their values.
	}
}

func mapStatus(code int) error {
	switch code {
	case 401, 407:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "proxy authentication required"}
	case 403:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "forbidden"}
	case 404:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "host not found"}
	case 405:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "method not allowed"}
	case 408, 504:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "timeout"}
	case 502:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "bad gateway"}
	case 503:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "unavailable"}
	case 500:
		return &chainerr.NegotiationRejectedError{Code: code, Human: "proxy internal error"}
	default:
		return &chainerr.NegotiationRejectedError{Code: code, Human: fmt.Sprintf("http error %d", code)}
	}
}
