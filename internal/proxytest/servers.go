// Package proxytest provides in-process SOCKS5/SOCKS4/HTTP-CONNECT server
// doubles for exercising the real protocol clients end to end.
//
// Each server dials the requested destination for real and relays bytes
// bidirectionally once negotiation succeeds, hand-framing SOCKS5, SOCKS4/4a,
// and HTTP CONNECT directly so tests can script rejection replies and
// malformed edge cases. Listener setup is internal/testutil.StartSingleAcceptServer.
package proxytest

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/die-net/conduit/internal/testutil"
)

// Auth is the optional credential a scripted server requires.
type Auth struct {
	Username string
	Password string
}

// copyBidirectional relays bytes between left and right until either side
// closes, then closes both. Mirrors internal/proxy/copy.go.
func copyBidirectional(left, right net.Conn) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(left, right); closeBoth() }()
	go func() { defer wg.Done(); _, _ = io.Copy(right, left); closeBoth() }()
	wg.Wait()
}

// --- SOCKS5 -----------------------------------------------------------

// SOCKS5Options scripts a SOCKS5 server double.
type SOCKS5Options struct {
	// RequireAuth, when set, rejects the no-auth method and requires this
	// username/password in RFC 1929 sub-negotiation.
	RequireAuth *Auth
	// RejectConnectWithCode, when non-zero, replies to CONNECT with this
	// REP code instead of dialing out.
	RejectConnectWithCode byte
}

// StartSOCKS5Server starts a single-connection SOCKS5 server double.
// Returns its listen address and a wait func that blocks until the one
// handled connection finishes.
func StartSOCKS5Server(t *testing.T, opts SOCKS5Options) (addr string, wait func()) {
	t.Helper()
	ln, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		handleSOCKS5(c, opts)
	})
	return ln.Addr().String(), wait
}

func handleSOCKS5(c net.Conn, opts SOCKS5Options) {
	br := bufio.NewReader(c)

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil || hdr[0] != 0x05 {
		return
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(br, methods); err != nil {
		return
	}

	if opts.RequireAuth != nil {
		if !contains(methods, 0x02) {
			_, _ = c.Write([]byte{0x05, 0xFF})
			return
		}
		if _, err := c.Write([]byte{0x05, 0x02}); err != nil {
			return
		}
		if !authSOCKS5(br, c, *opts.RequireAuth) {
			return
		}
	} else {
		if _, err := c.Write([]byte{0x05, 0x00}); err != nil {
			return
		}
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil || req[0] != 0x05 {
		return
	}
	dst, err := readSOCKS5Addr(br, req[3])
	if err != nil {
		return
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return
	}
	dstAddr := net.JoinHostPort(dst, strconv.Itoa(int(binary.BigEndian.Uint16(portBytes))))

	if opts.RejectConnectWithCode != 0 {
		writeSOCKS5Reply(c, opts.RejectConnectWithCode, nil)
		return
	}

	up, err := net.Dial("tcp", dstAddr)
	if err != nil {
		writeSOCKS5Reply(c, 0x05, nil)
		return
	}
	defer up.Close()

	writeSOCKS5Reply(c, 0x00, up.LocalAddr())
	copyBidirectional(c, up)
}

func authSOCKS5(br *bufio.Reader, c net.Conn, auth Auth) bool {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil || hdr[0] != 0x01 {
		return false
	}
	uname := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(br, uname); err != nil {
		return false
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(br, plen); err != nil {
		return false
	}
	pass := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(br, pass); err != nil {
		return false
	}

	if string(uname) != auth.Username || string(pass) != auth.Password {
		_, _ = c.Write([]byte{0x01, 0x01})
		return false
	}
	_, err := c.Write([]byte{0x01, 0x00})
	return err == nil
}

func writeSOCKS5Reply(c net.Conn, rep byte, bindAddr net.Addr) {
	out := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if ta, ok := bindAddr.(*net.TCPAddr); ok {
		if ip4 := ta.IP.To4(); ip4 != nil {
			copy(out[4:8], ip4)
		}
		binary.BigEndian.PutUint16(out[8:10], uint16(ta.Port))
	}
	_, _ = c.Write(out)
}

func readSOCKS5Addr(br *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case 0x01:
		b := make([]byte, 4)
		if _, err := io.ReadFull(br, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case 0x04:
		b := make([]byte, 16)
		if _, err := io.ReadFull(br, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case 0x03:
		l, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		b := make([]byte, int(l))
		if _, err := io.ReadFull(br, b); err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("bad atyp %#x", atyp)
	}
}

func contains(b []byte, v byte) bool {
	for _, x := range b {
		if x == v {
			return true
		}
	}
	return false
}

// --- SOCKS4 -------------------------------------------------------------

// SOCKS4Options scripts a SOCKS4/4a server double.
type SOCKS4Options struct {
	RejectWithCode byte
}

// StartSOCKS4Server starts a single-connection SOCKS4/4a server double.
func StartSOCKS4Server(t *testing.T, opts SOCKS4Options) (addr string, wait func()) {
	t.Helper()
	ln, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		handleSOCKS4(c, opts)
	})
	return ln.Addr().String(), wait
}

func handleSOCKS4(c net.Conn, opts SOCKS4Options) {
	br := bufio.NewReader(c)

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(br, hdr); err != nil || hdr[0] != 0x04 || hdr[1] != 0x01 {
		return
	}
	port := binary.BigEndian.Uint16(hdr[2:4])
	ip := net.IP(hdr[4:8])

	if _, err := readNulTerminated(br); err != nil { // user-id
		return
	}

	host := ip.String()
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		h, err := readNulTerminated(br)
		if err != nil {
			return
		}
		host = string(h)
	}

	dstAddr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if opts.RejectWithCode != 0 {
		_, _ = c.Write([]byte{0x00, opts.RejectWithCode, 0, 0, 0, 0, 0, 0})
		return
	}

	up, err := net.Dial("tcp", dstAddr)
	if err != nil {
		_, _ = c.Write([]byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()

	reply := []byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0}
	if ta, ok := up.LocalAddr().(*net.TCPAddr); ok {
		binary.BigEndian.PutUint16(reply[2:4], uint16(ta.Port))
		if ip4 := ta.IP.To4(); ip4 != nil {
			copy(reply[4:8], ip4)
		}
	}
	if _, err := c.Write(reply); err != nil {
		return
	}

	copyBidirectional(c, up)
}

func readNulTerminated(br *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0x00 {
			return out, nil
		}
		out = append(out, b)
	}
}

// --- HTTP CONNECT --------------------------------------------------------

// HTTPConnectOptions scripts an HTTP CONNECT server double.
type HTTPConnectOptions struct {
	RequireAuth  *Auth
	RejectStatus int // 0 means succeed with 200
}

// StartHTTPConnectServer starts a single-connection HTTP CONNECT server
// double.
func StartHTTPConnectServer(t *testing.T, opts HTTPConnectOptions) (addr string, wait func()) {
	t.Helper()
	ln, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		handleHTTPConnect(c, opts)
	})
	return ln.Addr().String(), wait
}

func handleHTTPConnect(c net.Conn, opts HTTPConnectOptions) {
	br := bufio.NewReader(c)

	reqLine, err := br.ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(reqLine)
	if len(fields) < 2 || fields[0] != "CONNECT" {
		return
	}
	target := fields[1]

	headers := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if idx := strings.Index(line, ":"); idx >= 0 {
			headers[strings.ToLower(strings.TrimSpace(line[:idx]))] = strings.TrimSpace(line[idx+1:])
		}
	}

	if opts.RequireAuth != nil {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.RequireAuth.Username+":"+opts.RequireAuth.Password))
		if headers["proxy-authorization"] != want {
			_, _ = c.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
			return
		}
	}

	if opts.RejectStatus != 0 {
		_, _ = fmt.Fprintf(c, "HTTP/1.1 %d rejected\r\n\r\n", opts.RejectStatus)
		return
	}

	up, err := net.Dial("tcp", target)
	if err != nil {
		_, _ = c.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer up.Close()

	if _, err := c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	copyBidirectional(c, up)
}

// --- generic echo target --------------------------------------------------

// StartEchoServer starts a server that accepts a single connection and
// echoes back the first message it reads on it.
func StartEchoServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln := testutil.StartEchoTCPServer(t, context.Background())
	return ln.Addr().String(), func() { _ = ln.Close() }
}
