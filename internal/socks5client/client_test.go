package socks5client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/conduit/internal/chainerr"
	"github.com/die-net/conduit/internal/proxydesc"
	"github.com/die-net/conduit/internal/transporttest"
)

// TestNegotiateNoAuthIPv4 covers a single SOCKS5 hop with no auth and an
// IPv4 target.
func TestNegotiateNoAuthIPv4(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- script(server,
			step{expect: []byte{0x05, 0x01, 0x00}, reply: []byte{0x05, 0x00}},
			step{expect: []byte{0x05, 0x01, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04, 0x01, 0xBB}, reply: []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		)
	}()

	ctx := context.Background()
	bind, err := Negotiate(ctx, client, "1.2.3.4", 443, proxydesc.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if bind.Address != "0.0.0.0" || bind.Port != 0 {
		t.Fatalf("got bind %+v", bind)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

// TestNegotiateUserPassDomain covers a single SOCKS5 hop with username/
// password auth and a domain-name target.
func TestNegotiateUserPassDomain(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		connectReq := append([]byte{0x05, 0x01, 0x00, 0x03, 0x0B}, []byte("example.com")...)
		connectReq = append(connectReq, 0x01, 0xBB) // port 443, sent in the same WriteAll
		errc <- script(server,
			step{expect: []byte{0x05, 0x02, 0x00, 0x02}, reply: []byte{0x05, 0x02}},
			step{expect: []byte{0x01, 0x01, 'u', 0x01, 'p'}, reply: []byte{0x01, 0x00}},
			step{expect: connectReq, reply: []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}},
		)
	}()

	ctx := context.Background()
	_, err := Negotiate(ctx, client, "example.com", 443, proxydesc.Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

// TestNegotiateDeterministic checks that the bytes written are a pure
// function of credentials/host/port.
func TestNegotiateDeterministic(t *testing.T) {
	capture := func() []byte {
		client, server := transporttest.NewPipe()
		defer client.Close()

		var written bytes.Buffer
		done := make(chan struct{})
		go func() {
			defer close(done)
			buf := make([]byte, 3)
			_, _ = io.ReadFull(server, buf)
			written.Write(buf)
			_, _ = server.Write([]byte{0x05, 0x00})
			rest := make([]byte, 10)
			_, _ = io.ReadFull(server, rest)
			written.Write(rest)
			_, _ = server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		}()

		_, _ = Negotiate(context.Background(), client, "1.2.3.4", 443, proxydesc.Credentials{})
		<-done
		return written.Bytes()
	}

	a := capture()
	b := capture()
	if !bytes.Equal(a, b) {
		t.Fatalf("non-deterministic wire bytes: %x vs %x", a, b)
	}
}

func TestNegotiateNoAcceptableMethods(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(server, buf)
		_, _ = server.Write([]byte{0x05, 0xFF})
	}()

	_, err := Negotiate(context.Background(), client, "1.2.3.4", 443, proxydesc.Credentials{})
	if !errors.Is(err, chainerr.ErrNoAcceptableMethods) {
		t.Fatalf("got %v, want ErrNoAcceptableMethods", err)
	}
}

func TestNegotiateAuthRequiredButNotProvided(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(server, buf)
		_, _ = server.Write([]byte{0x05, 0x02})
	}()

	_, err := Negotiate(context.Background(), client, "1.2.3.4", 443, proxydesc.Credentials{})
	if !errors.Is(err, chainerr.ErrAuthRequiredButNotProvided) {
		t.Fatalf("got %v, want ErrAuthRequiredButNotProvided", err)
	}
}

func TestNegotiateRejected(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(server, buf)
		_, _ = server.Write([]byte{0x05, 0x00})
		req := make([]byte, 10)
		_, _ = io.ReadFull(server, req)
		_, _ = server.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()

	_, err := Negotiate(context.Background(), client, "1.2.3.4", 443, proxydesc.Credentials{})
	var rej *chainerr.NegotiationRejectedError
	if !errors.As(err, &rej) || rej.Code != 0x05 {
		t.Fatalf("got %v, want NegotiationRejectedError{Code:5}", err)
	}
}

func TestNegotiateIPv6Target(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(server, buf)
		_, _ = server.Write([]byte{0x05, 0x00})
		req := make([]byte, 4+16+2)
		_, _ = io.ReadFull(server, req)
		done <- req
		_, _ = server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()

	_, err := Negotiate(context.Background(), client, "2001:0db8:0000:0000:0000:0000:0000:0001", 80, proxydesc.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	req := <-done
	if req[3] != 0x04 {
		t.Fatalf("expected ATYP=0x04 for IPv6, got %#x", req[3])
	}
}

func TestNegotiateTimeout(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Negotiate(ctx, client, "1.2.3.4", 443, proxydesc.Credentials{})
	if err == nil {
		t.Fatal("expected error")
	}
}

type step struct {
	expect     []byte
	reply      []byte
	replyAfter func(net.Conn)
}

func script(c net.Conn, steps ...step) error {
	for _, st := range steps {
		buf := make([]byte, len(st.expect))
		if _, err := io.ReadFull(c, buf); err != nil {
			return err
		}
		if !bytes.Equal(buf, st.expect) {
			return errMismatch(st.expect, buf)
		}
		if st.replyAfter != nil {
			st.replyAfter(c)
		} else if st.reply != nil {
			if _, err := c.Write(st.reply); err != nil {
				return err
			}
		}
	}
	return nil
}

func errMismatch(want, got []byte) error {
	return &mismatchError{want: want, got: got}
}

type mismatchError struct {
	want, got []byte
}

func (e *mismatchError) Error() string {
	return "byte mismatch: want " + hex(e.want) + " got " + hex(e.got)
}

func hex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0xF]
	}
	return string(out)
}
