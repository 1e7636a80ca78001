package socks4client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/die-net/conduit/internal/chainerr"
	"github.com/die-net/conduit/internal/proxydesc"
	"github.com/die-net/conduit/internal/transporttest"
)

// TestNegotiatePlainIPv4NoUserid covers a single SOCKS4 hop with an IPv4
// target and no userid.
func TestNegotiatePlainIPv4NoUserid(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()

	done := make(chan []byte, 1)
	go func() {
		req := make([]byte, 9)
		_, _ = io.ReadFull(server, req)
		done <- req
		_, _ = server.Write([]byte{0x00, 0x5A, 0x01, 0xBB, 1, 2, 3, 4})
	}()

	bind, err := Negotiate(context.Background(), client, "1.2.3.4", 443, proxydesc.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if bind.Address != "1.2.3.4" || bind.Port != 443 {
		t.Fatalf("got bind %+v", bind)
	}

	want := []byte{0x04, 0x01, 0x01, 0xBB, 1, 2, 3, 4, 0x00}
	got := <-done
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestNegotiateSocks4aDomain(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()

	done := make(chan []byte, 1)
	go func() {
		req := make([]byte, 8+len("bob")+1+len("example.com")+1)
		_, _ = io.ReadFull(server, req)
		done <- req
		_, _ = server.Write([]byte{0x00, 0x5A, 0x00, 0x50, 0, 0, 0, 0})
	}()

	_, err := Negotiate(context.Background(), client, "example.com", 80, proxydesc.Credentials{Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}

	got := <-done
	want := append([]byte{0x04, 0x01, 0x00, 0x50, 0, 0, 0, 1}, []byte("bob")...)
	want = append(want, 0x00)
	want = append(want, []byte("example.com")...)
	want = append(want, 0x00)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestNegotiateRejectsIPv6(t *testing.T) {
	client, _ := transporttest.NewPipe()
	defer client.Close()

	_, err := Negotiate(context.Background(), client, "2001:db8::1", 443, proxydesc.Credentials{})
	if !errors.Is(err, chainerr.ErrAddressTypeUnsupported) {
		t.Fatalf("got %v, want ErrAddressTypeUnsupported", err)
	}
}

func TestNegotiateRejectedReply(t *testing.T) {
	client, server := transporttest.NewPipe()
	defer client.Close()

	go func() {
		req := make([]byte, 9)
		_, _ = io.ReadFull(server, req)
		_, _ = server.Write([]byte{0x00, 0x5B, 0x00, 0x00, 0, 0, 0, 0})
	}()

	_, err := Negotiate(context.Background(), client, "1.2.3.4", 443, proxydesc.Credentials{})
	var rej *chainerr.NegotiationRejectedError
	if !errors.As(err, &rej) || rej.Code != 0x5B {
		t.Fatalf("got %v, want NegotiationRejectedError{Code:0x5B}", err)
	}
}
