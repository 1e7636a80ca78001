// Command conduitchain builds one proxy chain and relays stdin/stdout over
// the resulting tunnel, exercising internal/chain.Engine the way an external
// caller would.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/die-net/conduit/internal/chain"
	"github.com/die-net/conduit/internal/chaincfg"
	"github.com/die-net/conduit/internal/proxydesc"
	"github.com/die-net/conduit/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		chainFile      = pflag.String("chain", "", "Path to a JSON chain descriptor file (required)")
		target         = pflag.String("target", "", "Target host:port the last hop should CONNECT to (required)")
		perStepTimeout = pflag.Duration("step-timeout", 30*time.Second, "Timeout for each hop's negotiation")
		totalTimeout   = pflag.Duration("total-timeout", 120*time.Second, "Timeout for the whole chain build")
		maxRetries     = pflag.Int("max-retries", 2, "Retries per hop when negotiation fails before any bytes are sent")
		verbose        = pflag.Bool("verbose", false, "Log each hop as it's negotiated")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *chainFile == "" || *target == "" {
		return errors.New("both --chain and --target are required")
	}

	targetHost, targetPortStr, err := net.SplitHostPort(*target)
	if err != nil {
		return fmt.Errorf("invalid --target: %w", err)
	}
	targetPort, err := strconv.Atoi(targetPortStr)
	if err != nil {
		return fmt.Errorf("invalid --target port: %w", err)
	}

	data, err := os.ReadFile(*chainFile)
	if err != nil {
		return fmt.Errorf("read --chain: %w", err)
	}
	chainDesc, err := chaincfg.Decode(data)
	if err != nil {
		return fmt.Errorf("decode --chain: %w", err)
	}

	cfg := proxydesc.EngineConfig{
		PerStepTimeout: *perStepTimeout,
		TotalTimeout:   *totalTimeout,
		MaxRetries:     *maxRetries,
		LoggingEnabled: *verbose,
	}
	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "conduitchain: ", log.LstdFlags)
	}

	e := chain.New(cfg, &transport.TCPOpener{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tun, report, err := e.BuildChain(ctx, chainDesc, targetHost, targetPort)
	if err != nil {
		return fmt.Errorf("build chain %q: %w (failed at step %d)", chainDesc.ID, err, report.FailedStepIndex)
	}
	defer tun.Close()

	log.Printf("tunnel established to %s:%d in %dms over %d steps", targetHost, targetPort, report.DurationMS, len(report.Steps))

	rwc, ok := tun.Stream.(io.ReadWriteCloser)
	if !ok {
		return errors.New("tunnel's transport does not support splicing raw I/O")
	}
	return relay(ctx, rwc)
}

// relay copies bytes between the tunnel and this process's stdin/stdout
// until either side is done. It is deliberately outside internal/chain: the
// engine's job ends at BuildChain, the caller owns the bytes from there.
// rwc is read through the Stream's own buffered reader (see
// transport.TCPStream.Read) so nothing buffered during negotiation is lost.
func relay(ctx context.Context, rwc io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = rwc.Close() })
	defer stop()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(rwc, os.Stdin)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, rwc)
		errc <- err
	}()

	err := <-errc
	_ = rwc.Close()
	<-errc
	return err
}
