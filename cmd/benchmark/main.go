// SPDX-License-Identifier: GPL-3.0-or-later

// Command benchmark measures the engine's TCP throughput against a
// gVisor peer connected through an in-memory link.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/uip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for benchmark output (overridable in tests).
	output io.Writer = os.Stdout
)

// serverMain accepts once and writes bytes until the stream is closed.
func serverMain(ctx context.Context, engine *uip.Stack, total *atomic.Uint64) {
	// 1. accept a single stream
	stream := runtimex.PanicOnError1(engine.Accept(ctx))
	defer stream.Close()

	// 2. loop writing data to the peer
	data := make([]byte, 65535)
	for {
		count, err := stream.Write(data)
		if err != nil {
			log.Printf("server: Write failed: %s", err.Error())
			return
		}
		total.Add(uint64(count))
	}
}

// clientMain connects and reads bytes until the conn is closed.
func clientMain(ctx context.Context, connector *uip.Connector, remote string, total *atomic.Uint64) {
	// 1. connect to the server address
	conn := runtimex.PanicOnError1(connector.DialContext(ctx, "tcp", remote))
	defer conn.Close()

	// 2. read until possible
	data := make([]byte, 65535)
	for {
		count, err := conn.Read(data)
		if err != nil {
			log.Printf("client: Read failed: %s", err.Error())
			return
		}
		total.Add(uint64(count))
	}
}

// printerMain prints receive speed stats every 250 millisecond.
func printerMain(ctx context.Context, total *atomic.Uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(output, "\n")
			return
		case t := <-ticker.C:
			elapsed := t.Sub(t0).Seconds()
			nbytes := total.Load()
			speed := (8 * float64(nbytes) / elapsed) / (1000 * 1000)
			fmt.Fprintf(output, "\r\t%10.3f Mbit/s", speed)
		}
	}
}

// dumpMetrics prints the engine metrics in the Prometheus text format.
func dumpMetrics(registry *prometheus.Registry) {
	families := runtimex.PanicOnError1(registry.Gather())
	encoder := expfmt.NewEncoder(output, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		runtimex.PanicOnError0(encoder.Encode(family))
	}
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("benchmark", flag.ExitOnError)

	// 2. add flags to parse
	var (
		clientAddr  = fset.String("client-addr", "10.0.0.2", "Select client IP address.")
		configFile  = fset.String("config", "", "Load engine config from the given YAML file.")
		duration    = fset.Duration("duration", 10*time.Second, "Benchmark duration.")
		metrics     = fset.Bool("metrics", false, "Print engine metrics at the end.")
		pcapFile    = fset.String("pcap-file", "", "Write PCAP at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", 1500, "PCAP snapshot length in bytes.")
		serverAddr  = fset.String("server-addr", "10.0.0.1", "Select server IP address.")
		serverPort  = fset.String("server-port", "443", "Select server port.")
		verbose     = fset.Bool("verbose", false, "Enable verbose engine logging.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. create context with a timeout
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// 5. load the engine configuration
	cfg := &uip.Config{}
	if *configFile != "" {
		cfg = runtimex.PanicOnError1(uip.LoadConfig(*configFile))
	}

	// 6. create the in-memory link
	clientDev, engineDev := uip.NewMemoryDevicePair(uip.DefaultMemoryDeviceBuffer)

	// 7. assemble the engine options
	var options []uip.StackOption
	var trace *uip.PCAPTrace
	if *pcapFile != "" {
		filep := runtimex.PanicOnError1(os.Create(*pcapFile))
		trace = uip.NewPCAPTrace(filep, uint16(*pcapSnaplen))
		options = append(options, uip.StackOptionTrace(trace))
	}
	if *verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		options = append(options, uip.StackOptionLogger(logger))
	}

	// 8. create the engine playing the server role
	engine := uip.NewStack(cfg, engineDev, options...)
	defer engine.Close()

	// 9. register the engine metrics
	registry := prometheus.NewRegistry()
	engine.Metrics().Register(registry)

	// 10. spawn the server goroutine
	wg := &sync.WaitGroup{}
	totalSent := &atomic.Uint64{}
	wg.Go(func() {
		serverMain(ctx, engine, totalSent)
	})

	// 11. create the client virtual stack
	clientIPAddr := netip.MustParseAddr(*clientAddr)
	clientStack := runtimex.PanicOnError1(uip.NewPeerStack(65535, clientDev, clientIPAddr))
	defer clientStack.Close()

	// 12. spawn the client goroutine
	serverEpnt := net.JoinHostPort(*serverAddr, *serverPort)
	totalRecv := &atomic.Uint64{}
	connector := uip.NewConnector(clientStack)
	wg.Go(func() {
		clientMain(ctx, connector, serverEpnt, totalRecv)
	})

	// 13. spawn the goroutine counting bytes
	wg.Go(func() {
		printerMain(ctx, totalRecv)
	})

	// 14. wait for the benchmark to finish
	<-ctx.Done()

	// 15. shut down the stacks explicitly
	clientStack.Close()
	engine.Close()

	// 16. wait for goroutines to finish
	wg.Wait()

	// 17. finalize the trace and print the metrics
	if trace != nil {
		runtimex.PanicOnError0(trace.Close())
	}
	if *metrics {
		dumpMetrics(registry)
	}
}
