// Command natbridge runs one endpoint of a peer-to-peer port tunnel.
//
// Usage:
//
//	natbridge exposer <bridge-id> [flags]
//	natbridge accessor <bridge-id> [flags]
//	natbridge config <path> [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/opd-ai/natbridge"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("natbridge", flag.ContinueOnError)
	flags.Usage = func() { usage(flags) }

	expose := flags.Int("expose", 8080, "TCP/UDP port of the local service to expose")
	listen := flags.Int("listen", 5000, "local TCP/UDP port to accept connections on")
	protocol := flags.String("protocol", "tcp", "protocol to forward: tcp, udp, or both")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	warnings := flags.BoolP("warnings", "w", false, "log benign disconnect diagnostics")
	jsonLogs := flags.Bool("json", false, "emit single-line JSON log objects")
	secret := flags.String("secret", "", "shared secret for mutual authentication")
	statusPort := flags.Int("status", 0, "serve the status endpoint on this loopback port (0 disables)")
	maxStreams := flags.Int("max-streams", 256, "maximum concurrent tunnel streams")
	kbps := flags.Int("kbps", 0, "per-stream throttle in KiB/s (0 disables)")
	tcpRetries := flags.Int("tcp-retries", 5, "dial attempts for the exposed TCP service")
	tcpRetryDelay := flags.Int("tcp-retry-delay", 500, "delay between dial attempts in milliseconds")
	bootstrap := flags.StringArray("bootstrap", nil, "overlay bootstrap multiaddr (repeatable)")
	help := flags.BoolP("help", "h", false, "show this help")

	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *help {
		usage(flags)
		return 0
	}

	positional := flags.Args()
	if len(positional) != 2 {
		usage(flags)
		return 1
	}

	opts, err := buildOptions(positional[0], positional[1], flags, cliValues{
		expose:        *expose,
		listen:        *listen,
		protocol:      *protocol,
		secret:        *secret,
		statusPort:    *statusPort,
		maxStreams:    *maxStreams,
		kbps:          *kbps,
		tcpRetries:    *tcpRetries,
		tcpRetryDelay: *tcpRetryDelay,
		bootstrap:     *bootstrap,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	opts.Verbose = opts.Verbose || *verbose
	opts.ExpectedWarnings = *warnings
	opts.JSONLogs = *jsonLogs

	natbridge.ConfigureLogging(opts.Verbose, opts.JSONLogs)

	bridge, err := natbridge.New(context.Background(), opts)
	if err != nil {
		logrus.WithField("error", err.Error()).Error("Startup failed")
		return 1
	}
	if err := bridge.Start(); err != nil {
		logrus.WithField("error", err.Error()).Error("Startup failed")
		bridge.Close()
		return 1
	}

	for _, addr := range bridge.BootstrapAddrs() {
		logrus.WithField("addr", addr).Info("Overlay address")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logrus.Info("Signal received, shutting down")

	// A second signal aborts the graceful path.
	go func() {
		<-sigCh
		logrus.Warn("Second signal, forcing exit")
		os.Exit(1)
	}()

	if err := bridge.Close(); err != nil {
		logrus.WithField("error", err.Error()).Warn("Shutdown finished with errors")
	}
	return 0
}

// cliValues carries the parsed flag values into option assembly.
type cliValues struct {
	expose        int
	listen        int
	protocol      string
	secret        string
	statusPort    int
	maxStreams    int
	kbps          int
	tcpRetries    int
	tcpRetryDelay int
	bootstrap     []string
}

// buildOptions assembles Options from the positional mode and flags, or
// from a config file when the mode is "config". Explicit flags override
// file values.
func buildOptions(mode, arg string, flags *flag.FlagSet, v cliValues) (*natbridge.Options, error) {
	if mode == "config" {
		opts, err := natbridge.LoadConfigFile(arg)
		if err != nil {
			return nil, err
		}
		applyFlagOverrides(opts, flags, v)
		if err := opts.Validate(); err != nil {
			return nil, err
		}
		return opts, nil
	}

	role, err := natbridge.ParseRole(mode)
	if err != nil {
		return nil, err
	}

	opts := natbridge.NewOptions()
	opts.Role = role
	opts.BridgeID = arg
	opts.Protocol = natbridge.Protocol(v.protocol)
	opts.ExposedPort = v.expose
	opts.ListenPort = v.listen
	opts.Secret = v.secret
	opts.StatusPort = v.statusPort
	opts.MaxStreams = v.maxStreams
	opts.Kbps = v.kbps
	opts.TCPConnectRetries = v.tcpRetries
	opts.TCPRetryDelay = time.Duration(v.tcpRetryDelay) * time.Millisecond
	opts.BootstrapPeers = v.bootstrap

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// applyFlagOverrides lets explicitly set flags win over config-file
// values.
func applyFlagOverrides(opts *natbridge.Options, flags *flag.FlagSet, v cliValues) {
	if flags.Changed("expose") {
		opts.ExposedPort = v.expose
	}
	if flags.Changed("listen") {
		opts.ListenPort = v.listen
	}
	if flags.Changed("protocol") {
		opts.Protocol = natbridge.Protocol(v.protocol)
	}
	if flags.Changed("secret") {
		opts.Secret = v.secret
	}
	if flags.Changed("status") {
		opts.StatusPort = v.statusPort
	}
	if flags.Changed("max-streams") {
		opts.MaxStreams = v.maxStreams
	}
	if flags.Changed("kbps") {
		opts.Kbps = v.kbps
	}
	if flags.Changed("tcp-retries") {
		opts.TCPConnectRetries = v.tcpRetries
	}
	if flags.Changed("tcp-retry-delay") {
		opts.TCPRetryDelay = time.Duration(v.tcpRetryDelay) * time.Millisecond
	}
	if flags.Changed("bootstrap") {
		opts.BootstrapPeers = v.bootstrap
	}
}

func usage(flags *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `natbridge - peer-to-peer port tunnel

Usage:
  natbridge exposer <bridge-id> [flags]    expose a local service
  natbridge accessor <bridge-id> [flags]   reach an exposed service
  natbridge config <path> [flags]          load settings from a JSON file

Flags:
%s`, flags.FlagUsages())
}
