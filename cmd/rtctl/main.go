package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/realtime"
	"github.com/rickgao/realtime/internal/version"
)

const usage = `Realtime control.

Credentials come from --key, the realtime section of --config, or the
REALTIME_KEY environment variable, in that order.

Usage:
    rtctl ping [options] [--count=<count>]
    rtctl subscribe [options] <channel>... [--count=<count>]
    rtctl publish [options] <channel> <name> <data>
    rtctl version
    rtctl -h | --help

Options:
    -h --help                  Show this screen.
    --config=<path>            Config file with a realtime section.
    --key=<key>                API key of the form <name>:<secret>.
    --environment=<env>        Named environment, for example sandbox.
    --host=<host>              Realtime host, overrides the environment.
    --timeout=<seconds>        Timeout for connect and each request [default: 10].
    --count=<count>            Stop after this many pings or messages.
    --verbose                  Log state changes and traffic.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version.String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if v, _ := opts.Bool("version"); v {
		fmt.Println(version.String())
		return
	}

	verbose, _ := opts.Bool("--verbose")
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	clientOpts, err := clientOptions(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	timeout, err := secondsOption(opts, "--timeout")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := realtime.New(clientOpts, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
		defer closeCancel()
		client.Close(closeCtx)
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	switch {
	case isCommand(opts, "ping"):
		err = ping(ctx, client, timeout, countOption(opts))
	case isCommand(opts, "subscribe"):
		names, _ := opts["<channel>"].([]string)
		err = subscribe(ctx, client, names, timeout, countOption(opts))
	case isCommand(opts, "publish"):
		name, _ := opts.String("<channel>")
		if list, ok := opts["<channel>"].([]string); ok && len(list) > 0 {
			name = list[0]
		}
		event, _ := opts.String("<name>")
		data, _ := opts.String("<data>")
		err = publish(ctx, client, name, event, data, timeout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func isCommand(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

// clientOptions merges the config file, the environment and flags.
func clientOptions(opts docopt.Opts) (config.ClientOptions, error) {
	var o config.ClientOptions
	if path, _ := opts.String("--config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return o, err
		}
		o = cfg.Realtime
	}
	if o.Key == "" && o.Token == "" && o.AuthURL == "" {
		o.Key = os.Getenv("REALTIME_KEY")
	}
	if key, _ := opts.String("--key"); key != "" {
		o.Key = key
	}
	if env, _ := opts.String("--environment"); env != "" {
		o.Environment = env
	}
	if host, _ := opts.String("--host"); host != "" {
		o.RealtimeHost = host
		o.RestHost = host
	}
	o.AutoConnect = config.Bool(false)
	o.ApplyDefaults()
	return o, o.Validate()
}

func secondsOption(opts docopt.Opts, name string) (time.Duration, error) {
	s, _ := opts.String(name)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", name, s)
	}
	return time.Duration(n * float64(time.Second)), nil
}

// countOption returns 0 when --count is absent, meaning run until interrupted.
func countOption(opts docopt.Opts) int {
	n, err := opts.Int("--count")
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func ping(ctx context.Context, client *realtime.Client, timeout time.Duration, count int) error {
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		rtt, err := client.Connection.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		fmt.Printf("pong from %s: time=%s\n", client.Connection.ID(), rtt.Round(time.Microsecond))
		if i+1 < count {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

func subscribe(ctx context.Context, client *realtime.Client, names []string, timeout time.Duration, count int) error {
	received := make(chan string, 64)
	for _, name := range names {
		attachCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := client.Channel(name).SubscribeAll(attachCtx, func(m *protocol.Message) {
			line, err := json.Marshal(struct {
				Channel string `json:"channel"`
				*protocol.Message
			}{name, m})
			if err != nil {
				line = []byte(fmt.Sprintf(`{"channel":%q,"error":%q}`, name, err))
			}
			select {
			case received <- string(line):
			default:
				fmt.Fprintf(os.Stderr, "output backlog full, skipped %s on %s\n", m.ID, name)
			}
		})
		cancel()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		fmt.Fprintf(os.Stderr, "attached to %s\n", name)
	}

	for seen := 0; count == 0 || seen < count; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case line := <-received:
			fmt.Println(line)
		}
	}
	return nil
}

func publish(ctx context.Context, client *realtime.Client, channel, name, data string, timeout time.Duration) error {
	var payload any = data
	var decoded any
	if json.Unmarshal([]byte(data), &decoded) == nil {
		payload = decoded
	}

	publishCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Channel(channel).Publish(publishCtx, name, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Fprintf(os.Stderr, "published %s to %s\n", name, channel)
	return nil
}
