package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
)

func parse(t *testing.T, argv ...string) docopt.Opts {
	t.Helper()
	p := &docopt.Parser{HelpHandler: docopt.NoHelpHandler}
	opts, err := p.ParseArgs(usage, argv, "")
	if err != nil {
		t.Fatalf("ParseArgs(%v) failed: %v", argv, err)
	}
	return opts
}

func TestUsage_Commands(t *testing.T) {
	opts := parse(t, "subscribe", "--key=app.key:secret", "orders", "trades", "--count=3")
	if !isCommand(opts, "subscribe") {
		t.Fatal("subscribe not selected")
	}
	names, _ := opts["<channel>"].([]string)
	if len(names) != 2 || names[0] != "orders" || names[1] != "trades" {
		t.Errorf("<channel> = %v, want [orders trades]", names)
	}
	if got := countOption(opts); got != 3 {
		t.Errorf("countOption = %d, want 3", got)
	}

	opts = parse(t, "publish", "orders", "created", `{"id":1}`)
	if !isCommand(opts, "publish") {
		t.Fatal("publish not selected")
	}
	if data, _ := opts.String("<data>"); data != `{"id":1}` {
		t.Errorf("<data> = %q", data)
	}
	if got := countOption(opts); got != 0 {
		t.Errorf("countOption = %d, want 0 when absent", got)
	}
}

func TestClientOptions_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtctl.yaml")
	yaml := `realtime:
  key: ${TEST_REALTIME_KEY}
  environment: sandbox
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_REALTIME_KEY", "file.key:secret")
	t.Setenv("REALTIME_KEY", "env.key:secret")

	o, err := clientOptions(parse(t, "ping", "--config="+path))
	if err != nil {
		t.Fatalf("clientOptions failed: %v", err)
	}
	if o.Key != "file.key:secret" {
		t.Errorf("Key = %q, want the config file key", o.Key)
	}
	if o.Environment != "sandbox" {
		t.Errorf("Environment = %q, want sandbox", o.Environment)
	}
	if o.AutoConnectEnabled() {
		t.Error("expected auto connect to be off")
	}

	o, err = clientOptions(parse(t, "ping", "--config="+path, "--key=flag.key:secret", "--environment=staging"))
	if err != nil {
		t.Fatalf("clientOptions failed: %v", err)
	}
	if o.Key != "flag.key:secret" || o.Environment != "staging" {
		t.Errorf("Key, Environment = %q, %q, want flag values", o.Key, o.Environment)
	}

	o, err = clientOptions(parse(t, "ping"))
	if err != nil {
		t.Fatalf("clientOptions failed: %v", err)
	}
	if o.Key != "env.key:secret" {
		t.Errorf("Key = %q, want REALTIME_KEY", o.Key)
	}
}

func TestClientOptions_MissingKey(t *testing.T) {
	t.Setenv("REALTIME_KEY", "")
	if _, err := clientOptions(parse(t, "ping")); err == nil {
		t.Error("expected an error without credentials")
	}
}

func TestSecondsOption(t *testing.T) {
	d, err := secondsOption(parse(t, "ping", "--timeout=2.5"), "--timeout")
	if err != nil {
		t.Fatalf("secondsOption failed: %v", err)
	}
	if d != 2500*time.Millisecond {
		t.Errorf("timeout = %v, want 2.5s", d)
	}

	d, err = secondsOption(parse(t, "ping"), "--timeout")
	if err != nil || d != 10*time.Second {
		t.Errorf("default timeout = %v, %v, want 10s", d, err)
	}

	if _, err := secondsOption(parse(t, "ping", "--timeout=-1"), "--timeout"); err == nil {
		t.Error("expected an error for a negative timeout")
	}
}
