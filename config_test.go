package boxproxy

import (
	"flag"
	"testing"
)

func TestConfigRegisterFlagsOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)

	if err := fs.Parse([]string{"-listen-port=1234", "-cloud-host=cloud.example.com"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenPort != 1234 {
		t.Fatalf("expected overridden listen port, got %d", cfg.ListenPort)
	}
	if cfg.CloudHost != "cloud.example.com" {
		t.Fatalf("expected overridden cloud host, got %q", cfg.CloudHost)
	}
	if cfg.QueueMax != DefaultConfig().QueueMax {
		t.Fatalf("expected untouched default for queue-max, got %d", cfg.QueueMax)
	}
}

func TestConfigValidateFallsBackToDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = -1
	cfg.ModeOverride = "bogus"
	cfg.QueueMax = 0

	cfg.Validate(&nopLogger{})

	def := DefaultConfig()
	if cfg.ListenPort != def.ListenPort {
		t.Fatalf("expected default listen port, got %d", cfg.ListenPort)
	}
	if cfg.ModeOverride != def.ModeOverride {
		t.Fatalf("expected default mode override, got %q", cfg.ModeOverride)
	}
	if cfg.QueueMax != def.QueueMax {
		t.Fatalf("expected default queue max, got %d", cfg.QueueMax)
	}
}

func TestConfigInitialMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModeOverride = "offline"
	m, overridden := cfg.InitialMode()
	if !overridden || m != ModeOffline {
		t.Fatalf("expected OFFLINE override, got %v overridden=%v", m, overridden)
	}

	cfg.ModeOverride = "auto"
	m, overridden = cfg.InitialMode()
	if overridden || m != ModeOnline {
		t.Fatalf("expected ONLINE with no override, got %v overridden=%v", m, overridden)
	}
}

func TestConfigAddrHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 5710
	cfg.CloudHost = "cloud.example.com"
	cfg.CloudPort = 443

	if cfg.ListenAddr() != "127.0.0.1:5710" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr())
	}
	if cfg.CloudAddr() != "cloud.example.com:443" {
		t.Fatalf("unexpected cloud addr: %q", cfg.CloudAddr())
	}
}
