package config

import (
	"flag"
	"io"
	"os"
)

// Flags are the command-line options of portald.
type Flags struct {
	ConfigPath string
	Addr       string
	Dev        bool
}

// ParseFlags parses args (without the program name).
//
//	-config string   path to a TOML configuration file
//	-addr string     listen address, overrides the file
//	-dev             single-process mode with embedded Redis and in-memory stores
func ParseFlags(args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("portald", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.ConfigPath, "config", "", "path to TOML configuration file")
	fs.StringVar(&f.Addr, "addr", "", "listen address")
	fs.BoolVar(&f.Dev, "dev", false, "development mode (embedded Redis, in-memory stores)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

// Load resolves the configuration for flags: defaults, file, environment,
// then the flags themselves.
func Load(f Flags) (*Config, error) {
	cfg := Default()
	if f.ConfigPath != "" {
		if err := LoadFile(cfg, f.ConfigPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.Dev {
		cfg.Dev = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
