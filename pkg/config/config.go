// Package config loads the optional YAML defaults file consumed by
// pkg/conn.Factory: idle timeout, frame ceiling, transport mode, and
// handshake timeout. It is never load-bearing — every field has a built-in
// default matching spec.md's stated reference values, so a missing file is
// not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/umputun/sqliterpc/pkg/conn"
	"github.com/umputun/sqliterpc/pkg/rpc"
	"github.com/umputun/sqliterpc/pkg/transport"
)

// Defaults holds the parsed contents of a sqliterpc config file.
type Defaults struct {
	Idle             string `yaml:"idle"`
	MaxFrameBytes    int    `yaml:"maxFrameBytes"`
	Transport        string `yaml:"transport"`
	HandshakeTimeout string `yaml:"handshakeTimeout"`
}

// defaultConfig is what Load returns when no file is present, matching
// spec.md's reference values exactly.
func defaultConfig() *Defaults {
	return &Defaults{
		Idle:             "60s",
		MaxFrameBytes:    rpc.DefaultMaxFrameBytes,
		Transport:        "auto",
		HandshakeTimeout: "5s",
	}
}

// Load reads and parses the YAML config at path. A missing file is not an
// error: Load returns the built-in defaults unchanged. A file that exists
// but fails to parse returns a descriptive error and no partial defaults.
func Load(path string) (*Defaults, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied configuration
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	d := defaultConfig()
	if err := yaml.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return d, nil
}

func (d *Defaults) validate() error {
	if _, err := time.ParseDuration(d.Idle); err != nil {
		return fmt.Errorf("invalid idle duration %q: %w", d.Idle, err)
	}
	if _, err := time.ParseDuration(d.HandshakeTimeout); err != nil {
		return fmt.Errorf("invalid handshakeTimeout duration %q: %w", d.HandshakeTimeout, err)
	}
	if d.MaxFrameBytes <= 0 {
		return fmt.Errorf("maxFrameBytes must be positive, got %d", d.MaxFrameBytes)
	}
	switch d.Transport {
	case "auto", "pipe", "socket":
	default:
		return fmt.Errorf("transport must be one of auto/pipe/socket, got %q", d.Transport)
	}
	return nil
}

// ApplyTo feeds the parsed defaults into a Factory: idle period, frame
// ceiling, and the transport's mode and handshake timeout.
func (d *Defaults) ApplyTo(f *conn.Factory) error {
	idle, err := time.ParseDuration(d.Idle)
	if err != nil {
		return fmt.Errorf("config: apply idle: %w", err)
	}
	handshake, err := time.ParseDuration(d.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("config: apply handshakeTimeout: %w", err)
	}

	f.IdlePeriod = idle
	f.MaxFrameBytes = d.MaxFrameBytes
	f.TransportOpts.HandshakeTimeout = handshake
	switch d.Transport {
	case "pipe":
		f.TransportOpts.Mode = transport.ModePipe
	case "socket":
		f.TransportOpts.Mode = transport.ModeSocket
	default: // "auto": pipe mode is the default and portable choice
		f.TransportOpts.Mode = transport.ModePipe
	}
	return nil
}
