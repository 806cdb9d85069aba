// Package config holds the explicit, passed-in configuration a HAP server
// constructor needs: bind address, setup code, accessory name, and storage
// path, gathered into one struct instead of scattered package-level
// mutable state.
package config

import (
	"flag"
	"fmt"
	"regexp"
)

var setupCodePattern = regexp.MustCompile(`^\d{3}-\d{2}-\d{3}$`)

// Config is the full set of inputs a HAP server needs to start.
type Config struct {
	// BindAddr is the TCP address the server listens on, e.g. "127.0.0.1:8080".
	BindAddr string
	// SetupCode is the HAP setup code, format "XXX-XX-XXX".
	SetupCode string
	// AccessoryName identifies the accessory in logs and is used as its
	// accessory pairing id.
	AccessoryName string
	// StoragePath is where the file-backed Backend persists state. Empty
	// means use an in-memory Backend instead.
	StoragePath string
}

// Validate checks that Config's fields are well-formed, in particular that
// SetupCode matches HAP's required \d{3}-\d{2}-\d{3} format.
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("config: bind address must not be empty")
	}
	if !setupCodePattern.MatchString(c.SetupCode) {
		return fmt.Errorf("config: setup code %q does not match XXX-XX-XXX", c.SetupCode)
	}
	if c.AccessoryName == "" {
		return fmt.Errorf("config: accessory name must not be empty")
	}
	return nil
}

// FromFlags parses Config fields from command-line flags into a single
// configuration struct, built before any server component is constructed.
func FromFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("hap-server", flag.ContinueOnError)
	bind := fs.String("bind", "127.0.0.1:8080", "TCP address to listen on")
	setupCode := fs.String("setup-code", "843-15-743", "HAP setup code, format XXX-XX-XXX")
	name := fs.String("name", "hap-accessory", "accessory name")
	storage := fs.String("storage", "", "path to persist pairing state (empty: in-memory only)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg := Config{
		BindAddr:      *bind,
		SetupCode:     *setupCode,
		AccessoryName: *name,
		StoragePath:   *storage,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
