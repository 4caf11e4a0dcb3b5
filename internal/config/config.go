// Package config loads the optional .ppremake.kdl tool configuration that
// may sit beside Package.pp.  It carries tool-level defaults only; all
// build semantics live in the .pp files themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// ConfigFilename is the name of the tool configuration file.
const ConfigFilename = ".ppremake.kdl"

// Config holds tool-level defaults.  CLI flags override these.
type Config struct {
	// Platform is the default for the -p flag.
	Platform string

	// CacheMaxAge bounds how old a dependency cache may be before it is
	// distrusted; zero disables the age guard.
	CacheMaxAge time.Duration

	// WatchDebounce is the settle time before watch mode re-runs.
	WatchDebounce time.Duration

	// Suggestions toggles did-you-mean hints on unknown names.
	Suggestions bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CacheMaxAge:   60 * time.Minute,
		WatchDebounce: 250 * time.Millisecond,
		Suggestions:   true,
	}
}

// Load reads .ppremake.kdl from the given directory.  A missing file
// yields the defaults with no error.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, ConfigFilename)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := parseKDL(string(content), cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func parseKDL(content string, cfg *Config) error {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "platform":
			if s, ok := firstStringArg(n); ok {
				cfg.Platform = s
			}
		case "cache":
			for _, cn := range n.Children {
				if nodeName(cn) == "max-age-minutes" {
					if v, ok := firstIntArg(cn); ok {
						cfg.CacheMaxAge = time.Duration(v) * time.Minute
					}
				}
			}
		case "watch":
			for _, cn := range n.Children {
				if nodeName(cn) == "debounce-ms" {
					if v, ok := firstIntArg(cn); ok {
						cfg.WatchDebounce = time.Duration(v) * time.Millisecond
					}
				}
			}
		case "suggestions":
			for _, cn := range n.Children {
				if nodeName(cn) == "enabled" {
					if b, ok := firstBoolArg(cn); ok {
						cfg.Suggestions = b
					}
				}
			}
		}
	}
	return nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}
