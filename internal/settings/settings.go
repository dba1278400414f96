// Package settings locates the micromamba installation and manages the proxy
// servers stored in its .mambarc file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the micromamba configuration file kept in the root prefix.
const ConfigFile = ".mambarc"

// CondaCommand is the shell function installed by the micromamba shell hook.
const CondaCommand = "micromamba"

// Configuration keys. legacyProxiesKey is read but never written.
const (
	proxiesKey       = "proxy_servers"
	legacyProxiesKey = "proxies"
)

// Proxies holds the HTTP(S) proxy servers used for downloads.
type Proxies struct {
	HTTP  string `yaml:"http,omitempty" json:"http,omitempty"`
	HTTPS string `yaml:"https,omitempty" json:"https,omitempty"`
}

// Empty reports whether no proxy is configured.
func (p Proxies) Empty() bool {
	return p.HTTP == "" && p.HTTPS == ""
}

// URL returns the proxy to pass on command lines, preferring HTTPS.
func (p Proxies) URL() string {
	if p.HTTPS != "" {
		return p.HTTPS
	}
	return p.HTTP
}

// Settings describes one micromamba root prefix. It is safe for concurrent use.
type Settings struct {
	root   string
	goos   string
	logger *slog.Logger

	mu      sync.RWMutex
	proxies Proxies
}

// New resolves root to an absolute path and loads proxies from its
// configuration file, if present.
func New(root string, logger *slog.Logger) (*Settings, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{root: abs, goos: runtime.GOOS, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the absolute micromamba root prefix.
func (s *Settings) Root() string {
	return s.root
}

// GOOS returns the operating system scripts are generated for.
func (s *Settings) GOOS() string {
	return s.goos
}

// Windows reports whether scripts target PowerShell.
func (s *Settings) Windows() bool {
	return s.goos == "windows"
}

// BinRelPath returns the micromamba binary path relative to Root.
func (s *Settings) BinRelPath() string {
	if s.Windows() {
		return "micromamba.exe"
	}
	return filepath.Join("bin", "micromamba")
}

// BinPath returns the absolute micromamba binary path.
func (s *Settings) BinPath() string {
	return filepath.Join(s.root, s.BinRelPath())
}

// ConfigPath returns the absolute path of the configuration file.
func (s *Settings) ConfigPath() string {
	return filepath.Join(s.root, ConfigFile)
}

// CondaWithConfig returns the micromamba command bound to the root's
// configuration file.
func (s *Settings) CondaWithConfig() string {
	return fmt.Sprintf(`%s --rc-file "%s"`, CondaCommand, s.ConfigPath())
}

// EnvironmentPath returns the prefix of a named environment.
func (s *Settings) EnvironmentPath(name string) string {
	return filepath.Join(s.root, "envs", name)
}

// EnvironmentExists reports whether the named environment was created.
func (s *Settings) EnvironmentExists(name string) bool {
	info, err := os.Stat(filepath.Join(s.EnvironmentPath(name), "conda-meta"))
	return err == nil && info.IsDir()
}

// Installed reports whether the micromamba binary is present.
func (s *Settings) Installed() bool {
	_, err := os.Stat(s.BinPath())
	return err == nil
}

// Proxies returns the configured proxy servers.
func (s *Settings) Proxies() Proxies {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxies
}

// SetProxies stores proxies and persists them to the configuration file,
// keeping every other key.
func (s *Settings) SetProxies(p Proxies) error {
	doc, err := s.readConfig()
	if err != nil {
		return err
	}
	if p.Empty() {
		delete(doc, proxiesKey)
	} else {
		doc[proxiesKey] = p
	}
	delete(doc, legacyProxiesKey)
	if err := s.writeConfig(doc); err != nil {
		return err
	}

	s.mu.Lock()
	s.proxies = p
	s.mu.Unlock()
	return nil
}

// Reload re-reads proxies from the configuration file.
func (s *Settings) Reload() error {
	doc, err := s.readConfig()
	if err != nil {
		return err
	}

	var p Proxies
	for _, key := range []string{legacyProxiesKey, proxiesKey} {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		// Round-trip through YAML to decode the untyped map.
		data, err := yaml.Marshal(raw)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}

	s.mu.Lock()
	s.proxies = p
	s.mu.Unlock()
	return nil
}

// WriteChannels records the default channel configuration, keeping proxies
// and any other existing keys.
func (s *Settings) WriteChannels() error {
	doc, err := s.readConfig()
	if err != nil {
		return err
	}
	doc["channel_priority"] = "flexible"
	doc["channels"] = []string{"conda-forge", "nodefaults"}
	doc["default_channels"] = []string{"conda-forge"}
	return s.writeConfig(doc)
}

// ProxyEnv returns http_proxy/https_proxy assignments for a process
// environment.
func (s *Settings) ProxyEnv() []string {
	p := s.Proxies()
	var env []string
	if p.HTTP != "" {
		env = append(env, "http_proxy="+p.HTTP)
	}
	if p.HTTPS != "" {
		env = append(env, "https_proxy="+p.HTTPS)
	}
	return env
}

// ProxyExportCommands returns script lines exporting the proxies.
func (s *Settings) ProxyExportCommands() []string {
	p := s.Proxies()
	var commands []string
	for _, kv := range [][2]string{{"http", p.HTTP}, {"https", p.HTTPS}} {
		if kv[1] == "" {
			continue
		}
		if s.Windows() {
			commands = append(commands, fmt.Sprintf(`$Env:%s_proxy="%s"`, kv[0], kv[1]))
		} else {
			commands = append(commands, fmt.Sprintf(`export %s_proxy="%s"`, kv[0], kv[1]))
		}
	}
	return commands
}

func (s *Settings) readConfig() (map[string]any, error) {
	doc := map[string]any{}
	data, err := os.ReadFile(s.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (s *Settings) writeConfig(doc map[string]any) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ConfigFile, err)
	}
	if err := os.WriteFile(s.ConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFile, err)
	}
	return nil
}
