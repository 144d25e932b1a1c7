package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds journalctl's resolved configuration: defaults, overlaid by
// a global config file, overlaid by an explicit/project config file,
// overlaid by CLI flags.
type Config struct {
	Dir          string `json:"dir,omitempty"`
	Zone         string `json:"zone,omitempty"`
	SizeLimitMiB int    `json:"size_mib,omitempty"`
}

// ConfigFileName is the default project config file name, looked up in
// the current directory when no explicit -c/--config path is given.
const ConfigFileName = ".journalctl.jsonc"

func defaultConfig() Config {
	return Config{
		Zone:         "",
		SizeLimitMiB: 64,
	}
}

// loadConfig resolves configuration with the following precedence (lowest
// to highest): built-in defaults, global user config, project or explicit
// config file. CLI flag overrides are applied by the caller.
func loadConfig(explicitPath string, env map[string]string) (Config, error) {
	cfg := defaultConfig()

	if global := globalConfigPath(env); global != "" {
		loaded, found, err := readConfigFile(global, false)
		if err != nil {
			return Config{}, err
		}

		if found {
			cfg = merge(cfg, loaded)
		}
	}

	path := explicitPath
	mustExist := explicitPath != ""

	if path == "" {
		path = ConfigFileName
	}

	loaded, found, err := readConfigFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if found {
		cfg = merge(cfg, loaded)
	}

	return cfg, nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "journalctl", "config.jsonc")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "journalctl", "config.jsonc")
	}

	return ""
}

func readConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}

	return cfg, true, nil
}

func merge(base, overlay Config) Config {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.Zone != "" {
		base.Zone = overlay.Zone
	}

	if overlay.SizeLimitMiB != 0 {
		base.SizeLimitMiB = overlay.SizeLimitMiB
	}

	return base
}

// encodeZoneName converts a dotted zone name (e.g. "example.com") into
// DNS wire format: each label length-prefixed, terminated by a zero-length
// root label.
func encodeZoneName(name string) []byte {
	if name == "" {
		return []byte{0}
	}

	var out []byte

	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			label := name[start:i]
			if len(label) > 0 {
				out = append(out, byte(len(label)))
				out = append(out, label...)
			}

			start = i + 1
		}
	}

	out = append(out, 0)

	return out
}
