package rbac

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// capabilityFile is the on-disk override format:
//
//	capabilities:
//	  create_post: [member, admin, super_admin]
//	  download_file: [guest, member, admin, super_admin]
//
// Listed capabilities replace the built-in entry; the rest keep their defaults.
type capabilityFile struct {
	Capabilities map[string][]string `yaml:"capabilities"`
}

// ParseCapabilityTable builds a table from YAML overrides on top of the defaults.
// Unknown capabilities and roles are rejected so typos cannot silently deny access.
func ParseCapabilityTable(data []byte) (*CapabilityTable, error) {
	var file capabilityFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	entries := defaultEntries()
	for name, rawRoles := range file.Capabilities {
		c := Capability(name)
		if _, ok := entries[c]; !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		roles := make([]Role, 0, len(rawRoles))
		for _, raw := range rawRoles {
			r, ok := ParseRole(raw)
			if !ok {
				return nil, fmt.Errorf("capability %q: unknown role %q", name, raw)
			}
			roles = append(roles, r)
		}
		entries[c] = roles
	}
	return NewCapabilityTable(entries), nil
}

// LoadCapabilityTable reads overrides from path
func LoadCapabilityTable(path string) (*CapabilityTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities file: %w", err)
	}
	return ParseCapabilityTable(data)
}

// WatchCapabilityFile reloads path into evaluator whenever it is written, until ctx
// is done. An invalid file is logged and the previous table stays in effect.
// The parent directory is watched so editors that replace the file are handled.
func WatchCapabilityFile(ctx context.Context, path string, evaluator *Evaluator, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "capability watcher")

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				table, err := LoadCapabilityTable(path)
				if err != nil {
					logger.WithError(err).Warn("ignoring invalid capabilities file")
					continue
				}
				evaluator.Replace(table)
				logger.WithField("path", path).Info("capability table reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("capability watcher error")
			}
		}
	}()
	return nil
}
