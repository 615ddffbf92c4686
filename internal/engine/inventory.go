package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// siteGroup lists devices sharing one location.
type siteGroup struct {
	Location string       `json:"location"`
	Devices  []DeviceSpec `json:"devices"`
}

// inventoryFile is the JSON structure for files in the inventory directory.
type inventoryFile struct {
	Devices []DeviceSpec `json:"devices,omitempty"`
	Sites   []siteGroup  `json:"sites,omitempty"`
}

// InventoryStats summarizes one LoadInventoryDir run.
type InventoryStats struct {
	Files   int
	Added   int
	Present int // already registered under the same name and address
	Invalid int
}

// LoadInventoryDir registers the devices listed in every *.json file of dir.
// A device whose name and address are already registered is left alone, so
// loading the same directory on every start is harmless. A missing or empty
// directory is not an error.
func (r *Registry) LoadInventoryDir(dir string, logger *slog.Logger) (InventoryStats, error) {
	var stats InventoryStats
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return stats, fmt.Errorf("glob inventory dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no inventory files found", "dir", dir)
		return stats, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return stats, fmt.Errorf("read %s: %w", path, err)
		}
		var f inventoryFile
		if err := json.Unmarshal(data, &f); err != nil {
			return stats, fmt.Errorf("parse %s: %w", path, err)
		}

		specs := f.Devices
		for _, site := range f.Sites {
			for _, spec := range site.Devices {
				if spec.Location == "" {
					spec.Location = site.Location
				}
				specs = append(specs, spec)
			}
		}

		for _, spec := range specs {
			known, err := r.registered(spec)
			if err != nil {
				return stats, err
			}
			if known {
				stats.Present++
				continue
			}
			if _, err := r.AddDevice(spec); err != nil {
				logger.Warn("skipping inventory entry", "file", filepath.Base(path), "name", spec.Name, "err", err)
				stats.Invalid++
				continue
			}
			stats.Added++
		}
		stats.Files++
		logger.Info("loaded inventory file", "path", filepath.Base(path), "devices", len(specs))
	}

	logger.Info("inventory loaded", "files", stats.Files, "added", stats.Added,
		"present", stats.Present, "invalid", stats.Invalid)
	return stats, nil
}

func (r *Registry) registered(spec DeviceSpec) (bool, error) {
	addr := strings.TrimSpace(spec.Address)
	if addr == "" {
		return false, nil
	}
	devs, err := r.store.ListDevicesByAddress(addr)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", addr, err)
	}
	name := strings.TrimSpace(spec.Name)
	for _, d := range devs {
		if strings.EqualFold(d.Name, name) {
			return true, nil
		}
	}
	return false, nil
}
