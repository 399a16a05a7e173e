package hardware

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"meshvault/pkg/models"
)

// Thermal classification thresholds in Celsius
const (
	thermalFairCelsius     = 60.0
	thermalSeriousCelsius  = 75.0
	thermalCriticalCelsius = 85.0
)

// Snapshot probes the local machine and builds a capability snapshot for
// capability announcements and local scheduling decisions. dataDir is the
// blob storage root; its filesystem determines the storage figures.
func Snapshot(nodeID, dataDir string, tags []string) (*models.NodeCapabilitySnapshot, error) {
	res := models.ResourceCapabilities{
		CPUCores: runtime.NumCPU(),
	}

	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		res.CPUCores = counts
	}
	if percs, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percs) > 0 {
		res.CPULoadPercent = percs[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		res.RAMTotalMB = int64(vm.Total / (1024 * 1024))
		res.RAMAvailableMB = int64(vm.Available / (1024 * 1024))
	}
	if du, err := disk.Usage(diskProbePath(dataDir)); err == nil {
		res.StorageTotalGB = float64(du.Total) / (1024 * 1024 * 1024)
		res.StorageAvailableGB = float64(du.Free) / (1024 * 1024 * 1024)
	}

	res.HasGPU, res.GPUModel = detectGPU()
	res.HasNPU = detectNPU()

	snap := &models.NodeCapabilitySnapshot{
		NodeID:           nodeID,
		Resources:        res,
		Battery:          detectBattery(),
		ThermalState:     detectThermalState(),
		ReliabilityScore: 1.0,
		CapabilityTags:   append([]string{}, tags...),
		LastSeen:         time.Now().UTC(),
	}
	return snap, nil
}

// diskProbePath walks up from dataDir until an existing path is found, so a
// not-yet-created data directory still yields figures for its filesystem.
func diskProbePath(dataDir string) string {
	p := dataDir
	for p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return "/"
}

// detectGPU probes for an NVIDIA GPU
func detectGPU() (bool, string) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err == nil && len(out) > 0 {
		name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
		if name != "" {
			return true, name
		}
	}
	return false, ""
}

// detectNPU probes for known accelerator device nodes
func detectNPU() bool {
	for _, path := range []string{"/dev/nvhost-nvdla0", "/dev/davinci0", "/sys/class/npu"} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// detectBattery reads battery level and charging state. Machines without a
// battery report mains power so scheduling treats them as unconstrained.
func detectBattery() models.BatteryInfo {
	info := models.BatteryInfo{LevelPercent: 100, OnMainsPower: true}
	if runtime.GOOS != "linux" {
		return info
	}

	entries, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return info
	}
	for _, entry := range entries {
		if !strings.Contains(strings.ToUpper(entry.Name()), "BAT") {
			continue
		}
		base := filepath.Join("/sys/class/power_supply", entry.Name())
		info.OnMainsPower = false

		if raw, err := os.ReadFile(filepath.Join(base, "capacity")); err == nil {
			if level, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
				info.LevelPercent = level
			}
		}
		if raw, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
			status := strings.TrimSpace(string(raw))
			info.Charging = status == "Charging"
			if status == "Full" || status == "Charging" {
				info.OnMainsPower = true
			}
		}
		break
	}
	return info
}

// detectThermalState classifies the hottest sensor reading
func detectThermalState() models.ThermalState {
	temps, err := host.SensorsTemperatures()
	if err != nil || len(temps) == 0 {
		return models.ThermalNominal
	}

	var hottest float64
	for _, t := range temps {
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	return ClassifyTemperature(hottest)
}

// ClassifyTemperature maps a Celsius reading onto a thermal state
func ClassifyTemperature(celsius float64) models.ThermalState {
	switch {
	case celsius >= thermalCriticalCelsius:
		return models.ThermalCritical
	case celsius >= thermalSeriousCelsius:
		return models.ThermalSerious
	case celsius >= thermalFairCelsius:
		return models.ThermalFair
	default:
		return models.ThermalNominal
	}
}
