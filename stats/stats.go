package stats

import (
	"github.com/c9s/goprocinfo/linux"
	"github.com/rs/zerolog/log"

	"placement/resource"
)

// Machine stats
type Stats struct {
	MemoryStats *linux.MemInfo
	DiskStats   *linux.Disk
	CpuStats    *linux.CPUStat
	LoadStats   *linux.LoadAvg
	CpuCount    int
}

func (s *Stats) MemTotalKb() uint64 {
	return s.MemoryStats.MemTotal
}

func (s *Stats) MemAvailableKb() uint64 {
	return s.MemoryStats.MemAvailable
}

func (s *Stats) MemUsedKb() uint64 {
	return s.MemoryStats.MemTotal - s.MemoryStats.MemAvailable
}

func (s *Stats) MemUsedPercent() float64 {
	if s.MemoryStats.MemTotal == 0 {
		return 0
	}
	return float64(s.MemUsedKb()) / float64(s.MemoryStats.MemTotal)
}

func (s *Stats) DiskTotal() uint64 {
	return s.DiskStats.All
}

func (s *Stats) CpuUsage() float64 {
	idle := s.CpuStats.Idle + s.CpuStats.IOWait
	active := s.CpuStats.User + s.CpuStats.Nice + s.CpuStats.System + s.CpuStats.IRQ + s.CpuStats.SoftIRQ + s.CpuStats.Steal
	total := idle + active
	if total == 0 {
		return 0
	}
	return (float64(total) - float64(idle)) / float64(total)
}

// Schedulable capacity of the machine: one CPU resource per logical CPU, the memory and the root
// filesystem size in bytes
func (s *Stats) Capacity() resource.Set {
	capacity := resource.Set{}
	if s.CpuCount > 0 {
		capacity[resource.CPU] = float64(s.CpuCount)
	}
	if s.MemoryStats != nil && s.MemoryStats.MemTotal > 0 {
		capacity[resource.Memory] = float64(s.MemoryStats.MemTotal * 1024)
	}
	if s.DiskStats != nil && s.DiskTotal() > 0 {
		capacity[resource.Disk] = float64(s.DiskTotal())
	}
	return capacity
}

// Get the machine stats
func GetStats() *Stats {
	cpuStats, cpuCount := getCpuStats()
	return &Stats{
		MemoryStats: getMemoryInfo(),
		DiskStats:   getDiskInfo(),
		CpuStats:    cpuStats,
		LoadStats:   getLoadAvg(),
		CpuCount:    cpuCount,
	}
}

func getMemoryInfo() *linux.MemInfo {
	memstats, err := linux.ReadMemInfo("/proc/meminfo")
	if err != nil {
		log.Err(err).Msg("error reading from /proc/meminfo")
		return &linux.MemInfo{}
	}
	return memstats
}

func getDiskInfo() *linux.Disk {
	diskstats, err := linux.ReadDisk("/")
	if err != nil {
		log.Err(err).Msg("error reading from /")
		return &linux.Disk{}
	}
	return diskstats
}

func getCpuStats() (*linux.CPUStat, int) {
	stats, err := linux.ReadStat("/proc/stat")
	if err != nil {
		log.Err(err).Msg("error reading from /proc/stat")
		return &linux.CPUStat{}, 0
	}
	return &stats.CPUStatAll, len(stats.CPUStats)
}

func getLoadAvg() *linux.LoadAvg {
	loadavg, err := linux.ReadLoadAvg("/proc/loadavg")
	if err != nil {
		log.Err(err).Msg("error reading from /proc/loadavg")
		return &linux.LoadAvg{}
	}
	return loadavg
}
