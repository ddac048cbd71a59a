package monitoring

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/services"
)

// HealthMonitor periodically re-reads the catalog and publishes, per target,
// the last-success state as Prometheus metrics. It is a pure observer: it
// never triggers backups and never mutates the catalog.
type HealthMonitor struct {
	catalog      services.CatalogProvider
	targets      []models.Target
	artifactPath string
	interval     time.Duration
	staleness    time.Duration
	clock        Clock

	statusCheck *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	diskUsed    prometheus.Gauge

	ticker *time.Ticker
	done   chan bool
}

// NewHealthMonitor creates a HealthMonitor registering its metrics with reg.
func NewHealthMonitor(catalog services.CatalogProvider, targets []models.Target, artifactPath string, interval, staleness time.Duration, clock Clock, reg prometheus.Registerer) *HealthMonitor {
	factory := promauto.With(reg)
	return &HealthMonitor{
		catalog:      catalog,
		targets:      targets,
		artifactPath: artifactPath,
		interval:     interval,
		staleness:    staleness,
		clock:        clock,
		statusCheck: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_status_check",
			Help: "Whether the target has a fresh verified backup (1) or not (0); date is the last success day.",
		}, []string{"target", "date"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_last_success_timestamp_seconds",
			Help: "Unix time of the target's last completed and verified backup.",
		}, []string{"target"}),
		diskUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_artifact_volume_used_percent",
			Help: "Used space on the volume holding backup artifacts.",
		}),
		done: make(chan bool),
	}
}

// Run starts the periodic refresh loop.
func (m *HealthMonitor) Run() {
	log.Info().Dur("interval", m.interval).Msg("Starting backup health monitor...")
	m.ticker = time.NewTicker(m.interval)
	defer m.ticker.Stop()

	// Run once immediately on start
	m.Refresh()

	for {
		select {
		case <-m.done:
			log.Info().Msg("Stopping backup health monitor.")
			return
		case <-m.ticker.C:
			m.Refresh()
		}
	}
}

// Stop halts the refresh loop.
func (m *HealthMonitor) Stop() {
	m.done <- true
}

// Refresh recomputes all per-target gauges from the catalog. The status
// vector is reset first so stale date labels do not linger.
func (m *HealthMonitor) Refresh() {
	now := m.clock.Now().UTC()
	m.statusCheck.Reset()

	for _, target := range m.targets {
		entry, err := m.catalog.LatestVerified(target.ID)
		if err != nil {
			if !errors.Is(err, services.ErrNoCatalogEntry) {
				log.Error().Err(err).Str("target", target.ID).Msg("HealthMonitor: catalog read failed")
				continue
			}
			// Never backed up: alertable zero with today's date.
			m.statusCheck.WithLabelValues(target.ID, now.Format("20060102")).Set(0)
			continue
		}

		healthy := 0.0
		if now.Sub(entry.FinishedAt) <= m.staleness {
			healthy = 1.0
		}
		m.statusCheck.WithLabelValues(target.ID, entry.FinishedAt.UTC().Format("20060102")).Set(healthy)
		m.lastSuccess.WithLabelValues(target.ID).Set(float64(entry.FinishedAt.Unix()))
	}

	if usage, err := disk.Usage(m.artifactPath); err == nil {
		m.diskUsed.Set(usage.UsedPercent)
	}
}
