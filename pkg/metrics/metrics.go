package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "jobs_api"

var (
	prometheusMetrics = false

	statusRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "status_refresh_total",
			Help:      "Number of job status refreshes by job kind and resulting short status",
		},
		[]string{"kind", "status"},
	)

	macroResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "cron_macro_resolutions_total",
			Help:      "Number of cron at-macros resolved into concrete schedules",
		},
		[]string{"macro"},
	)
)

// Register adds the collectors to reg and starts recording. Nothing is recorded before Register is
// called.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{statusRefresh, macroResolutions} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	prometheusMetrics = true
	return nil
}

// ObserveStatusRefresh records a refreshed short status. status should be the status category,
// without durations or timestamps, to keep the label cardinality bounded.
func ObserveStatusRefresh(kind, status string) {
	if prometheusMetrics {
		statusRefresh.With(
			prometheus.Labels{
				"kind":   kind,
				"status": status,
			}).Inc()
	}
}

func ObserveMacroResolution(macro string) {
	if prometheusMetrics {
		macroResolutions.With(
			prometheus.Labels{
				"macro": macro,
			}).Inc()
	}
}
