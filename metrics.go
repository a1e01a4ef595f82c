package netreactor

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// runtimeMetrics are the counters exported by a Runtime, each labelled with
// the runtime's name.
type runtimeMetrics struct {
	set          *metrics.Set
	registered   *metrics.Counter
	replaced     *metrics.Counter
	deregistered *metrics.Counter
	events       *metrics.Counter
	staleEvents  *metrics.Counter
	sweeps       *metrics.Counter
	pollErrors   *metrics.Counter
	panics       *metrics.Counter
	pauses       *metrics.Counter
}

func newRuntimeMetrics(name string, load func() int) *runtimeMetrics {
	set := metrics.NewSet()
	label := func(metric string) string {
		return fmt.Sprintf(`%s{runtime=%q}`, metric, name)
	}
	m := &runtimeMetrics{
		set:          set,
		registered:   set.NewCounter(label("netreactor_registered_total")),
		replaced:     set.NewCounter(label("netreactor_replaced_total")),
		deregistered: set.NewCounter(label("netreactor_deregistered_total")),
		events:       set.NewCounter(label("netreactor_events_total")),
		staleEvents:  set.NewCounter(label("netreactor_stale_events_total")),
		sweeps:       set.NewCounter(label("netreactor_sweeps_total")),
		pollErrors:   set.NewCounter(label("netreactor_poll_errors_total")),
		panics:       set.NewCounter(label("netreactor_callback_panics_total")),
		pauses:       set.NewCounter(label("netreactor_pauses_total")),
	}
	set.NewGauge(label("netreactor_handles"), func() float64 {
		return float64(load())
	})
	return m
}

// timerMetrics are the counters exported by a Timer, each labelled with the
// timer's name.
type timerMetrics struct {
	set    *metrics.Set
	fired  *metrics.Counter
	panics *metrics.Counter
	drift  *metrics.Histogram
}

func newTimerMetrics(name string, pending func() int) *timerMetrics {
	set := metrics.NewSet()
	label := func(metric string) string {
		return fmt.Sprintf(`%s{timer=%q}`, metric, name)
	}
	m := &timerMetrics{
		set:    set,
		fired:  set.NewCounter(label("netreactor_timer_fired_total")),
		panics: set.NewCounter(label("netreactor_timer_callback_panics_total")),
		drift:  set.NewHistogram(label("netreactor_timer_drift_seconds")),
	}
	set.NewGauge(label("netreactor_timer_pending"), func() float64 {
		return float64(pending())
	})
	return m
}

// WritePrometheus writes the runtime's metrics in Prometheus text format.
func (r *Runtime) WritePrometheus(w io.Writer) {
	r.metrics.set.WritePrometheus(w)
}

// WritePrometheus writes the timer's metrics in Prometheus text format.
func (t *Timer) WritePrometheus(w io.Writer) {
	t.metrics.set.WritePrometheus(w)
}
