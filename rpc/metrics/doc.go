// Package metrics turns pool events into metrics.
//
// Two pool.Listener implementations are provided:
//
//   - VictoriaListener keeps its series in a VictoriaMetrics set and can write
//     them in the Prometheus text format, e.g. from an HTTP handler.
//   - PrometheusListener registers Prometheus collectors with a Registerer.
//
// Both can be combined with other listeners through pool.MultiListener:
//
//	vl := metrics.NewVictoria(nil)
//	p, err := pool.New(cfg, pool.WithListener(pool.MultiListener(vl, pool.LoggingListener{})))
//	http.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
//		vl.WritePrometheus(w)
//	})
package metrics
