// Package metric holds the Prometheus registry and the operations HTTP
// server.
//
// Process-wide metrics (component status, events received and skipped,
// NATS health) live in Metrics and are registered by NewMetricsRegistry.
// Components register their own collectors through MetricsRegistrar under a
// component name; a duplicate registration is an invalid error rather than a
// panic.
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(":9090", "/metrics", registry, logger)
//	srv.Router().HandleFunc("/healthz", healthHandler)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(5 * time.Second)
//
// Components accept a nil registry and skip metrics entirely in that case.
package metric
