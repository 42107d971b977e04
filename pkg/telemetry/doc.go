// Package telemetry provides logging, metrics and tracing for pipeline runs.
//
// Structured logging uses zerolog, metrics use a private Prometheus registry,
// and tracing uses OpenTelemetry with a stdout or OTLP exporter. Every
// component tolerates being disabled: a nil *Metrics or *Tracer records
// nothing, so the engine never has to check.
//
// Initialize telemetry at process start:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
package telemetry
