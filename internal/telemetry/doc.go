// Package telemetry wires the process-wide OpenTelemetry providers.
//
// Instrumented packages obtain their tracers and meters through the
// otel globals; this package builds the OTLP-exporting providers and
// installs them there. Without Init (or with telemetry disabled) the
// globals stay no-op, so instrumentation code never needs a nil check.
//
// # Usage
//
//	tel, err := telemetry.Init(ctx, &cfg.Telemetry, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  service_name: "sessiond"
//	  sample_rate: 1.0
//	  metric_interval: "15s"
//
// Exporter failures degrade to no-op instrumentation instead of
// failing startup.
package telemetry
