// Package tracing wires up opentracing with a Jaeger exporter. Tracing
// is disabled unless an endpoint is configured, in which case the
// no-op global tracer stays in place.
package tracing

import (
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"

	"github.com/roomy-chat/discord-bridge/setup/config"
)

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// Setup installs the global tracer. The returned closer flushes any
// buffered spans and must be closed on shutdown.
func Setup(cfg *config.Global) (io.Closer, error) {
	if cfg.TracingEndpoint == "" {
		return noopCloser{}, nil
	}
	jcfg := jaegerconfig.Configuration{
		ServiceName: "roomy-discord-bridge",
		Sampler: &jaegerconfig.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegerconfig.ReporterConfig{
			CollectorEndpoint: cfg.TracingEndpoint,
			LogSpans:          false,
		},
	}
	tracer, closer, err := jcfg.NewTracer(
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}
