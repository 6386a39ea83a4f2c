package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/oximy/oisp/internal/envelope"
)

// OTLPConfig configures the OpenTelemetry log sink.
type OTLPConfig struct {
	Endpoint    string
	Protocol    string // grpc, http/proto, http/json
	Headers     map[string]string
	Compression string // none, gzip
	Insecure    bool
}

// OTLPSink maps OISP events onto OpenTelemetry log records carrying
// gen_ai.*, process.*, and host.* attributes, exported over gRPC or HTTP.
type OTLPSink struct {
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

// NewOTLPSink builds the exporter for cfg.Protocol and wires it through a
// batch processor; Deliver flushes explicitly so the runner's retry policy
// stays in charge.
func NewOTLPSink(ctx context.Context, cfg OTLPConfig) (*OTLPSink, error) {
	exporter, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "oispcapture"),
		attribute.String("service.version", envelope.Version),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	return &OTLPSink{
		provider: provider,
		logger:   provider.Logger("github.com/oximy/oisp"),
	}, nil
}

func newOTLPExporter(ctx context.Context, cfg OTLPConfig) (sdklog.Exporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlploggrpc.WithCompressor("gzip"))
		}
		return otlploggrpc.New(ctx, opts...)

	case "http/proto", "http/json":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", cfg.Protocol)
	}
}

// Name implements Sink.
func (s *OTLPSink) Name() string { return "otlp" }

// Deliver emits one log record per event and flushes the batch.
func (s *OTLPSink) Deliver(ctx context.Context, batch []*envelope.Event) error {
	for _, ev := range batch {
		var rec otellog.Record
		rec.SetTimestamp(ev.TS)
		rec.SetObservedTimestamp(time.Now())
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetSeverityText("INFO")

		body, err := ev.MarshalCanonical()
		if err != nil {
			continue
		}
		rec.SetBody(otellog.StringValue(string(body)))
		rec.AddAttributes(eventAttributes(ev)...)

		s.logger.Emit(ctx, rec)
	}
	if err := s.provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("otlp flush: %w", err)
	}
	return nil
}

// eventAttributes builds gen_ai.*, process.*, and host.* attributes from
// the event payload.
func eventAttributes(ev *envelope.Event) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("event.name", ev.EventType),
		otellog.String("oisp.event_id", ev.EventID),
		otellog.String("oisp.version", ev.OispVersion),
	}

	if ev.Process != nil {
		attrs = append(attrs, otellog.Int("process.pid", ev.Process.PID))
		if ev.Process.Exe != "" {
			attrs = append(attrs, otellog.String("process.executable.path", ev.Process.Exe))
		}
		if ev.Process.Cmdline != "" {
			attrs = append(attrs, otellog.String("process.command_line", ev.Process.Cmdline))
		}
	}
	if ev.Host != nil && ev.Host.Hostname != "" {
		attrs = append(attrs, otellog.String("host.name", ev.Host.Hostname))
	}

	switch ev.EventType {
	case envelope.TypeAiRequest:
		var data envelope.AiRequestData
		if json.Unmarshal(ev.Data, &data) == nil {
			attrs = append(attrs,
				otellog.String("gen_ai.system", data.Provider.Name),
				otellog.String("gen_ai.request.model", data.Model.ID),
				otellog.String("gen_ai.operation.name", string(data.RequestType)),
				otellog.Bool("gen_ai.request.streaming", data.Streaming),
			)
			if data.Parameters.MaxTokens != nil {
				attrs = append(attrs, otellog.Int("gen_ai.request.max_tokens", *data.Parameters.MaxTokens))
			}
			if data.Parameters.Temperature != nil {
				attrs = append(attrs, otellog.Float64("gen_ai.request.temperature", *data.Parameters.Temperature))
			}
		}
	case envelope.TypeAiResponse:
		var data envelope.AiResponseData
		if json.Unmarshal(ev.Data, &data) == nil {
			attrs = append(attrs,
				otellog.String("gen_ai.system", data.Provider.Name),
				otellog.String("gen_ai.response.model", data.Model.ID),
				otellog.String("oisp.request_id", data.RequestID),
				otellog.Int64("oisp.latency_ms", data.LatencyMs),
			)
			if data.FinishReason != "" {
				attrs = append(attrs, otellog.String("gen_ai.response.finish_reasons", data.FinishReason))
			}
			if data.Usage != nil {
				attrs = append(attrs,
					otellog.Int("gen_ai.usage.input_tokens", data.Usage.PromptTokens),
					otellog.Int("gen_ai.usage.output_tokens", data.Usage.CompletionTokens),
				)
			}
		}
	}
	return attrs
}

// Close shuts the provider (and its exporter) down.
func (s *OTLPSink) Close(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}
