package tools

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/txplain/logdecoder/internal/tools"

// Tool is one stage of the decoding path
type Tool interface {
	Name() string
	Description() string
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
