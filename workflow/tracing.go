package workflow

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/cityconnect/ecocoins_backend/workflow")
