package session

import "go.opentelemetry.io/otel"

const scopeName = "github.com/vango-go/vai-relay/pkg/gateway/live/session"

var tracer = otel.Tracer(scopeName)
