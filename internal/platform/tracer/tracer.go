// Package tracer is a small tracing abstraction over OpenTelemetry so the
// evidence and onboarding paths can emit spans without importing OTel APIs
// everywhere.
package tracer

import (
	"context"
	"time"
)

// Span is an active trace span. End must be called exactly once.
type Span interface {
	End(err error)
	SetAttributes(attrs ...Attribute)
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: int64(value)}
}

// Duration records value in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names.
const (
	SpanAuditRun     = "audit.run"
	SpanBrokerAssume = "broker.session"
	SpanScan         = "scanner.scan"
	SpanScanResource = "scanner.resource"
	SpanSinkWrite    = "evidence.write"
	SpanOnboarding   = "onboarding.process"
	SpanOnboardStep  = "onboarding.step"
)

// Attribute keys. Tenant ids are opaque and safe to record.
const (
	AttrTenantID  = "tenant.id"
	AttrRunID     = "audit.run_id"
	AttrResource  = "scan.resource"
	AttrControl   = "scan.control"
	AttrResources = "scan.resources"
	AttrVerdict   = "evidence.status"
	AttrAttempt   = "retry.attempt"
	AttrRecords   = "evidence.records"
	AttrEventID   = "onboarding.event_id"
	AttrStep      = "onboarding.step"
)

// Event names.
const (
	EventRetry     = "retry"
	EventTruncated = "evidence.truncated"
)
