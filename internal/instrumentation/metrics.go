package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the gateway records.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flow
	AuthorizationStarted metric.Int64Counter
	LoginAttempts        metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter

	// Security
	TokenValidationFailed metric.Int64Counter
	PKCEVerifyFailed      metric.Int64Counter
	RateLimitExceeded     metric.Int64Counter

	// Storage gauges
	StorageSessionsCount      metric.Int64ObservableGauge
	StorageDelegationsCount   metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"gateway.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"gateway.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"gateway.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.LoginAttempts, err = serverMeter.Int64Counter(
		"gateway.login.attempts",
		metric.WithDescription("Number of local login form submissions"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.attempts counter: %w", err)
	}

	m.CallbackProcessed, err = serverMeter.Int64Counter(
		"gateway.callback.processed",
		metric.WithDescription("Number of upstream provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeIssued, err = serverMeter.Int64Counter(
		"gateway.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"gateway.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"gateway.token.refreshed",
		metric.WithDescription("Number of refresh grants processed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenValidationFailed, err = securityMeter.Int64Counter(
		"gateway.token.validation.failed",
		metric.WithDescription("Number of bearer token validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validation.failed counter: %w", err)
	}

	m.PKCEVerifyFailed, err = securityMeter.Int64Counter(
		"gateway.pkce.verify.failed",
		metric.WithDescription("Number of failed PKCE verifications at code exchange"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.verify.failed counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"gateway.ratelimit.exceeded",
		metric.WithDescription("Number of rate limited requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.StorageSessionsCount, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.sessions",
		metric.WithDescription("Live pending authorization sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions gauge: %w", err)
	}

	m.StorageDelegationsCount, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.delegations",
		metric.WithDescription("Live delegated flow records"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.delegations gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.codes",
		metric.WithDescription("Live authorization codes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes gauge: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.refresh_tokens",
		metric.WithDescription("Live refresh tokens"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens gauge: %w", err)
	}

	return m, nil
}
