// Package metrics exposes prometheus counters for the authentication core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is implemented by Collector and Noop. Components accept it so
// tests can run without a registry.
type Recorder interface {
	RecordLogin(status string)
	RecordConfigResolution(source string)
	RecordConfigDegraded(key string)
	RecordAuditFallback(reason string)
	RecordTokenReuse()
	RecordMFAVerification(method string, result string)
}

type Collector struct {
	logins         *prometheus.CounterVec
	configSources  *prometheus.CounterVec
	configDegraded *prometheus.CounterVec
	auditFallbacks *prometheus.CounterVec
	tokenReuse     prometheus.Counter
	mfaVerifies    *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identcore_login_total",
			Help: "Login attempts by final status.",
		}, []string{"status"}),
		configSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identcore_config_resolutions_total",
			Help: "Configuration lookups by the source that answered them.",
		}, []string{"source"}),
		configDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identcore_config_degraded_total",
			Help: "Configuration lookups that fell back to a compiled default after a store failure.",
		}, []string{"key"}),
		auditFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identcore_audit_fallback_total",
			Help: "Audit events written to the local fallback log.",
		}, []string{"reason"}),
		tokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identcore_refresh_token_reuse_total",
			Help: "Rotated refresh tokens presented again.",
		}),
		mfaVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identcore_mfa_verifications_total",
			Help: "Second factor verifications by method and result.",
		}, []string{"method", "result"}),
	}

	reg.MustRegister(
		c.logins,
		c.configSources,
		c.configDegraded,
		c.auditFallbacks,
		c.tokenReuse,
		c.mfaVerifies,
	)
	return c
}

func (c *Collector) RecordLogin(status string) {
	c.logins.WithLabelValues(status).Inc()
}

func (c *Collector) RecordConfigResolution(source string) {
	c.configSources.WithLabelValues(source).Inc()
}

func (c *Collector) RecordConfigDegraded(key string) {
	c.configDegraded.WithLabelValues(key).Inc()
}

func (c *Collector) RecordAuditFallback(reason string) {
	c.auditFallbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordTokenReuse() {
	c.tokenReuse.Inc()
}

func (c *Collector) RecordMFAVerification(method string, result string) {
	c.mfaVerifies.WithLabelValues(method, result).Inc()
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordLogin(string) {}
func (Noop) RecordConfigResolution(string) {}
func (Noop) RecordConfigDegraded(string) {}
func (Noop) RecordAuditFallback(string) {}
func (Noop) RecordTokenReuse() {}
func (Noop) RecordMFAVerification(string, string) {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
