package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 账号生命周期相关的 Prometheus 指标。
var (
	RegistrationsTotal     prometheus.Counter
	VerificationsTotal     *prometheus.CounterVec
	CodesIssuedTotal       prometheus.Counter
	CodeRequestsRejected   prometheus.Counter
	ArchivesCreatedTotal   *prometheus.CounterVec
	ArchivesPurgedTotal    prometheus.Counter
	RecoveryRequestsTotal  prometheus.Counter
	NotifierFailuresTotal  prometheus.Counter
)

var initOnce sync.Once

// InitMetrics 注册所有指标。重复调用是安全的（只注册一次）。
func InitMetrics() {
	initOnce.Do(func() {
		RegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_registrations_total",
			Help: "Number of successful user registrations.",
		})
		VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_verifications_total",
			Help: "Email verification attempts by result.",
		}, []string{"result"})
		CodesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_verification_codes_issued_total",
			Help: "Number of verification codes issued.",
		})
		CodeRequestsRejected = promauto.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_verification_code_requests_rejected_total",
			Help: "Code issuance requests rejected by the per-email rate limit.",
		})
		ArchivesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_archives_created_total",
			Help: "Archive records created by deletion scope.",
		}, []string{"scope"})
		ArchivesPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_archives_purged_total",
			Help: "Archive records removed by the purge sweep.",
		})
		RecoveryRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_recovery_requests_total",
			Help: "Recovery requests that matched an unexpired archive.",
		})
		NotifierFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_notifier_failures_total",
			Help: "Outbound email deliveries that failed.",
		})
	})
}
