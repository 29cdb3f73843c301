package coordinator

import (
	"errors"
	"net"
	"syscall"

	"site-audit-coordinator/internal/pipeline"
)

// isPermanent decides whether retrying a failed attempt can ever help.
// Permanent: the target site denied access or does not exist (401/403/404),
// or its address cannot be resolved or connected to. Everything else,
// timeouts included, is transient.
func isPermanent(err error) bool {
	var te *pipeline.TargetError
	if errors.As(err, &te) {
		return te.Permanent()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return false
}
