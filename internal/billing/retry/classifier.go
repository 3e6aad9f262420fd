// Package retry decides whether a failed delivery should be redelivered by the provider.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"
)

// Reason is a low-cardinality label describing why a failure got its kind.
type Reason string

const (
	ReasonExplicit          Reason = "explicit"
	ReasonTimeout           Reason = "timeout"
	ReasonCanceled          Reason = "canceled"
	ReasonConnection        Reason = "connection"
	ReasonDBUnavailable     Reason = "db_unavailable"
	ReasonLockContention    Reason = "lock_contention"
	ReasonProviderRateLimit Reason = "provider_rate_limit"
	ReasonProviderServer    Reason = "provider_server"
	ReasonProviderRejected  Reason = "provider_rejected"
	ReasonValidation        Reason = "validation"
	ReasonConstraint        Reason = "constraint"
	ReasonUnknown           Reason = "unknown"
)

// Decision is the classified form of a failure.
type Decision struct {
	Kind   domain.ErrorKind
	Reason Reason
}

// Retryable reports whether the provider should redeliver.
func (d Decision) Retryable() bool {
	return d.Kind == domain.KindTransient
}

// Classify returns the kind of err. A nil error is permanent so that callers never
// ask for a redelivery without a cause.
func Classify(err error) domain.ErrorKind {
	return Explain(err).Kind
}

// Explain classifies err and names the rule that matched. Kinds set explicitly by
// the failure site take precedence over inspection of the underlying error.
func Explain(err error) Decision {
	if err == nil {
		return Decision{Kind: domain.KindPermanent, Reason: ReasonUnknown}
	}

	var perr *domain.ProcessingError
	if errors.As(err, &perr) && perr.Kind != "" {
		return Decision{Kind: perr.Kind, Reason: ReasonExplicit}
	}

	switch {
	case errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidStatus):
		return permanent(ReasonValidation)
	case errors.Is(err, domain.ErrSubscriptionNotFound),
		errors.Is(err, domain.ErrEnrichmentUnavailable):
		return transient(ReasonExplicit)
	case errors.Is(err, context.DeadlineExceeded):
		return transient(ReasonTimeout)
	case errors.Is(err, context.Canceled):
		return transient(ReasonCanceled)
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated):
		return permanent(ReasonConstraint)
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return transient(ReasonConnection)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return classifyStripe(stripeErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return transient(ReasonTimeout)
		}
		return transient(ReasonConnection)
	}

	return permanent(ReasonUnknown)
}

func classifySQLState(code string) Decision {
	switch code {
	case "40001", "40P01", "55P03":
		return transient(ReasonLockContention)
	}
	switch {
	case strings.HasPrefix(code, "08"):
		return transient(ReasonConnection)
	case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"):
		return transient(ReasonDBUnavailable)
	case strings.HasPrefix(code, "23"):
		return permanent(ReasonConstraint)
	case strings.HasPrefix(code, "22"):
		return permanent(ReasonValidation)
	}
	return permanent(ReasonUnknown)
}

func classifyStripe(err *stripe.Error) Decision {
	switch {
	case err.HTTPStatusCode == 429:
		return transient(ReasonProviderRateLimit)
	case err.HTTPStatusCode >= 500:
		return transient(ReasonProviderServer)
	case err.HTTPStatusCode == 0:
		// no response was received
		return transient(ReasonConnection)
	case err.Type == stripe.ErrorTypeAPI:
		return transient(ReasonProviderServer)
	}
	return permanent(ReasonProviderRejected)
}

func transient(reason Reason) Decision {
	return Decision{Kind: domain.KindTransient, Reason: reason}
}

func permanent(reason Reason) Decision {
	return Decision{Kind: domain.KindPermanent, Reason: reason}
}
