package ingestion

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rpattn/contactsync/internal/domain"
)

// storageContext bounds one storage call. A non-positive timeout leaves ctx
// untouched.
func storageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// IsStorageUnavailable reports whether err is a timeout or connection failure
// of the store, as opposed to a rejected statement.
func IsStorageUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func storageErrorCode(err error) string {
	if IsStorageUnavailable(err) {
		return domain.ErrorCodeStorageUnavailable
	}
	return domain.ErrorCodeStorageError
}
