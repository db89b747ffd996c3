package rotation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Database drivers for credential verification.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// DefaultVerifyTimeout bounds how long a verification ping may take.
const DefaultVerifyTimeout = 10 * time.Second

// Verifier proves freshly issued database credentials by opening a real
// connection with them.
type Verifier struct {
	Timeout time.Duration
	// open is swapped in tests.
	open func(driver, dsn string) (*sql.DB, error)
}

// NewVerifier creates a verifier with the default timeout.
func NewVerifier() *Verifier {
	return &Verifier{Timeout: DefaultVerifyTimeout, open: sql.Open}
}

// VerifyDatabaseCredential connects with the given driver and DSN and
// pings. Any failure means the credentials must not be stored.
func (v *Verifier) VerifyDatabaseCredential(ctx context.Context, driver, dsn string) error {
	if driver == "" {
		return fmt.Errorf("no database driver named")
	}
	open := v.open
	if open == nil {
		open = sql.Open
	}
	db, err := open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s connection: %w", driver, err)
	}
	defer db.Close()

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("credential verification ping failed: %w", err)
	}
	return nil
}
