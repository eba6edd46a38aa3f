package database

import (
	"fmt"
	"net/url"

	"github.com/jstrand/chainprice/internal/config"
)

// BuildConnString renders a pgx-compatible connection URL. The password is
// URL-escaped so credential characters never break the URL.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
