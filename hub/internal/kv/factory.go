package kv

import (
	"fmt"
	"strings"
)

// Open creates a Cache from a URI. Supported schemes are memory://,
// redis:// (rediss://), sqlite://<path> and postgres://.
func Open(uri string) (Cache, error) {
	switch {
	case uri == "" || strings.HasPrefix(uri, "memory://"):
		return NewMemory(0), nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		c, err := NewRedis(uri)
		if err != nil {
			return nil, err
		}
		return c, nil
	case strings.HasPrefix(uri, "sqlite://"):
		dsn := strings.TrimPrefix(uri, "sqlite://")
		if dsn == "" {
			return nil, fmt.Errorf("sqlite cache uri needs a path")
		}
		c, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return c, nil
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		c, err := NewPostgres(uri)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cache uri: %q", uri)
	}
}
