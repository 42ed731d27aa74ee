package flags

import (
	"context"

	"github.com/sirupsen/logrus"

	"caption-scheduler/internal/store"
)

// Source answers boolean feature lookups. Implementations must fall back to
// the provided default rather than failing.
type Source interface {
	Enabled(ctx context.Context, key string, def bool) bool
}

// Keys consulted by the scheduler.
const (
	KeyAutoRetry = "enable_auto_retry"
)

// StoreSource reads flags from the config key-value store. A missing record
// or a read failure yields the default.
type StoreSource struct {
	store store.Store
	log   *logrus.Logger
}

// NewStoreSource builds a store-backed flag source.
func NewStoreSource(st store.Store, log *logrus.Logger) *StoreSource {
	return &StoreSource{store: st, log: log}
}

func (s *StoreSource) Enabled(ctx context.Context, key string, def bool) bool {
	var v bool
	found, err := s.store.GetConfig(ctx, store.KeyFeatureFlagPrefix+key, &v)
	if err != nil {
		s.log.WithError(err).WithField("flag", key).Warn("feature flag read failed, using default")
		return def
	}
	if !found {
		return def
	}
	return v
}

// Static is a fixed in-memory flag set, mostly for tests.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, key string, def bool) bool {
	if v, ok := s[key]; ok {
		return v
	}
	return def
}
