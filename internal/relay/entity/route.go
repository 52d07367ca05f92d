package entity

import (
	"time"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

// Route forwards every message of Topics from the source backend to the same
// topic on the target backend.
type Route struct {
	Name          string         `mapstructure:"name" validate:"required"`
	SourceURL     string         `mapstructure:"source_url" validate:"required,bpsurl"`
	TargetURL     string         `mapstructure:"target_url" validate:"required,bpsurl"`
	Topics        []string       `mapstructure:"topics" validate:"required,min=1,dive,topicname"`
	SourceOptions map[string]any `mapstructure:"source_options"`
	TargetOptions map[string]any `mapstructure:"target_options"`
	// StartAt overrides the source default start position.
	StartAt string `mapstructure:"start_at" validate:"omitempty,oneof=newest latest oldest first earliest"`
	// FlushIntervalSeconds flushes the target topics periodically, zero disables it.
	FlushIntervalSeconds float64 `mapstructure:"flush_interval_seconds" validate:"gte=0"`
}

// FlushInterval returns FlushIntervalSeconds as a duration.
func (r Route) FlushInterval() time.Duration {
	return time.Duration(r.FlushIntervalSeconds * float64(time.Second))
}

// SubOptions returns the options passed to every Subscribe of the route.
func (r Route) SubOptions() []bps.SubOption {
	if r.StartAt == "" {
		return nil
	}
	return []bps.SubOption{bps.StartAt(bps.ParseSubStart(r.StartAt))}
}

// SourceScheme returns the url scheme of SourceURL.
func (r Route) SourceScheme() string { return scheme(r.SourceURL) }

// TargetScheme returns the url scheme of TargetURL.
func (r Route) TargetScheme() string { return scheme(r.TargetURL) }

func scheme(raw string) string {
	u, err := bps.ParseURL(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}
