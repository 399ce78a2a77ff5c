package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/shellbot/internal/config"
)

// FromConfig converts the webhook section of the global config and parses
// its body size.
func FromConfig(wc config.WebhookConfig) (Config, error) {
	if wc.Secret == "" {
		return Config{}, fmt.Errorf("webhook: no secret configured")
	}

	maxBodySize, err := parseMaxBodySize(wc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhook: invalid max_body_size %q: %w", wc.MaxBodySize, err)
	}

	return Config{
		Listen:          wc.Listen,
		Path:            wc.Path,
		Secret:          wc.Secret,
		SignatureHeader: wc.SignatureHeader,
		MaxBodySize:     maxBodySize,
		ReplyURL:        wc.ReplyURL,
		ReplySecret:     wc.ReplySecret,
		ReplyTimeout:    wc.ReplyTimeout,
		ReplyQueue:      wc.ReplyQueue,
	}, nil
}

// parseMaxBodySize parses size strings like "64KB", "1MB", "65536" to bytes.
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
