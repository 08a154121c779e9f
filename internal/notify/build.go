package notify

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/config"
	"sheetsync/internal/retry"
)

// FromConfig builds the notifiers listed in cfg.Kinds. No kinds means log
// only.
func FromConfig(cfg config.Notify, policy retry.Policy, log logrus.FieldLogger) (Notifier, error) {
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = []string{"log"}
	}
	var out Multi
	for _, k := range kinds {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "log":
			out = append(out, LogNotifier{Log: log})
		case "file":
			out = append(out, FileNotifier{Path: cfg.Path})
		case "webhook":
			out = append(out, WebhookNotifier{URL: cfg.URL, Headers: cfg.Headers.StringMap(), Retry: policy})
		case "none":
		default:
			return nil, fmt.Errorf("notify: unsupported kind %q", k)
		}
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}
