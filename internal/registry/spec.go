package registry

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/robfig/cron/v3"
)

// Hour-interval shorthand: "2h" means "every 2 hours".
var reHourShorthand = regexp.MustCompile(`^\s*(\d{1,3})h\s*$`)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NormalizeSpec turns a stored schedule string into a cron expression.
// Values ending in "h" are interpreted as an hourly interval and rewritten
// to an every-N-hours cron form; any other string is used verbatim and
// validated as a cron expression.
func NormalizeSpec(raw string) (string, error) {
	if m := reHourShorthand.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid hour interval %q", raw)
		}
		if n > 24 {
			return "", fmt.Errorf("hour interval %q exceeds 24h; use a cron expression", raw)
		}
		return fmt.Sprintf("0 */%d * * *", n), nil
	}
	if _, err := specParser.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return raw, nil
}

// ValidateSpec rejects schedule strings that cannot be normalized. Called at
// note create/update time so bad schedules never reach a live timer.
func ValidateSpec(raw string) error {
	_, err := NormalizeSpec(raw)
	return err
}
