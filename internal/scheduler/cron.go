package scheduler

import (
	"github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron expressions and descriptors like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression and returns a Schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}
