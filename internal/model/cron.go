package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is either a cron expression or a fixed interval.
type Schedule struct {
	Cron  string
	Every time.Duration
}

func (s Schedule) String() string {
	if s.Cron != "" {
		return s.Cron
	}
	return "every " + s.Every.String()
}

// ParseSchedule accepts an ISO 8601 duration (PT10M) or a five field cron
// expression, including the @ macros.
func ParseSchedule(expr string) (Schedule, error) {
	e := strings.TrimSpace(expr)
	if strings.HasPrefix(e, "P") {
		d, err := ParseISODuration(e)
		if err != nil {
			return Schedule{}, err
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive: %s", e)
		}
		return Schedule{Every: d}, nil
	}
	if _, err := ParseCron(e); err != nil {
		return Schedule{}, err
	}
	return Schedule{Cron: e}, nil
}

// ParseCron parses a five field cron expression and returns the interval
// between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var (
		schedule cron.Schedule
		err      error
	)
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		schedule, err = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	return schedule.Next(next1).Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(?P<day>\d+)D)?(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// ParseISODuration parses the day and time parts of an ISO 8601 duration,
// e.g. P7D, PT5M or P1DT2H30M. Years, months and weeks are rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		if i == 0 || match[i] == "" {
			continue
		}
		num, frac, err := splitNumber(match[i])
		if err != nil {
			return 0, err
		}
		unit := isoUnits[name]
		ret += time.Duration(num)*unit + time.Duration(frac*float64(unit))
	}
	return ret, nil
}

func splitNumber(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, fraction, ok := strings.Cut(s, ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(fraction)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(fraction))
	}
	num, err = strconv.Atoi(whole)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
