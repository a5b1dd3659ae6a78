package cron

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron"
	"github.com/toolforge/jobs-api/pkg/apierror"
	"github.com/toolforge/jobs-api/pkg/metrics"
)

const field = "schedule"

type fieldDomain struct {
	min, max int
	mapping  map[string]string
}

// macros keeps the order used in error messages.
var macros = []struct {
	name     string
	template string
}{
	{"@hourly", "0 * * * *"},
	{"@daily", "0 0 * * *"},
	{"@weekly", "0 0 * * 0"},
	{"@monthly", "0 0 1 * *"},
	{"@yearly", "0 0 1 1 *"},
}

var weekdays = map[string]string{
	// 7 and 0 are both sunday
	"7":   "0",
	"sun": "0",
	"mon": "1",
	"tue": "2",
	"wed": "3",
	"thu": "4",
	"fri": "5",
	"sat": "6",
}

var domains = [5]fieldDomain{
	{min: 0, max: 59},
	{min: 0, max: 23},
	{min: 1, max: 31},
	{min: 1, max: 12},
	{min: 0, max: 6, mapping: weekdays},
}

// Expression is a validated schedule. Text is what the user wrote, which for at-macros differs from
// the resolved fields.
type Expression struct {
	Text      string
	Minute    string
	Hour      string
	Day       string
	Month     string
	DayOfWeek string
}

// Parse validates text as a 5-field schedule or resolves an at-macro. Macros resolve to the same
// fields every time for the same seed, conventionally "<namespace> <jobname>".
func Parse(text, seed string) (*Expression, error) {
	if strings.HasPrefix(text, "@") {
		return resolveMacro(text, seed)
	}

	var parts []string
	for _, part := range strings.Split(strings.ToLower(text), " ") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) != len(domains) {
		return nil, apierror.NewValidationf(field, "Expected to find 5 space-separated values, found %d", len(parts))
	}

	for i, domain := range domains {
		if err := domain.validate(parts[i]); err != nil {
			return nil, err
		}
	}
	return newExpression(text, parts), nil
}

// FromStored rebuilds an expression from the schedule stored on a CronJob and the text the user
// originally configured. An empty original means the schedule was not a macro.
func FromStored(resolved, original string) *Expression {
	parts := strings.Fields(resolved)
	for len(parts) < len(domains) {
		parts = append(parts, "*")
	}
	if original == "" {
		original = resolved
	}
	return newExpression(original, parts)
}

func (e Expression) Format() string {
	return strings.Join([]string{e.Minute, e.Hour, e.Day, e.Month, e.DayOfWeek}, " ")
}

// Schedule returns the expression as a runnable schedule.
func (e Expression) Schedule() (robfig.Schedule, error) {
	dow := make([]string, 0, 1)
	for _, entry := range strings.Split(e.DayOfWeek, ",") {
		dow = append(dow, sundayAsZero(entry))
	}
	spec := strings.Join([]string{e.Minute, e.Hour, e.Day, e.Month, strings.Join(dow, ",")}, " ")
	return robfig.ParseStandard(spec)
}

// Next returns the first activation strictly after t.
func (e Expression) Next(t time.Time) (time.Time, error) {
	schedule, err := e.Schedule()
	if err != nil {
		return time.Time{}, apierror.NewValidationf(field, "unable to schedule '%s': %v", e.Format(), err)
	}
	return schedule.Next(t), nil
}

func newExpression(text string, parts []string) *Expression {
	return &Expression{
		Text:      text,
		Minute:    parts[0],
		Hour:      parts[1],
		Day:       parts[2],
		Month:     parts[3],
		DayOfWeek: parts[4],
	}
}

func resolveMacro(text, seed string) (*Expression, error) {
	var template string
	names := make([]string, 0, len(macros))
	for _, m := range macros {
		names = append(names, m.name)
		if m.name == text {
			template = m.template
		}
	}
	if template == "" {
		return nil, apierror.NewValidationf(field, "Invalid at-macro '%s', supported macros are: %s", text, strings.Join(names, ", ")).
			WithData("allowed", names)
	}

	h := fnv.New64a()
	h.Write([]byte(seed))
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	parts := strings.Split(template, " ")
	for i, domain := range domains {
		if parts[i] == "*" {
			continue
		}
		parts[i] = strconv.Itoa(domain.min + r.Intn(domain.max-domain.min+1))
	}

	metrics.ObserveMacroResolution(text)
	return newExpression(text, parts), nil
}

func (d fieldDomain) validate(value string) error {
	for _, entry := range strings.Split(value, ",") {
		var (
			step    string
			hasStep bool
		)
		if strings.Contains(entry, "-") {
			if strings.Contains(entry, "/") {
				return apierror.NewValidation(field, "Step syntax is not supported with ranges")
			}
		} else if i := strings.Index(entry, "/"); i >= 0 {
			entry, step, hasStep = entry[:i], entry[i+1:], true
		}

		if start, end, ok := strings.Cut(entry, "-"); ok {
			if err := d.validateRange(start, end); err != nil {
				return err
			}
		} else if entry != "*" {
			if mapped, ok := d.mapping[entry]; ok {
				entry = mapped
			}
			n, err := strconv.Atoi(entry)
			if err != nil {
				return apierror.NewValidationf(field, "Unable to parse '%s' as an integer", entry)
			}
			if n < d.min || n > d.max {
				return apierror.NewValidationf(field, "Invalid value '%s', expected %d-%d", entry, d.min, d.max)
			}
		}

		if hasStep {
			n, err := strconv.Atoi(step)
			if step != "" && err != nil {
				return apierror.NewValidationf(field, "Unable to parse '%s' (from '%s') as an integer", step, entry)
			}
			if err != nil || n == 0 || n < d.min || n > d.max {
				return apierror.NewValidationf(field, "Invalid step value in '%s'", entry)
			}
		}
	}
	return nil
}

func (d fieldDomain) validateRange(start, end string) error {
	startInt, err := strconv.Atoi(d.name(start))
	if err != nil {
		return apierror.NewValidationf(field, "Unable to parse '%s' as an integer", start)
	}
	endInt, err := strconv.Atoi(d.name(end))
	if err != nil {
		return apierror.NewValidationf(field, "Unable to parse '%s' as an integer", end)
	}

	if startInt > endInt {
		return apierror.NewValidationf(field, "End value %d must be smaller than start value %d", endInt, startInt)
	}
	if startInt < d.min {
		return apierror.NewValidationf(field, "Start value %d must be at least %d", startInt, d.min)
	}
	if endInt > d.max {
		return apierror.NewValidationf(field, "End value %d must be at most %d", endInt, d.max)
	}
	return nil
}

// name maps day names inside ranges. A literal 7 is left alone so "1-7" reports the domain.
func (d fieldDomain) name(value string) string {
	if _, err := strconv.Atoi(value); err == nil {
		return value
	}
	if mapped, ok := d.mapping[value]; ok {
		return mapped
	}
	return value
}

func sundayAsZero(entry string) string {
	base, step, hasStep := strings.Cut(entry, "/")
	if base == "7" {
		base = "0"
	}
	if hasStep {
		return fmt.Sprintf("%s/%s", base, step)
	}
	return base
}
