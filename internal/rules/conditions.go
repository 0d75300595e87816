package rules

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expression"
	"github.com/opensource-finance/kestrel/internal/geo"
)

func nullCheck(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.NullCheck) domain.RuleResult {
	if c.Field == "" {
		return failed(rule, "No field configured")
	}
	field := metadataField(c.Field)

	for _, ev := range req.Evidences {
		if _, ok := ev.Metadata.Fields()[field]; ok {
			return passed(rule, "Field present: "+c.Field)
		}
	}

	return triggered(rule, "Required field is missing: "+c.Field, map[string]any{
		"field":   c.Field,
		"missing": true,
	})
}

func geoBoundary(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.GeoBoundary) domain.RuleResult {
	lat, lon, ok := req.Location.Point()
	if !ok {
		return passed(rule, "No location data to validate")
	}

	box := geo.Box{MinLat: c.MinLat, MaxLat: c.MaxLat, MinLon: c.MinLon, MaxLon: c.MaxLon}
	if box.Contains(lat, lon) {
		return passed(rule, "Location within boundary")
	}

	return triggered(rule, "Location outside tenant boundary", map[string]any{
		"latitude":  lat,
		"longitude": lon,
		"boundary":  c.Name,
	})
}

func geoDistance(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.GeoDistance) domain.RuleResult {
	from := req.EvidenceByPurpose(c.FromPurpose)
	to := req.EvidenceByPurpose(c.ToPurpose)
	if from == nil || to == nil {
		return passed(rule, "Missing GPS data in evidence")
	}

	lat1, lon1, ok1 := from.Metadata.GPS()
	lat2, lon2, ok2 := to.Metadata.GPS()
	if !ok1 || !ok2 {
		return passed(rule, "Missing GPS data in evidence")
	}

	distance := geo.Distance(lat1, lon1, lat2, lon2)
	if distance <= c.MaxDistanceMeters {
		return passed(rule, fmt.Sprintf("GPS within range: %.0fm", distance))
	}

	return triggered(rule, fmt.Sprintf("GPS mismatch: %.0fm apart", distance), map[string]any{
		"distance_meters": math.Round(distance),
		"max_allowed":     c.MaxDistanceMeters,
		"from":            c.FromPurpose,
		"to":              c.ToPurpose,
	})
}

func timestampAge(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.TimestampAge, now time.Time) domain.RuleResult {
	if len(req.Evidences) == 0 {
		return passed(rule, "No evidence to check timestamp")
	}

	maxAge := time.Duration(c.MaxAgeHours * float64(time.Hour))
	for _, ev := range req.Evidences {
		at, ok := ev.Metadata.CapturedAt()
		if !ok {
			continue
		}
		if age := now.Sub(at); age > maxAge {
			hours := int64(age / time.Hour)
			return triggered(rule, fmt.Sprintf("Evidence is %d hours old (max: %g)", hours, c.MaxAgeHours), map[string]any{
				"age_hours": hours,
				"max_hours": c.MaxAgeHours,
				"purpose":   ev.Purpose,
			})
		}
	}
	return passed(rule, "Evidence timestamps within allowed age")
}

func timestampDiff(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.TimestampDiff) domain.RuleResult {
	var t1, t2 time.Time
	var ok1, ok2 bool
	if ev := req.EvidenceByPurpose(c.FromPurpose); ev != nil {
		t1, ok1 = ev.Metadata.CapturedAt()
	}
	if ev := req.EvidenceByPurpose(c.ToPurpose); ev != nil {
		t2, ok2 = ev.Metadata.CapturedAt()
	}
	if !ok1 || !ok2 {
		return passed(rule, "Missing timestamps for comparison")
	}

	diff := t1.Sub(t2).Abs()
	minutes := int64(diff / time.Minute)
	if diff <= time.Duration(c.MaxDiffMinutes*float64(time.Minute)) {
		return passed(rule, fmt.Sprintf("Time gap OK: %d minutes", minutes))
	}

	return triggered(rule, fmt.Sprintf("Capture time gap: %d minutes (max: %g)", minutes, c.MaxDiffMinutes), map[string]any{
		"diff_minutes": minutes,
		"max_minutes":  c.MaxDiffMinutes,
	})
}

func metadataCheck(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.MetadataCheck) domain.RuleResult {
	if len(req.Evidences) == 0 {
		return passed(rule, "No evidence to check metadata")
	}
	if c.Field == "" {
		return failed(rule, "No field configured")
	}
	field := metadataField(c.Field)

	for _, ev := range req.Evidences {
		v, _ := ev.Metadata.Fields()[field].(bool)
		if v == c.ExpectedValue {
			continue
		}

		msg := fmt.Sprintf("Metadata %s is %t (expected %t)", field, v, c.ExpectedValue)
		if field == "exifPresent" && c.ExpectedValue {
			msg = "EXIF metadata stripped from photo"
		}
		return triggered(rule, msg, map[string]any{
			"field":    c.Field,
			"expected": c.ExpectedValue,
			"purpose":  ev.Purpose,
		})
	}
	return passed(rule, "Metadata check passed")
}

func timeWindow(rule *domain.FraudRule, c domain.TimeWindow, now time.Time) domain.RuleResult {
	if len(c.AllowedWindows) == 0 {
		return passed(rule, "No time windows configured")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("invalid rule timezone", "rule_id", rule.ID, "timezone", c.Timezone, "error", err)
		return failed(rule, "Invalid timezone: "+c.Timezone)
	}

	local := now.In(loc)
	day := strings.ToUpper(local.Weekday().String()[:3])
	clock := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())

	for _, w := range c.AllowedWindows {
		if !slices.ContainsFunc(w.Days, func(d string) bool { return strings.EqualFold(d, day) }) {
			continue
		}
		start, end, err := parseWindow(w)
		if err != nil {
			slog.Warn("invalid time window", "rule_id", rule.ID, "error", err)
			continue
		}
		if inWindow(clock, start, end) {
			return passed(rule, "Within allowed time window")
		}
	}

	hhmm := local.Format("15:04")
	return triggered(rule, fmt.Sprintf("Submission outside allowed hours: %s %s", day, hhmm), map[string]any{
		"time":     hhmm,
		"day":      day,
		"timezone": c.Timezone,
	})
}

// parseWindow returns start and end as offsets from midnight.
func parseWindow(w domain.AllowedWindow) (time.Duration, time.Duration, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window start %q: %w", w.Start, err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window end %q: %w", w.End, err)
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("expected HH:MM")
}

// inWindow is inclusive on both ends. An end of "14:00" admits 14:00:00
// exactly and nothing after it. A window whose end is before its start
// wraps past midnight.
func inWindow(clock, start, end time.Duration) bool {
	if start <= end {
		return clock >= start && clock <= end
	}
	return clock >= start || clock <= end
}

func (e *Evaluator) custom(rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.CustomExpression, now time.Time) domain.RuleResult {
	if strings.TrimSpace(c.Expression) == "" {
		slog.Warn("rule has empty expression", "rule_id", rule.ID, "rule_code", rule.Code)
		return passed(rule, "No expression configured")
	}

	if err := e.expr.Validate(c.Expression); err != nil {
		slog.Warn("rule has invalid expression",
			"rule_id", rule.ID,
			"rule_code", rule.Code,
			"error", err,
		)
		r := failed(rule, "Invalid expression syntax: "+c.Expression)
		r.Details = map[string]any{"error": err.Error()}
		return r
	}

	ok, err := e.expr.EvaluateErr(c.Expression, expression.BuildVars(req, nil, now))
	if err != nil {
		slog.Warn("expression evaluation failed",
			"rule_id", rule.ID,
			"rule_code", rule.Code,
			"error", err,
		)
		r := failed(rule, fmt.Sprintf("Expression evaluation error: %v", err))
		r.Details = map[string]any{"expression": c.Expression}
		return r
	}
	if !ok {
		return passed(rule, "Custom expression evaluated to false")
	}

	return triggered(rule, "Custom expression triggered: "+c.Expression, map[string]any{
		"expression": c.Expression,
		"result":     true,
	})
}
