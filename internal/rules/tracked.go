package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/tracker"
)

// record logs the submission under the rule's own key and returns how many
// other submissions fall inside the window. Every evaluation is a new
// entry, including a re-evaluation of the same application.
func (e *Evaluator) record(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, window time.Duration, now time.Time) (domain.SubmissionStats, error) {
	key := tracker.Key(req.TenantID, rule.ID, req.Applicant.ApplicantID)
	return e.trackers.Submissions.Record(ctx, key, uuid.NewString(), now, window)
}

func (e *Evaluator) velocity(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.Velocity, now time.Time) domain.RuleResult {
	if req.Applicant.ApplicantID == "" {
		return passed(rule, "No applicant ID for velocity check")
	}

	stats, err := e.record(ctx, rule, req, c.Window(), now)
	if err != nil {
		return trackerError(rule, err)
	}

	count := stats.Prior + 1
	if count <= int64(c.Threshold) {
		return passed(rule, fmt.Sprintf("Velocity OK: %d submissions", count))
	}

	return triggered(rule, fmt.Sprintf("High velocity: %d submissions in %g hours", count, c.WindowHours), map[string]any{
		"count":        count,
		"threshold":    c.Threshold,
		"window_hours": c.WindowHours,
	})
}

func (e *Evaluator) aggregateCount(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.AggregateCount, now time.Time) domain.RuleResult {
	if req.Applicant.ApplicantID == "" {
		return passed(rule, "No applicant ID for aggregate check")
	}

	stats, err := e.record(ctx, rule, req, c.Window(), now)
	if err != nil {
		return trackerError(rule, err)
	}

	count := stats.Prior + 1
	if count <= int64(c.Threshold) {
		return passed(rule, fmt.Sprintf("Aggregate count OK: %d", count))
	}

	return triggered(rule, fmt.Sprintf("Aggregate limit exceeded: %d in %g days (max: %d)", count, c.PeriodDays, c.Threshold), map[string]any{
		"count":       count,
		"threshold":   c.Threshold,
		"period_days": c.PeriodDays,
	})
}

func (e *Evaluator) interval(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.Interval, now time.Time) domain.RuleResult {
	if req.Applicant.ApplicantID == "" {
		return passed(rule, "No applicant ID for interval check")
	}

	minGap := c.Window()
	stats, err := e.record(ctx, rule, req, minGap, now)
	if err != nil {
		return trackerError(rule, err)
	}
	if stats.Last.IsZero() {
		return passed(rule, "Submission interval OK")
	}

	gap := now.Sub(stats.Last)
	if gap >= minGap {
		return passed(rule, "Submission interval OK")
	}

	minutes := int64(gap / time.Minute)
	return triggered(rule, fmt.Sprintf("Rapid submission: %d minutes since last (min: %g)", minutes, c.MinIntervalMinutes), map[string]any{
		"interval_minutes": minutes,
		"min_interval":     c.MinIntervalMinutes,
	})
}

func (e *Evaluator) hashMatch(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest) domain.RuleResult {
	if len(req.Evidences) == 0 {
		return passed(rule, "No evidence to check for duplicates")
	}
	if req.ApplicationID == "" {
		return passed(rule, "No application ID for duplicate check")
	}

	var match *domain.RuleResult
	for _, ev := range req.Evidences {
		if ev.ContentHash == "" {
			continue
		}
		owner, err := e.trackers.Hashes.Claim(ctx, tracker.Key(req.TenantID, ev.ContentHash), req.ApplicationID)
		if err != nil {
			return trackerError(rule, err)
		}
		if match == nil && owner != "" && owner != req.ApplicationID {
			r := triggered(rule, "Exact duplicate content detected", map[string]any{
				"matching_application": owner,
				"hash":                 ev.ContentHash,
				"purpose":              ev.Purpose,
			})
			match = &r
		}
	}

	if match != nil {
		return *match
	}
	return passed(rule, "No duplicate content found")
}

func (e *Evaluator) imageSimilarity(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.ImageSimilarity) domain.RuleResult {
	if req.ApplicationID == "" {
		return passed(rule, "No application ID for similarity check")
	}

	var (
		best    domain.ImageMatch
		purpose string
		found   bool
		checked int
	)
	for _, ev := range req.Evidences {
		if ev.PerceptualHash == "" {
			continue
		}
		h, err := tracker.ParseHash(ev.PerceptualHash)
		if err != nil {
			slog.Warn("invalid perceptual hash", "rule_id", rule.ID, "purpose", ev.Purpose, "error", err)
			continue
		}
		checked++

		m, ok, err := e.trackers.Images.MatchAndAdd(ctx, req.TenantID, h, req.ApplicationID, c.Threshold)
		if err != nil {
			return trackerError(rule, err)
		}
		if ok && (!found || m.Similarity > best.Similarity) {
			best, purpose, found = m, ev.Purpose, true
		}
	}

	if checked == 0 {
		return passed(rule, "No perceptual hash to compare")
	}
	if !found {
		return passed(rule, "No similar images found")
	}

	return triggered(rule, fmt.Sprintf("Near-duplicate image: %.0f%% similar to application %s", best.Similarity*100, best.Owner), map[string]any{
		"matching_application": best.Owner,
		"similarity":           best.Similarity,
		"threshold":            c.Threshold,
		"purpose":              purpose,
	})
}

func (e *Evaluator) deviceSharing(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.DeviceSharing) domain.RuleResult {
	device := req.DeviceID()
	if device == "" {
		return passed(rule, "No device ID to check sharing")
	}
	applicant := req.Applicant.ApplicantID
	if applicant == "" {
		applicant = "unknown"
	}

	users, err := e.trackers.Devices.AddUser(ctx, tracker.Key(req.TenantID, device), applicant)
	if err != nil {
		return trackerError(rule, err)
	}

	if len(users) < c.MinUniqueUsers {
		return passed(rule, "Device not shared excessively")
	}

	return triggered(rule, fmt.Sprintf("Device shared by %d users", len(users)), map[string]any{
		"device_id":    device,
		"unique_users": len(users),
		"users":        users,
	})
}

func (e *Evaluator) geoCluster(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.GeoCluster, now time.Time) domain.RuleResult {
	lat, lon, ok := req.Location.Point()
	if !ok || !geo.Valid(lat, lon) {
		return passed(rule, "No location data for clustering")
	}
	if req.Applicant.ApplicantID == "" {
		return passed(rule, "No applicant ID for cluster check")
	}

	fix := domain.GeoFix{Latitude: lat, Longitude: lon, At: now}
	nearby, err := e.trackers.Geo.NearbyAndAdd(ctx, tracker.Key(req.TenantID, rule.ID), req.Applicant.ApplicantID, fix, c.RadiusMeters, c.Window())
	if err != nil {
		return trackerError(rule, err)
	}

	applicants := len(nearby) + 1
	if applicants < c.MinApplicants {
		return passed(rule, fmt.Sprintf("Geo cluster OK: %d applicants nearby", applicants))
	}

	return triggered(rule, fmt.Sprintf("Geo cluster: %d applicants within %.0fm in %g hours", applicants, c.RadiusMeters, c.WindowHours), map[string]any{
		"applicants":    applicants,
		"nearby":        nearby,
		"radius_meters": c.RadiusMeters,
		"window_hours":  c.WindowHours,
	})
}

// gpsVelocity compares the current location with the applicant's previous
// one. Elapsed time is floored at one second.
func (e *Evaluator) gpsVelocity(ctx context.Context, rule *domain.FraudRule, req *domain.EvaluationRequest, c domain.GPSVelocity, now time.Time) domain.RuleResult {
	lat, lon, ok := req.Location.Point()
	if !ok || !geo.Valid(lat, lon) {
		return passed(rule, "No location data for travel check")
	}
	if req.Applicant.ApplicantID == "" {
		return passed(rule, "No applicant ID for travel check")
	}

	at := now
	if req.Location.Timestamp != nil {
		at = time.UnixMilli(*req.Location.Timestamp)
	}

	key := tracker.Key(req.TenantID, rule.ID, req.Applicant.ApplicantID)
	prev, found, err := e.trackers.Locations.Swap(ctx, key, domain.GeoFix{Latitude: lat, Longitude: lon, At: at})
	if err != nil {
		return trackerError(rule, err)
	}
	if !found {
		return passed(rule, "No previous location")
	}

	distance := geo.Distance(prev.Latitude, prev.Longitude, lat, lon)
	elapsed := max(at.Sub(prev.At), time.Second)
	speed := (distance / 1000) / elapsed.Hours()

	if speed <= c.MaxSpeedKmh {
		return passed(rule, fmt.Sprintf("Travel speed OK: %.0f km/h", speed))
	}

	return triggered(rule, fmt.Sprintf("Impossible travel: %.0f km/h between submissions (max: %g)", speed, c.MaxSpeedKmh), map[string]any{
		"speed_kmh":       math.Round(speed),
		"distance_meters": math.Round(distance),
		"elapsed_minutes": int64(elapsed / time.Minute),
		"max_speed_kmh":   c.MaxSpeedKmh,
	})
}
