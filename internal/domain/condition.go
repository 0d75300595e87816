package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConditionKind is the wire name of a condition variant.
type ConditionKind string

const (
	KindNullCheck       ConditionKind = "NULL_CHECK"
	KindGeoBoundary     ConditionKind = "GEO_BOUNDARY"
	KindGeoDistance     ConditionKind = "GEO_DISTANCE"
	KindVelocity        ConditionKind = "VELOCITY"
	KindTimestampAge    ConditionKind = "TIMESTAMP_AGE"
	KindTimestampDiff   ConditionKind = "TIMESTAMP_DIFF"
	KindHashMatch       ConditionKind = "HASH_MATCH"
	KindImageSimilarity ConditionKind = "IMAGE_SIMILARITY"
	KindInterval        ConditionKind = "INTERVAL"
	KindDeviceSharing   ConditionKind = "DEVICE_SHARING"
	KindGeoCluster      ConditionKind = "GEO_CLUSTER"
	KindMetadataCheck   ConditionKind = "METADATA_CHECK"
	KindTimeWindow      ConditionKind = "TIME_WINDOW"
	KindAggregateCount  ConditionKind = "AGGREGATE_COUNT"
	KindGPSVelocity     ConditionKind = "GPS_VELOCITY"
	KindCustom          ConditionKind = "CUSTOM"
	KindExternal        ConditionKind = "EXTERNAL"
)

// Condition is the closed set of rule condition variants. Only types in
// this package implement it; anything the parser cannot map becomes an
// UnknownCondition.
type Condition interface {
	Kind() ConditionKind
	condition()
}

// NullCheck triggers when a metadata field is absent on every evidence item.
type NullCheck struct {
	Field string `json:"field"`
}

// GeoBoundary triggers when the request location is outside the rectangle.
type GeoBoundary struct {
	Name   string  `json:"name,omitempty"`
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// GeoDistance compares capture GPS of two evidence items picked by purpose.
type GeoDistance struct {
	MaxDistanceMeters float64 `json:"maxDistanceMeters"`
	FromPurpose       string  `json:"fromPurpose"`
	ToPurpose         string  `json:"toPurpose"`
}

// Velocity triggers when the applicant submits too often within a window.
type Velocity struct {
	Threshold   int     `json:"threshold"`
	WindowHours float64 `json:"windowHours"`
}

// Window returns the rolling window.
func (c Velocity) Window() time.Duration { return hours(c.WindowHours) }

// TimestampAge triggers when any evidence was captured too long ago.
type TimestampAge struct {
	MaxAgeHours float64 `json:"maxAgeHours"`
}

// TimestampDiff triggers when two evidence capture times are too far apart.
type TimestampDiff struct {
	MaxDiffMinutes float64 `json:"maxDiffMinutes"`
	FromPurpose    string  `json:"fromPurpose"`
	ToPurpose      string  `json:"toPurpose"`
}

// HashMatch triggers when evidence content was already seen for another application.
type HashMatch struct{}

// ImageSimilarity triggers when a perceptual hash is close to one seen for
// another application.
type ImageSimilarity struct {
	Threshold float64 `json:"threshold"`
}

// Interval triggers when the previous submission is too recent.
type Interval struct {
	MinIntervalMinutes float64 `json:"minIntervalMinutes"`
}

// Window returns the minimum interval.
func (c Interval) Window() time.Duration {
	return time.Duration(c.MinIntervalMinutes * float64(time.Minute))
}

// DeviceSharing triggers when a device has been used by too many applicants.
type DeviceSharing struct {
	MinUniqueUsers int `json:"minUniqueUsers"`
}

// GeoCluster triggers when many distinct applicants submit from one spot.
type GeoCluster struct {
	RadiusMeters  float64 `json:"radiusMeters"`
	MinApplicants int     `json:"minApplicants"`
	WindowHours   float64 `json:"windowHours"`
}

// Window returns the lookback window.
func (c GeoCluster) Window() time.Duration { return hours(c.WindowHours) }

// MetadataCheck triggers when a boolean metadata flag differs from the expected value.
type MetadataCheck struct {
	Field         string `json:"field"`
	ExpectedValue bool   `json:"expectedValue"`
}

// AllowedWindow is one allowed submission window, e.g. MON-FRI 08:00-14:00.
type AllowedWindow struct {
	Days  []string `json:"days"`
	Start string   `json:"start"`
	End   string   `json:"end"`
}

// TimeWindow triggers when the evaluation time falls outside every allowed window.
type TimeWindow struct {
	Timezone       string          `json:"timezone"`
	AllowedWindows []AllowedWindow `json:"allowedWindows"`
}

// AggregateCount is the day-scale sibling of Velocity.
type AggregateCount struct {
	Threshold  int     `json:"threshold"`
	PeriodDays float64 `json:"periodDays"`
}

// Window returns the rolling period.
func (c AggregateCount) Window() time.Duration { return hours(c.PeriodDays * 24) }

// GPSVelocity triggers when the implied travel speed since the applicant's
// previous submission is physically implausible.
type GPSVelocity struct {
	MaxSpeedKmh float64 `json:"maxSpeedKmh"`
}

// CustomExpression delegates to the expression evaluator.
type CustomExpression struct {
	Expression string `json:"expression"`
}

// ExternalCheck binds a rule to a remote validator and interprets its
// predictions with CheckExpression.
type ExternalCheck struct {
	ValidatorID     string `json:"validatorId"`
	CheckExpression string `json:"checkExpression"`
}

// UnknownCondition is the fallback variant for unsupported or malformed conditions.
type UnknownCondition struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (NullCheck) Kind() ConditionKind        { return KindNullCheck }
func (GeoBoundary) Kind() ConditionKind      { return KindGeoBoundary }
func (GeoDistance) Kind() ConditionKind      { return KindGeoDistance }
func (Velocity) Kind() ConditionKind         { return KindVelocity }
func (TimestampAge) Kind() ConditionKind     { return KindTimestampAge }
func (TimestampDiff) Kind() ConditionKind    { return KindTimestampDiff }
func (HashMatch) Kind() ConditionKind        { return KindHashMatch }
func (ImageSimilarity) Kind() ConditionKind  { return KindImageSimilarity }
func (Interval) Kind() ConditionKind         { return KindInterval }
func (DeviceSharing) Kind() ConditionKind    { return KindDeviceSharing }
func (GeoCluster) Kind() ConditionKind       { return KindGeoCluster }
func (MetadataCheck) Kind() ConditionKind    { return KindMetadataCheck }
func (TimeWindow) Kind() ConditionKind       { return KindTimeWindow }
func (AggregateCount) Kind() ConditionKind   { return KindAggregateCount }
func (GPSVelocity) Kind() ConditionKind      { return KindGPSVelocity }
func (CustomExpression) Kind() ConditionKind { return KindCustom }
func (ExternalCheck) Kind() ConditionKind    { return KindExternal }
func (c UnknownCondition) Kind() ConditionKind {
	return ConditionKind(c.Type)
}

func (NullCheck) condition()        {}
func (GeoBoundary) condition()      {}
func (GeoDistance) condition()      {}
func (Velocity) condition()         {}
func (TimestampAge) condition()     {}
func (TimestampDiff) condition()    {}
func (HashMatch) condition()        {}
func (ImageSimilarity) condition()  {}
func (Interval) condition()         {}
func (DeviceSharing) condition()    {}
func (GeoCluster) condition()       {}
func (MetadataCheck) condition()    {}
func (TimeWindow) condition()       {}
func (AggregateCount) condition()   {}
func (GPSVelocity) condition()      {}
func (CustomExpression) condition() {}
func (ExternalCheck) condition()    {}
func (UnknownCondition) condition() {}

// ParseCondition decodes a wire condition ({"type": ..., params...}) into its
// variant, filling parameter defaults. It never fails: missing, unknown or
// malformed conditions come back as UnknownCondition.
func ParseCondition(raw json.RawMessage) Condition {
	if len(raw) == 0 || string(raw) == "null" {
		return UnknownCondition{Reason: "condition is missing"}
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return UnknownCondition{Reason: fmt.Sprintf("condition is not an object: %v", err)}
	}

	kind := ConditionKind(strings.ToUpper(strings.TrimSpace(head.Type)))

	var (
		cond Condition
		err  error
	)
	switch kind {
	case KindNullCheck:
		cond, err = decode(raw, NullCheck{})
	case KindGeoBoundary:
		cond, err = decode(raw, GeoBoundary{Name: "NCR", MinLat: 28.4, MaxLat: 28.9, MinLon: 76.8, MaxLon: 77.5})
	case KindGeoDistance:
		cond, err = decode(raw, GeoDistance{MaxDistanceMeters: 500, FromPurpose: "primary", ToPurpose: "selfie"})
	case KindVelocity:
		cond, err = decode(raw, Velocity{Threshold: 5, WindowHours: 1})
	case KindTimestampAge:
		cond, err = decode(raw, TimestampAge{MaxAgeHours: 48})
	case KindTimestampDiff:
		cond, err = decode(raw, TimestampDiff{MaxDiffMinutes: 10, FromPurpose: "primary", ToPurpose: "selfie"})
	case KindHashMatch:
		cond, err = decode(raw, HashMatch{})
	case KindImageSimilarity:
		cond, err = decode(raw, ImageSimilarity{Threshold: 0.90})
	case KindInterval:
		cond, err = decode(raw, Interval{MinIntervalMinutes: 5})
	case KindDeviceSharing:
		cond, err = decode(raw, DeviceSharing{MinUniqueUsers: 2})
	case KindGeoCluster:
		cond, err = decode(raw, GeoCluster{RadiusMeters: 200, MinApplicants: 3, WindowHours: 24})
	case KindMetadataCheck:
		cond, err = decode(raw, MetadataCheck{Field: "exifPresent", ExpectedValue: true})
	case KindTimeWindow:
		cond, err = decode(raw, TimeWindow{Timezone: "Asia/Kolkata"})
	case KindAggregateCount:
		cond, err = decode(raw, AggregateCount{Threshold: 5, PeriodDays: 1})
	case KindGPSVelocity:
		cond, err = decode(raw, GPSVelocity{MaxSpeedKmh: 120})
	case KindCustom:
		cond, err = decode(raw, CustomExpression{})
	case KindExternal:
		cond, err = decode(raw, ExternalCheck{})
	default:
		return UnknownCondition{Type: head.Type, Reason: "unsupported condition type"}
	}

	if err != nil {
		return UnknownCondition{Type: head.Type, Reason: fmt.Sprintf("invalid %s parameters: %v", kind, err)}
	}
	return cond
}

func decode[T Condition](raw json.RawMessage, defaults T) (Condition, error) {
	c := defaults
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalCondition encodes a condition back into wire form with its type tag.
func MarshalCondition(c Condition) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	if u, ok := c.(UnknownCondition); ok {
		return json.Marshal(map[string]string{"type": u.Type})
	}

	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s condition: %w", c.Kind(), err)
	}

	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = string(c.Kind())
	return json.Marshal(fields)
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
