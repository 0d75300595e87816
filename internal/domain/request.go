package domain

import (
	"strings"
	"time"
)

// EvaluationRequest is one submission to evaluate.
type EvaluationRequest struct {
	ApplicationID  string         `json:"applicationId" validate:"required,max=128"`
	TenantID       string         `json:"tenantId" validate:"max=128"`
	ModuleCode     string         `json:"moduleCode,omitempty" validate:"max=64"`
	Applicant      Applicant      `json:"applicantInfo"`
	Location       *Location      `json:"locationData,omitempty"`
	Evidences      []Evidence     `json:"evidences,omitempty" validate:"max=100,dive"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// Applicant identifies who submitted.
type Applicant struct {
	ApplicantID  string `json:"applicantId"`
	UserUUID     string `json:"userUuid,omitempty"`
	Name         string `json:"name,omitempty"`
	MobileNumber string `json:"mobileNumber,omitempty"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	DeviceID     string `json:"deviceId,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
}

// Location is where the submission claims to come from.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Address   string   `json:"address,omitempty"`
	Locality  string   `json:"locality,omitempty"`
	Ward      string   `json:"ward,omitempty"`
	District  string   `json:"district,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty"`
}

// Point returns the coordinates when both are present.
func (l *Location) Point() (lat, lon float64, ok bool) {
	if l == nil || l.Latitude == nil || l.Longitude == nil {
		return 0, 0, false
	}
	return *l.Latitude, *l.Longitude, true
}

// Evidence is one uploaded artifact (photo, document).
type Evidence struct {
	FileStoreID    string            `json:"fileStoreId,omitempty"`
	Purpose        string            `json:"purpose" validate:"required"`
	ContentType    string            `json:"contentType,omitempty"`
	ContentHash    string            `json:"contentHash,omitempty"`
	PerceptualHash string            `json:"perceptualHash,omitempty"`
	Metadata       *EvidenceMetadata `json:"metadata,omitempty"`
}

// EvidenceMetadata is the EXIF-like capture information of an evidence item.
type EvidenceMetadata struct {
	GPSLatitude  *float64 `json:"gpsLatitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	GPSLongitude *float64 `json:"gpsLongitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Timestamp    *int64   `json:"timestamp,omitempty"` // epoch millis
	DeviceID     string   `json:"deviceId,omitempty"`
	DeviceModel  string   `json:"deviceModel,omitempty"`
	OSVersion    string   `json:"osVersion,omitempty"`
	ExifPresent  *bool    `json:"exifPresent,omitempty"`
	Width        *int     `json:"width,omitempty"`
	Height       *int     `json:"height,omitempty"`
	Format       string   `json:"format,omitempty"`
}

// GPS returns the capture coordinates when both are present.
func (m *EvidenceMetadata) GPS() (lat, lon float64, ok bool) {
	if m == nil || m.GPSLatitude == nil || m.GPSLongitude == nil {
		return 0, 0, false
	}
	return *m.GPSLatitude, *m.GPSLongitude, true
}

// CapturedAt returns the capture time when present.
func (m *EvidenceMetadata) CapturedAt() (time.Time, bool) {
	if m == nil || m.Timestamp == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*m.Timestamp), true
}

// Fields flattens the metadata into a name -> value map holding only the
// fields that are set. Names match the JSON field names.
func (m *EvidenceMetadata) Fields() map[string]any {
	out := map[string]any{}
	if m == nil {
		return out
	}
	if m.GPSLatitude != nil {
		out["gpsLatitude"] = *m.GPSLatitude
	}
	if m.GPSLongitude != nil {
		out["gpsLongitude"] = *m.GPSLongitude
	}
	if m.Timestamp != nil {
		out["timestamp"] = *m.Timestamp
	}
	if m.DeviceID != "" {
		out["deviceId"] = m.DeviceID
	}
	if m.DeviceModel != "" {
		out["deviceModel"] = m.DeviceModel
	}
	if m.OSVersion != "" {
		out["osVersion"] = m.OSVersion
	}
	if m.ExifPresent != nil {
		out["exifPresent"] = *m.ExifPresent
	}
	if m.Width != nil {
		out["width"] = int64(*m.Width)
	}
	if m.Height != nil {
		out["height"] = int64(*m.Height)
	}
	if m.Format != "" {
		out["format"] = m.Format
	}
	return out
}

// EvidenceByPurpose returns the first evidence item whose purpose matches,
// ignoring case.
func (r *EvaluationRequest) EvidenceByPurpose(purpose string) *Evidence {
	for i := range r.Evidences {
		if strings.EqualFold(r.Evidences[i].Purpose, purpose) {
			return &r.Evidences[i]
		}
	}
	return nil
}

// DeviceID prefers the first evidence-level device id over the applicant's.
func (r *EvaluationRequest) DeviceID() string {
	for _, e := range r.Evidences {
		if e.Metadata != nil && e.Metadata.DeviceID != "" {
			return e.Metadata.DeviceID
		}
	}
	return r.Applicant.DeviceID
}
