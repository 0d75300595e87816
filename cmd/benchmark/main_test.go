package main

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sampleCSV = `application_id,applicant_id,name,latitude,longitude,evidence_purpose,evidence_latitude,evidence_longitude,captured_at,is_fraud
APP-1,U1,Asha,12.97,77.59,SITE_PHOTO,12.98,77.60,1700000000000,0
APP-2,U2,Ravi,,,,,,,1
,U3,Nobody,,,,,,,0
APP-3,U4,Meera,91x,77.59,,,,,true
`

func TestReadSubmissions(t *testing.T) {
	t.Run("ParsesRows", func(t *testing.T) {
		subs, err := readSubmissions(strings.NewReader(sampleCSV), 0)
		if err != nil {
			t.Fatalf("readSubmissions failed: %v", err)
		}
		if len(subs) != 3 {
			t.Fatalf("expected 3 submissions (blank id skipped), got %d", len(subs))
		}

		first := subs[0]
		if first.IsFraud {
			t.Error("APP-1 should be clean")
		}
		if _, _, ok := first.Request.Location.Point(); !ok {
			t.Error("APP-1 should carry a location")
		}
		ev := first.Request.EvidenceByPurpose("site_photo")
		if ev == nil {
			t.Fatal("APP-1 should carry SITE_PHOTO evidence")
		}
		if _, ok := ev.Metadata.CapturedAt(); !ok {
			t.Error("capture time not parsed")
		}

		if !subs[1].IsFraud || subs[1].Request.Location != nil || len(subs[1].Request.Evidences) != 0 {
			t.Errorf("APP-2 parsed wrong: %+v", subs[1])
		}
		// Unparseable latitude drops the location.
		if !subs[2].IsFraud || subs[2].Request.Location != nil {
			t.Errorf("APP-3 parsed wrong: %+v", subs[2])
		}
	})

	t.Run("Limit", func(t *testing.T) {
		subs, err := readSubmissions(strings.NewReader(sampleCSV), 1)
		if err != nil {
			t.Fatalf("readSubmissions failed: %v", err)
		}
		if len(subs) != 1 {
			t.Errorf("expected 1 submission, got %d", len(subs))
		}
	})

	t.Run("MissingLabelColumn", func(t *testing.T) {
		if _, err := readSubmissions(strings.NewReader("application_id\nAPP-1\n"), 0); err == nil {
			t.Error("expected error for missing is_fraud column")
		}
	})
}

func TestRunBenchmark(t *testing.T) {
	subs := []LabelledSubmission{
		{Request: domain.EvaluationRequest{ApplicationID: "fraud-flagged"}, IsFraud: true},
		{Request: domain.EvaluationRequest{ApplicationID: "fraud-missed"}, IsFraud: true},
		{Request: domain.EvaluationRequest{ApplicationID: "clean-flagged"}, IsFraud: false},
		{Request: domain.EvaluationRequest{ApplicationID: "clean-ok"}, IsFraud: false},
		{Request: domain.EvaluationRequest{ApplicationID: "broken"}, IsFraud: false},
	}

	eval := func(_ context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error) {
		switch req.ApplicationID {
		case "broken":
			return nil, errors.New("status 500")
		case "fraud-flagged":
			return &domain.EvaluationResponse{Recommendation: domain.RecommendAutoReject}, nil
		case "clean-flagged":
			return &domain.EvaluationResponse{Recommendation: domain.RecommendManualReview}, nil
		default:
			return &domain.EvaluationResponse{Recommendation: domain.RecommendApprove}, nil
		}
	}

	m := runBenchmark(context.Background(), subs, eval, 3, false)

	if m.TotalProcessed != 5 || m.TotalErrors != 1 {
		t.Errorf("processed=%d errors=%d, want 5 and 1", m.TotalProcessed, m.TotalErrors)
	}
	if m.TruePositives != 1 || m.FalseNegatives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 1 {
		t.Errorf("unexpected confusion matrix: %+v", m)
	}
	if m.ManualReviews != 1 {
		t.Errorf("expected 1 manual review, got %d", m.ManualReviews)
	}
	if m.Precision() != 0.5 || m.Recall() != 0.5 || m.Accuracy() != 0.5 {
		t.Errorf("precision=%v recall=%v accuracy=%v", m.Precision(), m.Recall(), m.Accuracy())
	}
	if math.Abs(m.F1()-0.5) > 1e-9 {
		t.Errorf("expected F1 0.5, got %v", m.F1())
	}
}

func TestEndpointFor(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{"", "/v1/_evaluate"},
		{"full", "/v1/_evaluate"},
		{"INTERNAL_ONLY", "/v1/_evaluateSync"},
		{"external", "/v1/_evaluateExternal"},
	}
	for _, tt := range tests {
		got, err := endpointFor(tt.scope)
		if err != nil {
			t.Fatalf("endpointFor(%q) failed: %v", tt.scope, err)
		}
		if got != tt.want {
			t.Errorf("endpointFor(%q) = %q, want %q", tt.scope, got, tt.want)
		}
	}
	if _, err := endpointFor("partial"); err == nil {
		t.Error("expected error for unknown scope")
	}
}
