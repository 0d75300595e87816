package expression

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BuildVars builds the variable context for a request. Additional data is
// merged in by key, then predictions are merged in by key so they win over
// same-named additional data. All numbers are exposed as doubles.
func BuildVars(req *domain.EvaluationRequest, predictions map[string]any, now time.Time) Vars {
	vars := Vars{
		"now":           now.UnixMilli(),
		"evidenceCount": 0,
		"tenantId":      "",
		"applicationId": "",
		"moduleCode":    "",
	}

	if req != nil {
		vars["tenantId"] = req.TenantID
		vars["applicationId"] = req.ApplicationID
		vars["moduleCode"] = req.ModuleCode

		a := req.Applicant
		vars["applicantInfo"] = toMap(a)
		vars["applicantId"] = a.ApplicantID
		vars["applicantName"] = a.Name
		vars["deviceId"] = req.DeviceID()
		vars["mobileNumber"] = a.MobileNumber

		if req.Location != nil {
			vars["locationData"] = toMap(req.Location)
			if lat, lon, ok := req.Location.Point(); ok {
				vars["latitude"] = lat
				vars["longitude"] = lon
			}
			vars["locality"] = req.Location.Locality
		}

		evidences := make([]any, 0, len(req.Evidences))
		for _, ev := range req.Evidences {
			evidences = append(evidences, toMap(ev))
		}
		vars["evidences"] = evidences
		vars["evidenceCount"] = len(req.Evidences)

		if len(req.Evidences) > 0 && req.Evidences[0].Metadata != nil {
			vars["metadata"] = req.Evidences[0].Metadata.Fields()
		} else {
			vars["metadata"] = map[string]any{}
		}

		if req.AdditionalData != nil {
			vars["additionalData"] = req.AdditionalData
			maps.Copy(vars, req.AdditionalData)
		}
	}

	if predictions != nil {
		vars["predictions"] = predictions
		maps.Copy(vars, predictions)
	}

	for k, v := range vars {
		vars[k] = normalize(v)
	}
	return vars
}

// toMap converts a struct into its JSON field map.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// normalize converts numbers to float64 and typed containers to the
// generic forms the expression runtime understands.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
