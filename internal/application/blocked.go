package application

import (
	"github.com/modelgate/modelgate/internal/domain/lang"
	"github.com/modelgate/modelgate/internal/domain/scan"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// VerdictDetail is the per-scanner slice of a block/error envelope.
type VerdictDetail struct {
	Passed    bool    `json:"passed"`
	RiskScore float64 `json:"risk_score"`
	Reason    string  `json:"reason"`
}

// ErrorBody is the JSON body of every gateway-originated error response,
// streaming or not. Scanner fields are present only on block decisions and
// can be suppressed entirely via hide_scanner_detail.
type ErrorBody struct {
	Error          string                   `json:"error"`
	Message        string                   `json:"message"`
	Language       string                   `json:"language"`
	Scanners       map[string]VerdictDetail `json:"scanners,omitempty"`
	FailedScanners []string                 `json:"failed_scanners,omitempty"`
}

// NewErrorBody builds the envelope for a non-scan failure (busy, timeout,
// upstream, access denied). reason interpolates into localized templates
// that carry a {reason} slot; it may be empty.
func NewErrorBody(kind gwerrors.Kind, tag lang.Tag, reason string) ErrorBody {
	return ErrorBody{
		Error:    string(kind),
		Message:  lang.Message(kind, tag, reason),
		Language: string(tag),
	}
}

// NewBlockBody builds the envelope for a scan block decision. The localized
// message embeds the first failing scanner's reason; per-scanner detail is
// attached unless hideDetail is set.
func NewBlockBody(kind gwerrors.Kind, tag lang.Tag, report scan.Report, hideDetail bool) ErrorBody {
	body := ErrorBody{
		Error:    string(kind),
		Message:  lang.Message(kind, tag, report.FirstReason()),
		Language: string(tag),
	}
	if hideDetail {
		return body
	}
	body.FailedScanners = report.FailedNames()
	body.Scanners = make(map[string]VerdictDetail, len(report.Passed)+len(report.Failed))
	for _, v := range report.Passed {
		body.Scanners[v.ScannerName] = VerdictDetail{Passed: true, RiskScore: v.RiskScore, Reason: v.Reason}
	}
	for _, v := range report.Failed {
		body.Scanners[v.ScannerName] = VerdictDetail{Passed: false, RiskScore: v.RiskScore, Reason: v.Reason}
	}
	return body
}
