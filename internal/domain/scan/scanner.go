package scan

import "context"

// Verdict is the immutable result of one scanner on one text.
type Verdict struct {
	ScannerName string  `json:"scanner_name"`
	Passed      bool    `json:"passed"`
	RiskScore   float64 `json:"risk_score"`
	Reason      string  `json:"reason"`
}

// Report aggregates the verdicts of a pipeline run over one text.
// Allowed is false as soon as any verdict failed.
type Report struct {
	Allowed bool      `json:"allowed"`
	Passed  []Verdict `json:"passed"`
	Failed  []Verdict `json:"failed"`
}

// FailedNames returns the names of the scanners that failed, in verdict order.
func (r Report) FailedNames() []string {
	names := make([]string, 0, len(r.Failed))
	for _, v := range r.Failed {
		names = append(names, v.ScannerName)
	}
	return names
}

// FirstReason returns "<scanner>: <reason>" for the first failed verdict,
// used as the {reason} substitution in localized block messages.
func (r Report) FirstReason() string {
	if len(r.Failed) == 0 {
		return ""
	}
	v := r.Failed[0]
	return v.ScannerName + ": " + v.Reason
}

// Scanner is a named check over a text. Scan may be slow (ML inference
// behind the interface) and is expected to be non-cancellable per call;
// implementations must be safe for concurrent use and hold no per-call state.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, text string) (Verdict, error)
}
