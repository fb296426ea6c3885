package scan

import (
	"context"
	"regexp"
	"strings"
)

// Builtin scanners. These are deliberately lightweight heuristics: regex and
// keyword checks that run in microseconds. Deployments that front real ML
// scanners register their own Scanner implementations under the same names.

// PromptInjection flags instruction-override attempts in several languages.
type PromptInjection struct {
	patterns []*regexp.Regexp
}

var defaultInjectionPatterns = []string{
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`,
	`(?i)disregard\s+(your|the)\s+(system\s+)?(prompt|instructions?)`,
	`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode)`,
	`(?i)reveal\s+(your|the)\s+system\s+prompt`,
	`忽视(之前|以上|先前)的(指令|提示)`,
	`无视(之前|以上|先前)的(指令|提示)`,
	`(?i)переведи\s+себя\s+в\s+режим\s+разработчика`,
	`(?i)игнорируй\s+(все\s+)?предыдущие\s+инструкции`,
}

// NewPromptInjection compiles the default pattern set plus any extras.
func NewPromptInjection(extra []string) (*PromptInjection, error) {
	all := append(append([]string{}, defaultInjectionPatterns...), extra...)
	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &PromptInjection{patterns: compiled}, nil
}

func (s *PromptInjection) Name() string { return "PromptInjection" }

func (s *PromptInjection) Scan(_ context.Context, text string) (Verdict, error) {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return Verdict{Passed: false, RiskScore: 0.95, Reason: "injection"}, nil
		}
	}
	return Verdict{Passed: true, RiskScore: 0.0, Reason: ""}, nil
}

// Toxicity flags texts containing configured toxic keywords.
type Toxicity struct {
	keywords  []string
	threshold float64
}

// NewToxicity builds a keyword toxicity scanner. Matching is case-insensitive.
func NewToxicity(keywords []string, threshold float64) *Toxicity {
	if threshold <= 0 {
		threshold = 0.5
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return &Toxicity{keywords: lowered, threshold: threshold}
}

func (s *Toxicity) Name() string { return "Toxicity" }

func (s *Toxicity) Scan(_ context.Context, text string) (Verdict, error) {
	lower := strings.ToLower(text)
	hits := 0
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	if hits == 0 {
		return Verdict{Passed: true}, nil
	}
	risk := float64(hits) / float64(len(s.keywords))
	if risk > 1 {
		risk = 1
	}
	if risk < s.threshold {
		return Verdict{Passed: true, RiskScore: risk, Reason: "below threshold"}, nil
	}
	return Verdict{Passed: false, RiskScore: risk, Reason: "toxic content"}, nil
}

// NoCode blocks responses that contain source code fragments.
type NoCode struct {
	patterns []*regexp.Regexp
}

var codePatterns = []string{
	"```",
	`(?m)^\s*(def|class)\s+\w+.*:`,
	`(?m)^\s*(func|package|import)\s+\w+`,
	`(?m)^\s*#include\s*<`,
	`(?m)^\s*(public|private)\s+(static\s+)?\w+\s+\w+\s*\(`,
	`(?i)\bdef\s+\w+\s*\(`,
}

func NewNoCode() *NoCode {
	compiled := make([]*regexp.Regexp, len(codePatterns))
	for i, p := range codePatterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return &NoCode{patterns: compiled}
}

func (s *NoCode) Name() string { return "NoCode" }

func (s *NoCode) Scan(_ context.Context, text string) (Verdict, error) {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return Verdict{Passed: false, RiskScore: 0.8, Reason: "code detected"}, nil
		}
	}
	return Verdict{Passed: true}, nil
}

// Secrets flags credential material in either direction.
type Secrets struct {
	patterns []*regexp.Regexp
}

var secretPatterns = []string{
	`AKIA[0-9A-Z]{16}`,                        // AWS access key id
	`(?i)sk-[a-zA-Z0-9]{20,}`,                 // OpenAI-style API key
	`-----BEGIN\s+(RSA|EC|OPENSSH)?\s*PRIVATE KEY-----`, // PEM private key
	`(?i)bearer\s+[a-z0-9._\-]{20,}`,          // bearer token
	`ghp_[A-Za-z0-9]{36}`,                     // GitHub PAT
}

func NewSecrets() *Secrets {
	compiled := make([]*regexp.Regexp, len(secretPatterns))
	for i, p := range secretPatterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return &Secrets{patterns: compiled}
}

func (s *Secrets) Name() string { return "Secrets" }

func (s *Secrets) Scan(_ context.Context, text string) (Verdict, error) {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return Verdict{Passed: false, RiskScore: 0.9, Reason: "credential material"}, nil
		}
	}
	return Verdict{Passed: true}, nil
}

// BanSubstrings blocks texts containing any configured substring.
type BanSubstrings struct {
	substrings    []string
	caseSensitive bool
}

func NewBanSubstrings(substrings []string, caseSensitive bool) *BanSubstrings {
	if !caseSensitive {
		lowered := make([]string, len(substrings))
		for i, s := range substrings {
			lowered[i] = strings.ToLower(s)
		}
		substrings = lowered
	}
	return &BanSubstrings{substrings: substrings, caseSensitive: caseSensitive}
}

func (s *BanSubstrings) Name() string { return "BanSubstrings" }

func (s *BanSubstrings) Scan(_ context.Context, text string) (Verdict, error) {
	probe := text
	if !s.caseSensitive {
		probe = strings.ToLower(text)
	}
	for _, sub := range s.substrings {
		if sub != "" && strings.Contains(probe, sub) {
			return Verdict{Passed: false, RiskScore: 1.0, Reason: "banned substring"}, nil
		}
	}
	return Verdict{Passed: true}, nil
}
