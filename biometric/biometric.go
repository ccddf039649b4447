// Package biometric defines the pluggable matching capability: comparing a
// sample against enrolled templates and returning a confidence-scored
// identity guess.
package biometric

import (
	"errors"
	"math/rand"
	"time"
)

// DefaultThreshold is the minimum confidence for a match on the event
// resolution path.
const DefaultThreshold = 75

// A MatchRequest asks the matcher to compare one template against the
// enrolled templates inside the given scope.
type MatchRequest struct {
	Template       string `json:"template"`
	TemplateType   string `json:"template_type,omitempty"`
	OrganizationID string `json:"organization_id"`
	BranchID       string `json:"branch_id,omitempty"`
	Threshold      int    `json:"threshold"`
}

// A MatchResult is the matcher's verdict. EmployeeID is only set when
// Matched is true.
type MatchResult struct {
	Matched          bool    `json:"matched"`
	EmployeeID       string  `json:"employee_id,omitempty"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// A Matcher compares a biometric sample against enrolled templates. Matcher
// implementations may be shared between dequeuers and must be safe for
// concurrent use.
type Matcher interface {
	Match(req MatchRequest) (*MatchResult, error)
}

var errEmptyTemplate = errors.New("biometric: empty template")

// SimulatedMatcher is a development stand-in for a real matching service.
// It is deliberately non-deterministic: roughly 70% of non-empty templates
// match, with a confidence drawn from [threshold, 100).
type SimulatedMatcher struct {
	// MatchRate overrides the default 0.7 probability when nonzero.
	MatchRate float64
}

func (m *SimulatedMatcher) Match(req MatchRequest) (*MatchResult, error) {
	if req.Template == "" {
		return nil, errEmptyTemplate
	}
	start := time.Now()
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	rate := m.MatchRate
	if rate == 0 {
		rate = 0.7
	}
	res := &MatchResult{}
	if rand.Float64() < rate {
		res.Matched = true
		res.Confidence = float64(threshold) + rand.Float64()*float64(100-threshold)
		// A fake employee id; a real matcher returns the enrolled id.
		res.EmployeeID = simulatedEmployeeID(req.Template)
	} else {
		res.Confidence = rand.Float64() * float64(threshold)
	}
	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	return res, nil
}

// simulatedEmployeeID derives a stable fake id from the template so repeated
// matches on the same sample agree with each other.
func simulatedEmployeeID(template string) string {
	var sum uint32
	for i := 0; i < len(template); i++ {
		sum = sum*31 + uint32(template[i])
	}
	return "emp_simulated_" + itoa(sum)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
