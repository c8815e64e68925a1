// Package extract pulls structured findings out of raw lab and clinical
// report text.
package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ylouis83/aim-medical/pkg/medmem"
)

var valueRe = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*(.*)$`)

const (
	numericConfidence = 0.9
	textConfidence    = 0.6
)

// LineExtractor parses "Name: value unit" report lines. Lines without a
// colon are skipped; a value that does not start with a number is kept as
// free text with no unit.
type LineExtractor struct {
	// Category tags every finding; defaults to lab.
	Category medmem.ObservationCategory
}

func (e LineExtractor) Extract(ctx context.Context, reportText string) ([]medmem.ExtractedFinding, error) {
	category := e.Category
	if category == "" {
		category = medmem.CategoryLab
	}

	var findings []medmem.ExtractedFinding
	for _, line := range strings.Split(reportText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ":") {
			continue
		}

		name, rawValue, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		rawValue = strings.TrimSpace(rawValue)
		if name == "" || rawValue == "" {
			continue
		}

		f := medmem.ExtractedFinding{
			Name:       name,
			Value:      rawValue,
			Category:   category,
			Confidence: textConfidence,
		}
		if m := valueRe.FindStringSubmatch(rawValue); m != nil {
			f.Value = m[1]
			if unit := strings.TrimSpace(m[2]); unit != "" {
				f.Unit = unit
			}
			if n, err := strconv.ParseFloat(m[1], 64); err == nil {
				f.ValueNumeric = &n
				f.Confidence = numericConfidence
			}
		}

		findings = append(findings, f)
	}

	return findings, nil
}
