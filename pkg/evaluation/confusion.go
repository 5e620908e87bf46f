// Copyright 2025 BioPassport Project
//
// Confusion matrices and derived detection metrics. Predicted positives are
// matched against ground truth through the verifier alias table with an
// exact-match fallback.

package evaluation

import (
	"github.com/xaviwho/biopassport/pkg/verify"
	"github.com/xaviwho/biopassport/pkg/workload"
)

// Confusion is one binary confusion matrix.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TN int `json:"tn"`
}

// Add records one (actual, predicted) observation.
func (c *Confusion) Add(actual, predicted bool) {
	switch {
	case actual && predicted:
		c.TP++
	case actual && !predicted:
		c.FN++
	case !actual && predicted:
		c.FP++
	default:
		c.TN++
	}
}

// Metrics are the derived rates of a confusion matrix. Undefined ratios
// (zero denominators) report as 0.
type Metrics struct {
	TPR       float64 `json:"tpr"`
	TNR       float64 `json:"tnr"`
	FPR       float64 `json:"fpr"`
	FNR       float64 `json:"fnr"`
	Precision float64 `json:"precision"`
	Accuracy  float64 `json:"accuracy"`
	F1        float64 `json:"f1"`
}

// Metrics computes the derived rates.
func (c Confusion) Metrics() Metrics {
	var m Metrics
	if p := c.TP + c.FN; p > 0 {
		m.TPR = float64(c.TP) / float64(p)
		m.FNR = float64(c.FN) / float64(p)
	}
	if n := c.FP + c.TN; n > 0 {
		m.TNR = float64(c.TN) / float64(n)
		m.FPR = float64(c.FP) / float64(n)
	}
	if pp := c.TP + c.FP; pp > 0 {
		m.Precision = float64(c.TP) / float64(pp)
	}
	if t := c.TP + c.FP + c.FN + c.TN; t > 0 {
		m.Accuracy = float64(c.TP+c.TN) / float64(t)
	}
	if d := 2*c.TP + c.FP + c.FN; d > 0 {
		m.F1 = 2 * float64(c.TP) / float64(d)
	}
	return m
}

// reasonsContain reports whether any emitted reason denotes the anomaly
// class, resolving aliases first and falling back to exact match.
func reasonsContain(reasons []string, class workload.AnomalyClass) bool {
	for _, r := range reasons {
		if verify.SameReason(r, string(class)) {
			return true
		}
	}
	return false
}
