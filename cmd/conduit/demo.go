package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/eleven-am/conduit"
	"github.com/eleven-am/conduit/internal/domain"
)

const sampleData = `region,quarter,revenue,units
north,q1,1200.50,40
south,q1,980.00,31
east,q1,,28
west,q1,1430.25,52
north,q2,1310.75,44
south,q2,1010.10,
`

// table is the parsed data set every simulated analyzer works from.
type table struct {
	header []string
	rows   [][]string
}

func parseTable(cfg map[string]interface{}) (table, error) {
	raw, _ := cfg["data"].(string)
	records, err := csv.NewReader(strings.NewReader(raw)).ReadAll()
	if err != nil {
		return table{}, domain.NewValidationError("data is not valid CSV", err)
	}
	if len(records) < 2 {
		return table{}, domain.NewValidationError("data has no rows", domain.ErrInvalidInput)
	}
	return table{header: records[0], rows: records[1:]}, nil
}

func (t table) completeness() float64 {
	filled, total := 0, 0
	for _, row := range t.rows {
		for _, cell := range row {
			total++
			if strings.TrimSpace(cell) != "" {
				filled++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(filled) / float64(total)
}

func (t table) numericTotals() map[string]float64 {
	totals := make(map[string]float64)
	for col, name := range t.header {
		numeric := true
		sum := 0.0
		for _, row := range t.rows {
			if col >= len(row) || row[col] == "" {
				continue
			}
			v, err := strconv.ParseFloat(row[col], 64)
			if err != nil {
				numeric = false
				break
			}
			sum += v
		}
		if numeric {
			totals[name] = sum
		}
	}
	return totals
}

type stageFunc func(t table, cfg map[string]interface{}) (map[string]interface{}, map[string]float64)

// simulate wraps fn as an analyzer. A stage named by fail is rejected with a
// validation error so the run ends without retrying.
func simulate(fail conduit.ProcessingStage, fn stageFunc) conduit.Analyzer {
	return conduit.AnalyzerFunc(func(ctx context.Context, req conduit.AnalysisRequest) (conduit.AnalysisResult, error) {
		if req.Stage == fail {
			return conduit.AnalysisResult{}, domain.NewValidationError(fmt.Sprintf("simulated failure in %s", req.Stage), domain.ErrInvalidInput)
		}
		t, err := parseTable(req.Config)
		if err != nil {
			return conduit.AnalysisResult{}, err
		}
		if err := ctx.Err(); err != nil {
			return conduit.AnalysisResult{}, err
		}
		req.Report(0.5)
		results, metrics := fn(t, req.Config)
		return conduit.AnalysisResult{Results: results, Metrics: metrics}, nil
	})
}

func simulatedAnalyzers(fail conduit.ProcessingStage) conduit.Analyzers {
	return conduit.Analyzers{
		Quality: simulate(fail, func(t table, _ map[string]interface{}) (map[string]interface{}, map[string]float64) {
			c := t.completeness()
			return map[string]interface{}{"rows": len(t.rows), "columns": t.header},
				map[string]float64{"completeness": c, "rows": float64(len(t.rows))}
		}),
		Insight: simulate(fail, func(t table, _ map[string]interface{}) (map[string]interface{}, map[string]float64) {
			totals := t.numericTotals()
			insights := make([]string, 0, len(totals))
			for name, sum := range totals {
				insights = append(insights, fmt.Sprintf("%s totals %.2f", name, sum))
			}
			return map[string]interface{}{"insights": insights}, map[string]float64{"insights": float64(len(insights))}
		}),
		Analytics: simulate(fail, func(t table, _ map[string]interface{}) (map[string]interface{}, map[string]float64) {
			totals := t.numericTotals()
			means := make(map[string]interface{}, len(totals))
			for name, sum := range totals {
				means[name] = sum / float64(len(t.rows))
			}
			return map[string]interface{}{"means": means}, map[string]float64{"series": float64(len(means))}
		}),
		Decision: simulate(fail, func(t table, _ map[string]interface{}) (map[string]interface{}, map[string]float64) {
			recommendation := "publish"
			if t.completeness() < 0.8 {
				recommendation = "collect more data"
			}
			return map[string]interface{}{"recommendation": recommendation}, map[string]float64{"confidence": t.completeness()}
		}),
		Report: simulate(fail, func(t table, cfg map[string]interface{}) (map[string]interface{}, map[string]float64) {
			summary := fmt.Sprintf("%d rows across %d columns", len(t.rows), len(t.header))
			upstream, _ := cfg["upstream_results"].(map[string]interface{})
			if rec, ok := upstream["recommendation"].(string); ok {
				summary += "; recommendation: " + rec
			}
			return map[string]interface{}{"summary": summary}, nil
		}),
	}
}
