package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/generation"
	"github.com/loomi/story-rag/pkg/logger"
)

type ExportPaths struct {
	RawDataPath string `json:"raw_data_file"`
	SummaryPath string `json:"summary_file"`
	ReportPath  string `json:"report_file"`
}

// Export writes the raw sessions, the summary and the markdown report.
// Existing files are never overwritten: a colliding name gets a _<n> suffix.
func (c *Collector) Export() (*ExportPaths, error) {
	sessions := c.snapshot()
	summary := summarize(sessions)

	c.mu.Lock()
	generatedAt := c.now()
	c.mu.Unlock()

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	raw, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sessions: %w", err)
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	report := RenderReport(summary, generatedAt)

	stamp := generatedAt.Format("20060102_150405")
	paths := &ExportPaths{}

	if paths.RawDataPath, err = writeExclusive(c.outputDir, "rag_sessions_"+stamp, ".json", raw); err != nil {
		return nil, err
	}
	if paths.SummaryPath, err = writeExclusive(c.outputDir, "rag_summary_"+stamp, ".json", summaryJSON); err != nil {
		return nil, err
	}
	if paths.ReportPath, err = writeExclusive(c.outputDir, "rag_research_report_"+stamp, ".md", []byte(report)); err != nil {
		return nil, err
	}

	logger.Info("Research metrics exported",
		zap.String("raw", paths.RawDataPath),
		zap.String("summary", paths.SummaryPath),
		zap.String("report", paths.ReportPath),
		zap.Int("sessions", len(sessions)),
	)
	return paths, nil
}

func writeExclusive(dir, base, ext string, data []byte) (string, error) {
	for n := 0; n < 1000; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return "", fmt.Errorf("failed to write %s: %w", path, werr)
		}
		if cerr != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, cerr)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s%s in %s", base, ext, dir)
}

var dimensionLabels = map[string]string{
	generation.DimensionEducationalValue: "Educational Value",
	generation.DimensionEngagement:       "Engagement",
	generation.DimensionCoherence:        "Coherence",
}

// RenderReport formats a summary as a markdown research report.
func RenderReport(s Summary, generatedAt time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# RAG Research Report\nGenerated: %s\n\n", generatedAt.Format("2006-01-02 15:04:05"))

	b.WriteString("## Executive Summary\n\n")
	b.WriteString("This report compares children's stories generated with and without retrieved example stories ")
	b.WriteString("(fables, folk tales and related collections) in the prompt.\n\n")

	b.WriteString("## Key Findings\n\n### Performance Metrics\n")
	fmt.Fprintf(&b, "- **Total Sessions Analyzed**: %d\n", s.TotalSessions)
	fmt.Fprintf(&b, "- **Successful Sessions**: %d\n", s.SuccessfulSessions)
	fmt.Fprintf(&b, "- **Failed Sessions**: %d\n", s.FailedSessions)
	fmt.Fprintf(&b, "- **Success Rate**: %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&b, "- **Average Generation Time (Without RAG)**: %.2fs\n", s.AvgGenerationTimeWithoutRAG)
	fmt.Fprintf(&b, "- **Average Generation Time (With RAG)**: %.2fs\n", s.AvgGenerationTimeWithRAG)
	fmt.Fprintf(&b, "- **RAG Overhead**: %.2fs\n", s.AvgRAGOverhead)
	fmt.Fprintf(&b, "- **Average Context Added**: %.0f characters\n", s.AvgContextEnhancement)
	fmt.Fprintf(&b, "- **Average Cost (Without RAG)**: $%.4f\n", s.AvgCostWithoutRAG)
	fmt.Fprintf(&b, "- **Average Cost (With RAG)**: $%.4f\n", s.AvgCostWithRAG)

	b.WriteString("\n### Quality Improvements\n")
	if len(s.AvgQualityImprovement) == 0 {
		b.WriteString("- No successful sessions yet\n")
	}
	for _, dim := range generation.Dimensions {
		v, ok := s.AvgQualityImprovement[dim]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- **%s**: %+.3f\n", dimensionLabels[dim], v)
	}

	b.WriteString("\n### RAG System Insights\n")
	fmt.Fprintf(&b, "- **Average Similarity Score**: %.3f\n", s.AvgSimilarityScore)
	fmt.Fprintf(&b, "- **Most Common Themes**: %s\n", listOrNone(s.MostCommonThemes))
	fmt.Fprintf(&b, "- **Most Common Characters**: %s\n", listOrNone(s.MostCommonCharacters))

	b.WriteString("\n## Detailed Analysis\n\n### Performance Impact\n")
	fmt.Fprintf(&b, "Retrieval adds an average of %.2f seconds per story. ", s.AvgRAGOverhead)
	b.WriteString("This covers the vector search, context formatting and the longer prompt.\n")

	b.WriteString("\n### Quality Impact\n")
	improved := false
	for _, dim := range generation.Dimensions {
		if s.AvgQualityImprovement[dim] > 0 {
			fmt.Fprintf(&b, "- **%s**: stories with retrieved examples score higher\n", dimensionLabels[dim])
			improved = true
		}
	}
	if !improved {
		b.WriteString("- No quality dimension improved on average\n")
	}

	b.WriteString("\n## Methodology\n\n")
	b.WriteString("- **Design**: each session generates a baseline story and then a retrieval-augmented story for the same request\n")
	b.WriteString("- **Retrieval**: semantic search over the indexed story collections, optionally widened by related themes\n")
	b.WriteString("- **Evaluation**: lexical heuristics for educational value, engagement and coherence, each in [0,1]\n")
	b.WriteString("- **Aggregation**: averages cover successful sessions only\n")

	return b.String()
}

func listOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
