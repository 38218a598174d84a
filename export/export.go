package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"flairscope/models"
)

// Format identifies an export output format
type Format string

const (
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatJSON  Format = "json"
)

// ErrUnknownFormat is returned for formats the exporter does not recognize
var ErrUnknownFormat = errors.New("unknown export format")

var flairStatsHeader = []string{
	"flair", "total_posts", "viral_posts", "viral_rate",
	"avg_score", "median_score", "max_score", "avg_comments", "avg_upvote_ratio",
}

var postsHeader = []string{
	"id", "title", "author", "flair", "score", "num_comments",
	"upvote_ratio", "created_utc", "is_viral", "permalink",
}

var metricsHeader = []string{
	"subreddit", "total_posts", "viral_posts", "viral_post_percentage",
	"viral_threshold", "total_flairs", "most_viral_flair", "subscriber_count",
}

// Exporter writes analysis results to disk
type Exporter struct {
	log *logrus.Logger
}

// NewExporter creates a new exporter
func NewExporter(log *logrus.Logger) *Exporter {
	return &Exporter{log: log}
}

// Export writes a result in the given format. basePath is the output path
// without extension; the returned path is the primary file written.
func (x *Exporter) Export(result *models.AnalysisResult, format Format, basePath string) (string, error) {
	dir := filepath.Dir(basePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var path string
	var err error

	switch format {
	case FormatCSV:
		path, err = x.exportCSV(result, basePath)
	case FormatExcel:
		path, err = x.exportExcel(result, basePath)
	case FormatJSON:
		path, err = x.exportJSON(result, basePath)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return "", err
	}

	x.log.WithFields(logrus.Fields{
		"run_id": result.RunID,
		"format": format,
		"path":   path,
	}).Info("Exported analysis results")

	return path, nil
}

// exportCSV writes the flair stats to <base>.csv and the posts to
// <base>_posts.csv, mirroring the two-file layout of the original tool
func (x *Exporter) exportCSV(result *models.AnalysisResult, basePath string) (string, error) {
	statsPath := basePath + ".csv"
	statsRows := make([][]string, 0, len(result.FlairStats))
	for _, fs := range result.FlairStats {
		statsRows = append(statsRows, flairStatsRow(fs))
	}
	if err := writeCSV(statsPath, flairStatsHeader, statsRows); err != nil {
		return "", fmt.Errorf("failed to write flair stats csv: %w", err)
	}

	postsPath := basePath + "_posts.csv"
	postRows := make([][]string, 0, len(result.Posts))
	for _, post := range result.Posts {
		postRows = append(postRows, postRow(post))
	}
	if err := writeCSV(postsPath, postsHeader, postRows); err != nil {
		return "", fmt.Errorf("failed to write posts csv: %w", err)
	}

	metricsPath := basePath + "_metrics.csv"
	if err := writeCSV(metricsPath, metricsHeader, [][]string{metricsRow(result)}); err != nil {
		return "", fmt.Errorf("failed to write metrics csv: %w", err)
	}

	return statsPath, nil
}

// exportJSON writes the full result to <base>.json
func (x *Exporter) exportJSON(result *models.AnalysisResult, basePath string) (string, error) {
	path := basePath + ".json"

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write json export: %w", err)
	}

	return path, nil
}

// exportExcel writes a workbook with Flair Statistics, Posts and Summary sheets
func (x *Exporter) exportExcel(result *models.AnalysisResult, basePath string) (string, error) {
	path := basePath + ".xlsx"

	f := excelize.NewFile()
	defer f.Close()

	const statsSheet = "Flair Statistics"
	if err := f.SetSheetName("Sheet1", statsSheet); err != nil {
		return "", fmt.Errorf("failed to rename sheet: %w", err)
	}

	if err := writeSheetRow(f, statsSheet, 1, flairStatsHeader); err != nil {
		return "", err
	}
	for i, fs := range result.FlairStats {
		if err := writeSheetRow(f, statsSheet, i+2, flairStatsRow(fs)); err != nil {
			return "", err
		}
	}

	const postsSheet = "Posts"
	if _, err := f.NewSheet(postsSheet); err != nil {
		return "", fmt.Errorf("failed to create posts sheet: %w", err)
	}
	if err := writeSheetRow(f, postsSheet, 1, postsHeader); err != nil {
		return "", err
	}
	for i, post := range result.Posts {
		if err := writeSheetRow(f, postsSheet, i+2, postRow(post)); err != nil {
			return "", err
		}
	}

	const summarySheet = "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return "", fmt.Errorf("failed to create summary sheet: %w", err)
	}
	summary := [][]string{
		{"Key", "Value"},
		{"Subreddit", result.Subreddit},
		{"Analysis Date", result.AnalyzedAt.Format("2006-01-02 15:04:05")},
		{"Total Posts", strconv.Itoa(result.Metrics.TotalPosts)},
		{"Total Flairs", strconv.Itoa(result.Metrics.TotalFlairs)},
		{"Viral Threshold", formatFloat(result.ViralThreshold)},
		{"Viral Posts", strconv.Itoa(result.Metrics.ViralPosts)},
		{"Viral Post Percentage", formatFloat(result.Metrics.ViralPostPercentage)},
		{"Most Viral Flair", result.Metrics.MostViralFlair},
		{"Subscriber Count", strconv.Itoa(result.Metrics.SubscriberCount)},
	}
	for i, row := range summary {
		if err := writeSheetRow(f, summarySheet, i+1, row); err != nil {
			return "", err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}

	return path, nil
}

// writeSheetRow writes one row of string cells starting at column A
func writeSheetRow(f *excelize.File, sheet string, row int, values []string) error {
	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("failed to compute cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}
	return nil
}

// writeCSV writes a header and rows to a CSV file
func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

func flairStatsRow(fs models.FlairStats) []string {
	return []string{
		fs.Flair,
		strconv.Itoa(fs.TotalPosts),
		strconv.Itoa(fs.ViralPosts),
		formatFloat(fs.ViralRate),
		formatFloat(fs.AvgScore),
		formatFloat(fs.MedianScore),
		strconv.Itoa(fs.MaxScore),
		formatFloat(fs.AvgComments),
		formatFloat(fs.AvgUpvoteRatio),
	}
}

func postRow(post models.Post) []string {
	return []string{
		post.ID,
		post.Title,
		post.Author,
		post.Flair,
		strconv.Itoa(post.Score),
		strconv.Itoa(post.NumComments),
		formatFloat(post.UpvoteRatio),
		formatFloat(post.CreatedUTC),
		strconv.FormatBool(post.IsViral),
		post.Permalink,
	}
}

func metricsRow(result *models.AnalysisResult) []string {
	return []string{
		result.Subreddit,
		strconv.Itoa(result.Metrics.TotalPosts),
		strconv.Itoa(result.Metrics.ViralPosts),
		formatFloat(result.Metrics.ViralPostPercentage),
		formatFloat(result.ViralThreshold),
		strconv.Itoa(result.Metrics.TotalFlairs),
		result.Metrics.MostViralFlair,
		strconv.Itoa(result.Metrics.SubscriberCount),
	}
}

// formatFloat renders with the shortest representation that parses back to
// the same value, so ratios round-trip without precision loss
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
