package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"flairscope/models"
)

func newTestExporter() *Exporter {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewExporter(log)
}

func sampleResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		RunID:     "run-1",
		Subreddit: "golang",
		Config: models.AnalysisConfig{
			Subreddit:       "golang",
			PostLimit:       500,
			TimeFilter:      models.TimeFilterAll,
			ViralPercentile: 90,
			MinPosts:        1,
		},
		Posts: []models.Post{
			{ID: "a", Title: "first", Author: "u1", Flair: "News", Score: 100, NumComments: 10, UpvoteRatio: 0.95, IsViral: true},
			{ID: "b", Title: "second, with comma", Author: "u2", Flair: "No Flair", Score: 5, NumComments: 2, UpvoteRatio: 0.8},
		},
		FlairStats: []models.FlairStats{
			{Flair: "News", TotalPosts: 1, ViralPosts: 1, ViralRate: 1, AvgScore: 100, MedianScore: 100, MaxScore: 100, AvgComments: 10, AvgUpvoteRatio: 0.95},
			{Flair: "No Flair", TotalPosts: 1, ViralPosts: 0, ViralRate: 0.333333333, AvgScore: 5, MedianScore: 5, MaxScore: 5, AvgComments: 2, AvgUpvoteRatio: 0.8},
		},
		ViralThreshold: 90.5,
		Metrics: models.Metrics{
			TotalPosts:          2,
			ViralPosts:          1,
			ViralPostPercentage: 50,
			TotalFlairs:         2,
			MostViralFlair:      "News",
			SubscriberCount:     1234,
		},
		AnalyzedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExportCSV(t *testing.T) {
	x := newTestExporter()
	base := filepath.Join(t.TempDir(), "golang_flair_analysis")

	path, err := x.Export(sampleResult(), FormatCSV, base)
	require.NoError(t, err)
	assert.Equal(t, base+".csv", path)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "header plus one row per flair")
	assert.Equal(t, flairStatsHeader, records[0])
	assert.Equal(t, "News", records[1][0])

	// viral_rate must round-trip to at least 4 significant digits
	rate, err := strconv.ParseFloat(records[2][3], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.333333333, rate, 1e-9)

	// posts land in a sibling file
	postsFile, err := os.Open(base + "_posts.csv")
	require.NoError(t, err)
	defer postsFile.Close()

	postRecords, err := csv.NewReader(postsFile).ReadAll()
	require.NoError(t, err)
	require.Len(t, postRecords, 3)
	assert.Equal(t, "second, with comma", postRecords[2][1])
	assert.Equal(t, "true", postRecords[1][8])

	// scalar metrics land in their own file
	metricsFile, err := os.Open(base + "_metrics.csv")
	require.NoError(t, err)
	defer metricsFile.Close()

	metricsRecords, err := csv.NewReader(metricsFile).ReadAll()
	require.NoError(t, err)
	require.Len(t, metricsRecords, 2)
	assert.Equal(t, "golang", metricsRecords[1][0])
	assert.Equal(t, "2", metricsRecords[1][1])
}

func TestExportJSON(t *testing.T) {
	x := newTestExporter()
	base := filepath.Join(t.TempDir(), "golang_flair_analysis")
	original := sampleResult()

	path, err := x.Export(original, FormatJSON, base)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded models.AnalysisResult
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.Metrics.TotalPosts, decoded.Metrics.TotalPosts)
	assert.Equal(t, original.ViralThreshold, decoded.ViralThreshold)
	require.Len(t, decoded.FlairStats, 2)
	assert.InDelta(t, original.FlairStats[1].ViralRate, decoded.FlairStats[1].ViralRate, 1e-9)
}

func TestExportExcel(t *testing.T) {
	x := newTestExporter()
	base := filepath.Join(t.TempDir(), "golang_flair_analysis")

	path, err := x.Export(sampleResult(), FormatExcel, base)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Flair Statistics", "Posts", "Summary"}, f.GetSheetList())

	flair, err := f.GetCellValue("Flair Statistics", "A2")
	require.NoError(t, err)
	assert.Equal(t, "News", flair)

	totalPosts, err := f.GetCellValue("Summary", "B4")
	require.NoError(t, err)
	assert.Equal(t, "2", totalPosts)
}

func TestExportUnknownFormat(t *testing.T) {
	x := newTestExporter()

	_, err := x.Export(sampleResult(), Format("parquet"), filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
