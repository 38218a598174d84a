package engine

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flairscope/models"
)

func newTestEngine() *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewEngine(log)
}

func makePost(id, flair string, score int) models.Post {
	return models.Post{
		ID:          id,
		Title:       "post " + id,
		Flair:       flair,
		Score:       score,
		NumComments: score / 2,
		UpvoteRatio: 0.9,
	}
}

func makePosts(flair string, scores ...int) []models.Post {
	posts := make([]models.Post, 0, len(scores))
	for i, score := range scores {
		posts = append(posts, makePost(fmt.Sprintf("p%d", i), flair, score))
	}
	return posts
}

func defaultConfig() models.AnalysisConfig {
	return models.AnalysisConfig{
		Subreddit:       "golang",
		PostLimit:       500,
		TimeFilter:      models.TimeFilterAll,
		ViralPercentile: 90,
		MinPosts:        1,
	}
}

func TestComputeViralThreshold(t *testing.T) {
	e := newTestEngine()

	tests := []struct {
		name       string
		scores     []int
		percentile float64
		expected   float64
	}{
		{
			// rank = 0.9 * 4 = 3.6, interpolate between 40 and 100
			name:       "90th percentile interpolates between nearest ranks",
			scores:     []int{10, 20, 30, 40, 100},
			percentile: 90,
			expected:   76,
		},
		{
			// rank = 0.5 * 3 = 1.5, interpolate between 2 and 3
			name:       "50th percentile of four values",
			scores:     []int{1, 2, 3, 4},
			percentile: 50,
			expected:   2.5,
		},
		{
			name:       "unsorted input is sorted first",
			scores:     []int{100, 10, 40, 30, 20},
			percentile: 90,
			expected:   76,
		},
		{
			name:       "identical scores collapse to that score",
			scores:     []int{7, 7, 7, 7},
			percentile: 95,
			expected:   7,
		},
		{
			name:       "single post",
			scores:     []int{42},
			percentile: 99,
			expected:   42,
		},
		{
			name:       "negative scores are handled",
			scores:     []int{-10, -5, 0, 5},
			percentile: 50,
			expected:   -2.5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			threshold, err := e.ComputeViralThreshold(makePosts("Discussion", tc.scores...), tc.percentile)
			require.NoError(t, err)
			assert.InDelta(t, tc.expected, threshold, 1e-9)
		})
	}
}

func TestComputeViralThresholdEmptyInput(t *testing.T) {
	e := newTestEngine()

	_, err := e.ComputeViralThreshold(nil, 90)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestThresholdMonotonicity(t *testing.T) {
	e := newTestEngine()
	posts := makePosts("Discussion", 3, 1, 4, 1, 5, 9, 2, 6, 5, 35, 89, 79, 32, 38, 46)

	prev := -1.0
	for p := 50.0; p <= 99; p++ {
		threshold, err := e.ComputeViralThreshold(posts, p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, threshold, prev, "threshold must not decrease as percentile grows (p=%g)", p)
		prev = threshold
	}
}

func TestClassifyPosts(t *testing.T) {
	e := newTestEngine()
	posts := makePosts("Discussion", -5, 0, 75, 76, 100)

	classified := e.ClassifyPosts(posts, 76)

	require.Len(t, classified, len(posts))
	expected := []bool{false, false, false, true, true}
	for i, post := range classified {
		assert.Equal(t, expected[i], post.IsViral, "post with score %d", post.Score)
	}

	// inputs are never mutated
	for _, post := range posts {
		assert.False(t, post.IsViral)
	}
}

func TestClassifyScenarioA(t *testing.T) {
	e := newTestEngine()
	posts := makePosts("Discussion", 10, 20, 30, 40, 100)

	threshold, err := e.ComputeViralThreshold(posts, 90)
	require.NoError(t, err)
	assert.InDelta(t, 76.0, threshold, 1e-9)

	classified := e.ClassifyPosts(posts, threshold)
	viral := 0
	for _, post := range classified {
		if post.IsViral {
			viral++
			assert.Equal(t, 100, post.Score)
		}
	}
	assert.Equal(t, 1, viral, "only the top post should clear the threshold")
}

func TestAggregateByFlairSingleFlair(t *testing.T) {
	e := newTestEngine()
	posts := e.ClassifyPosts(makePosts("Discussion", 10, 20, 30, 40, 100), 76)

	flairStats := e.AggregateByFlair(posts, 1)

	require.Len(t, flairStats, 1)
	fs := flairStats[0]
	assert.Equal(t, "Discussion", fs.Flair)
	assert.Equal(t, 5, fs.TotalPosts)
	assert.Equal(t, 1, fs.ViralPosts)
	assert.InDelta(t, 0.2, fs.ViralRate, 1e-9)
	assert.InDelta(t, 40.0, fs.AvgScore, 1e-9)
	assert.InDelta(t, 30.0, fs.MedianScore, 1e-9)
	assert.Equal(t, 100, fs.MaxScore)
}

func TestAggregateByFlairSentinelCollapse(t *testing.T) {
	e := newTestEngine()
	posts := []models.Post{
		makePost("a", "", 10),
		makePost("b", "   ", 20),
		makePost("c", "News", 30),
	}

	flairStats := e.AggregateByFlair(posts, 1)

	require.Len(t, flairStats, 2)
	byFlair := make(map[string]models.FlairStats)
	for _, fs := range flairStats {
		byFlair[fs.Flair] = fs
	}
	require.Contains(t, byFlair, NoFlairLabel)
	assert.Equal(t, 2, byFlair[NoFlairLabel].TotalPosts)
	assert.Equal(t, 1, byFlair["News"].TotalPosts)
}

func TestAggregateConservation(t *testing.T) {
	e := newTestEngine()
	posts := []models.Post{
		makePost("a", "News", 5),
		makePost("b", "News", 500),
		makePost("c", "Discussion", 50),
		makePost("d", "Discussion", 600),
		makePost("e", "", 3),
		makePost("f", "Meme", 700),
		makePost("g", "Meme", 1),
	}
	classified := e.ClassifyPosts(posts, 400)

	flairStats := e.AggregateByFlair(classified, 1)

	totalPosts := 0
	totalViral := 0
	for _, fs := range flairStats {
		totalPosts += fs.TotalPosts
		totalViral += fs.ViralPosts
	}

	expectedViral := 0
	for _, post := range classified {
		if post.IsViral {
			expectedViral++
		}
	}

	assert.Equal(t, len(posts), totalPosts, "every input post lands in exactly one flair row")
	assert.Equal(t, expectedViral, totalViral)
}

func TestAggregateOrdering(t *testing.T) {
	e := newTestEngine()

	// Meme: 2/2 viral, News: 1/2 viral, Discussion: 2/4 viral, Help: 0/1.
	// News and Discussion tie on viral rate; Discussion has more posts.
	posts := []models.Post{
		makePost("a", "Discussion", 900),
		makePost("b", "Discussion", 10),
		makePost("c", "Discussion", 20),
		makePost("d", "Discussion", 950),
		makePost("e", "News", 700),
		makePost("f", "News", 5),
		makePost("g", "Meme", 800),
		makePost("h", "Meme", 850),
		makePost("i", "Help", 1),
	}
	classified := e.ClassifyPosts(posts, 600)

	flairStats := e.AggregateByFlair(classified, 1)

	require.Len(t, flairStats, 4)
	assert.Equal(t, "Meme", flairStats[0].Flair)
	assert.Equal(t, "Discussion", flairStats[1].Flair)
	assert.Equal(t, "News", flairStats[2].Flair)
	assert.Equal(t, "Help", flairStats[3].Flair)

	for i := 1; i < len(flairStats); i++ {
		prev, cur := flairStats[i-1], flairStats[i]
		assert.GreaterOrEqual(t, prev.ViralRate, cur.ViralRate)
		if prev.ViralRate == cur.ViralRate {
			assert.GreaterOrEqual(t, prev.TotalPosts, cur.TotalPosts)
		}
	}
}

func TestAggregateOrderingFlairTieBreak(t *testing.T) {
	e := newTestEngine()

	// identical viral rate and post count; name decides, ascending
	posts := []models.Post{
		makePost("a", "Zebra", 10),
		makePost("b", "Alpha", 10),
	}
	classified := e.ClassifyPosts(posts, 100)

	flairStats := e.AggregateByFlair(classified, 1)

	require.Len(t, flairStats, 2)
	assert.Equal(t, "Alpha", flairStats[0].Flair)
	assert.Equal(t, "Zebra", flairStats[1].Flair)
}

func TestAggregateMinPostsFilter(t *testing.T) {
	e := newTestEngine()
	posts := []models.Post{
		makePost("a", "News", 10),
		makePost("b", "News", 20),
		makePost("c", "News", 30),
		makePost("d", "Rare", 99),
	}

	flairStats := e.AggregateByFlair(posts, 2)

	require.Len(t, flairStats, 1)
	assert.Equal(t, "News", flairStats[0].Flair)
}

func TestSummarize(t *testing.T) {
	e := newTestEngine()
	posts := e.ClassifyPosts(makePosts("Discussion", 10, 20, 30, 40, 100), 76)
	flairStats := e.AggregateByFlair(posts, 1)

	metrics, err := e.Summarize(posts, 76, flairStats, 12345)
	require.NoError(t, err)

	assert.Equal(t, 5, metrics.TotalPosts)
	assert.Equal(t, 1, metrics.ViralPosts)
	assert.InDelta(t, 20.0, metrics.ViralPostPercentage, 1e-9)
	assert.Equal(t, 1, metrics.TotalFlairs)
	assert.InDelta(t, 40.0, metrics.AvgScoreAllPosts, 1e-9)
	assert.InDelta(t, 100.0, metrics.AvgScoreViralPosts, 1e-9)
	assert.Equal(t, "Discussion", metrics.MostViralFlair)
	assert.Equal(t, 12345, metrics.SubscriberCount)
}

func TestSummarizeEmptyInput(t *testing.T) {
	e := newTestEngine()

	_, err := e.Summarize(nil, 0, nil, 0)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAnalyze(t *testing.T) {
	e := newTestEngine()
	posts := makePosts("Discussion", 10, 20, 30, 40, 100)

	result, err := e.Analyze(posts, defaultConfig(), 9999)
	require.NoError(t, err)

	assert.Equal(t, "golang", result.Subreddit)
	assert.InDelta(t, 76.0, result.ViralThreshold, 1e-9)
	assert.Len(t, result.Posts, 5)
	assert.Len(t, result.FlairStats, 1)
	assert.Equal(t, 9999, result.Metrics.SubscriberCount)
}

func TestAnalyzeIdempotence(t *testing.T) {
	e := newTestEngine()
	posts := []models.Post{
		makePost("a", "News", 5),
		makePost("b", "", 500),
		makePost("c", "Discussion", 50),
		makePost("d", "Discussion", 600),
		makePost("e", "Meme", 700),
	}
	cfg := defaultConfig()

	first, err := e.Analyze(posts, cfg, 100)
	require.NoError(t, err)
	second, err := e.Analyze(posts, cfg, 100)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical inputs must produce identical results")
}

func TestAnalyzeEmptyInput(t *testing.T) {
	e := newTestEngine()

	result, err := e.Analyze(nil, defaultConfig(), 0)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Nil(t, result, "no partial result on failure")
}

func TestAnalyzeDuplicatePostIDs(t *testing.T) {
	e := newTestEngine()
	posts := []models.Post{
		makePost("same", "News", 10),
		makePost("other", "News", 20),
		makePost("same", "Meme", 30),
	}

	result, err := e.Analyze(posts, defaultConfig(), 0)
	assert.ErrorIs(t, err, ErrDuplicatePost)
	assert.Nil(t, result)
}

func TestAnalyzeIdenticalScores(t *testing.T) {
	e := newTestEngine()
	posts := makePosts("Discussion", 7, 7, 7)

	result, err := e.Analyze(posts, defaultConfig(), 0)
	require.NoError(t, err)

	assert.InDelta(t, 7.0, result.ViralThreshold, 1e-9)
	for _, post := range result.Posts {
		assert.True(t, post.IsViral, "score >= threshold holds when all scores are equal")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.AnalysisConfig)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *models.AnalysisConfig) {},
		},
		{
			name:    "empty subreddit",
			mutate:  func(cfg *models.AnalysisConfig) { cfg.Subreddit = "  " },
			wantErr: "subreddit",
		},
		{
			name:    "zero post limit",
			mutate:  func(cfg *models.AnalysisConfig) { cfg.PostLimit = 0 },
			wantErr: "post limit",
		},
		{
			name:    "negative post limit",
			mutate:  func(cfg *models.AnalysisConfig) { cfg.PostLimit = -3 },
			wantErr: "post limit",
		},
		{
			name:    "percentile below range",
			mutate:  func(cfg *models.AnalysisConfig) { cfg.ViralPercentile = 49.9 },
			wantErr: "percentile",
		},
		{
			name:    "percentile above range",
			mutate:  func(cfg *models.AnalysisConfig) { cfg.ViralPercentile = 100 },
			wantErr: "percentile",
		},
		{
			name:   "percentile at lower bound",
			mutate: func(cfg *models.AnalysisConfig) { cfg.ViralPercentile = 50 },
		},
		{
			name:   "percentile at upper bound",
			mutate: func(cfg *models.AnalysisConfig) { cfg.ViralPercentile = 99 },
		},
		{
			name:    "unknown time filter",
			mutate:  func(cfg *models.AnalysisConfig) { cfg.TimeFilter = "decade" },
			wantErr: "time filter",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)

			err := ValidateConfig(cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNormalizeFlair(t *testing.T) {
	assert.Equal(t, NoFlairLabel, NormalizeFlair(""))
	assert.Equal(t, NoFlairLabel, NormalizeFlair("   "))
	assert.Equal(t, "Discussion", NormalizeFlair(" Discussion "))
}
