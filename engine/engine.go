package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"flairscope/models"
)

// NoFlairLabel is the sentinel flair that posts without a flair are grouped
// under. Missing, empty and whitespace-only flairs all collapse into it so
// unflaired posts aggregate as a single category.
const NoFlairLabel = "No Flair"

var (
	// ErrInsufficientData is returned when a statistic cannot be computed
	// because the input population is empty.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidConfig is returned when an AnalysisConfig fails validation.
	// No aggregation work is attempted after a validation failure.
	ErrInvalidConfig = errors.New("invalid analysis config")

	// ErrDuplicatePost is returned when the same post id appears more than
	// once in the input. Duplicates would double-count a post in every
	// per-flair aggregate, so the engine refuses them instead of guessing.
	ErrDuplicatePost = errors.New("duplicate post id")
)

// Engine computes viral-threshold statistics over a fetched set of posts.
// All methods are pure with respect to their inputs: posts are never
// mutated and identical inputs produce identical outputs.
type Engine struct {
	log *logrus.Logger
}

// NewEngine creates a new statistics engine
func NewEngine(log *logrus.Logger) *Engine {
	return &Engine{log: log}
}

// ValidateConfig checks an AnalysisConfig before any aggregation work
func ValidateConfig(cfg models.AnalysisConfig) error {
	if strings.TrimSpace(cfg.Subreddit) == "" {
		return fmt.Errorf("%w: subreddit must not be empty", ErrInvalidConfig)
	}
	if cfg.PostLimit <= 0 {
		return fmt.Errorf("%w: post limit must be positive, got %d", ErrInvalidConfig, cfg.PostLimit)
	}
	if cfg.ViralPercentile < 50 || cfg.ViralPercentile > 99 {
		return fmt.Errorf("%w: viral percentile must be in [50, 99], got %g", ErrInvalidConfig, cfg.ViralPercentile)
	}
	if !models.ValidTimeFilter(cfg.TimeFilter) {
		return fmt.Errorf("%w: unknown time filter %q", ErrInvalidConfig, cfg.TimeFilter)
	}
	if cfg.MinPosts < 0 {
		return fmt.Errorf("%w: min posts must not be negative, got %d", ErrInvalidConfig, cfg.MinPosts)
	}
	return nil
}

// ComputeViralThreshold returns the score at the given percentile of the
// score distribution, using linear interpolation between the two nearest
// ranks (rank = percentile/100 * (n-1)). This matches the conventional
// interpolated-percentile definition, so reruns over the same posts yield
// the same threshold bit for bit.
func (e *Engine) ComputeViralThreshold(posts []models.Post, percentile float64) (float64, error) {
	if len(posts) == 0 {
		return 0, fmt.Errorf("%w: cannot compute a percentile over zero posts", ErrInsufficientData)
	}

	scores := make([]float64, len(posts))
	for i, post := range posts {
		scores[i] = float64(post.Score)
	}
	sort.Float64s(scores)

	rank := percentile / 100 * float64(len(scores)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return scores[lo], nil
	}

	frac := rank - float64(lo)
	return scores[lo] + frac*(scores[hi]-scores[lo]), nil
}

// ClassifyPosts returns a copy of posts with IsViral set on each one.
// A post is viral iff its score meets or exceeds the threshold; the
// classification is total over any score, including negative ones.
func (e *Engine) ClassifyPosts(posts []models.Post, threshold float64) []models.Post {
	classified := make([]models.Post, len(posts))
	for i, post := range posts {
		post.IsViral = float64(post.Score) >= threshold
		classified[i] = post
	}
	return classified
}

// flairGroup accumulates per-flair values in post insertion order so that
// the mean computations are reproducible across runs.
type flairGroup struct {
	flair    string
	scores   []float64
	comments []float64
	ratios   []float64
	maxScore int
	viral    int
}

// AggregateByFlair groups classified posts by normalized flair and computes
// per-flair statistics. Flairs with fewer than minPosts posts are dropped
// from the ranked table (minPosts <= 1 keeps every flair). The result is
// sorted by viral rate descending, then total posts descending, then flair
// name ascending.
func (e *Engine) AggregateByFlair(posts []models.Post, minPosts int) []models.FlairStats {
	if minPosts < 1 {
		minPosts = 1
	}

	groups := make(map[string]*flairGroup)
	order := make([]string, 0)

	for _, post := range posts {
		flair := NormalizeFlair(post.Flair)
		group, ok := groups[flair]
		if !ok {
			group = &flairGroup{flair: flair}
			groups[flair] = group
			order = append(order, flair)
		}
		group.scores = append(group.scores, float64(post.Score))
		group.comments = append(group.comments, float64(post.NumComments))
		group.ratios = append(group.ratios, post.UpvoteRatio)
		if len(group.scores) == 1 || post.Score > group.maxScore {
			group.maxScore = post.Score
		}
		if post.IsViral {
			group.viral++
		}
	}

	result := make([]models.FlairStats, 0, len(order))
	for _, flair := range order {
		group := groups[flair]
		total := len(group.scores)
		if total < minPosts {
			continue
		}

		// groups are never empty, so these cannot fail
		avgScore, _ := stats.Mean(group.scores)
		medianScore, _ := stats.Median(group.scores)
		avgComments, _ := stats.Mean(group.comments)
		avgRatio, _ := stats.Mean(group.ratios)

		result = append(result, models.FlairStats{
			Flair:          flair,
			TotalPosts:     total,
			ViralPosts:     group.viral,
			ViralRate:      float64(group.viral) / float64(total),
			AvgScore:       avgScore,
			MedianScore:    medianScore,
			MaxScore:       group.maxScore,
			AvgComments:    avgComments,
			AvgUpvoteRatio: avgRatio,
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].ViralRate != result[j].ViralRate {
			return result[i].ViralRate > result[j].ViralRate
		}
		if result[i].TotalPosts != result[j].TotalPosts {
			return result[i].TotalPosts > result[j].TotalPosts
		}
		return result[i].Flair < result[j].Flair
	})

	return result
}

// Summarize computes the scalar metrics for one run. The subscriber count is
// externally supplied metadata and is passed through unchanged.
func (e *Engine) Summarize(posts []models.Post, threshold float64, flairStats []models.FlairStats, subscriberCount int) (models.Metrics, error) {
	if len(posts) == 0 {
		return models.Metrics{}, fmt.Errorf("%w: cannot summarize zero posts", ErrInsufficientData)
	}

	allScores := make([]float64, 0, len(posts))
	viralScores := make([]float64, 0)
	flairs := make(map[string]struct{})
	viralCount := 0

	for _, post := range posts {
		allScores = append(allScores, float64(post.Score))
		flairs[NormalizeFlair(post.Flair)] = struct{}{}
		if post.IsViral {
			viralCount++
			viralScores = append(viralScores, float64(post.Score))
		}
	}

	avgAll, _ := stats.Mean(allScores)
	avgViral := 0.0
	if len(viralScores) > 0 {
		avgViral, _ = stats.Mean(viralScores)
	}

	metrics := models.Metrics{
		TotalPosts:          len(posts),
		ViralPosts:          viralCount,
		ViralPostPercentage: 100 * float64(viralCount) / float64(len(posts)),
		TotalFlairs:         len(flairs),
		AvgScoreAllPosts:    avgAll,
		AvgScoreViralPosts:  avgViral,
		SubscriberCount:     subscriberCount,
	}
	if len(flairStats) > 0 {
		metrics.MostViralFlair = flairStats[0].Flair
	}

	return metrics, nil
}

// Analyze runs the full pipeline: validate, dedup check, threshold,
// classification, per-flair aggregation and summary metrics. It is
// side-effect-free; the caller assigns RunID and AnalyzedAt on the result.
func (e *Engine) Analyze(posts []models.Post, cfg models.AnalysisConfig, subscriberCount int) (*models.AnalysisResult, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: no posts fetched for r/%s", ErrInsufficientData, cfg.Subreddit)
	}

	seen := make(map[string]struct{}, len(posts))
	for _, post := range posts {
		if _, ok := seen[post.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePost, post.ID)
		}
		seen[post.ID] = struct{}{}
	}

	threshold, err := e.ComputeViralThreshold(posts, cfg.ViralPercentile)
	if err != nil {
		return nil, err
	}

	classified := e.ClassifyPosts(posts, threshold)
	flairStats := e.AggregateByFlair(classified, cfg.MinPosts)

	metrics, err := e.Summarize(classified, threshold, flairStats, subscriberCount)
	if err != nil {
		return nil, err
	}

	e.logSummary(cfg, threshold, flairStats, metrics)

	return &models.AnalysisResult{
		Subreddit:      cfg.Subreddit,
		Config:         cfg,
		Posts:          classified,
		FlairStats:     flairStats,
		ViralThreshold: threshold,
		Metrics:        metrics,
	}, nil
}

// NormalizeFlair coalesces missing and empty flairs into the sentinel label
func NormalizeFlair(flair string) string {
	trimmed := strings.TrimSpace(flair)
	if trimmed == "" {
		return NoFlairLabel
	}
	return trimmed
}

// logSummary logs the ranked analysis summary
func (e *Engine) logSummary(cfg models.AnalysisConfig, threshold float64, flairStats []models.FlairStats, metrics models.Metrics) {
	e.log.WithFields(logrus.Fields{
		"subreddit":        cfg.Subreddit,
		"total_posts":      metrics.TotalPosts,
		"viral_threshold":  threshold,
		"viral_posts":      metrics.ViralPosts,
		"viral_pct":        fmt.Sprintf("%.2f%%", metrics.ViralPostPercentage),
		"total_flairs":     metrics.TotalFlairs,
		"most_viral_flair": metrics.MostViralFlair,
	}).Info("Flair analysis completed")

	for i, fs := range flairStats {
		if i >= 10 {
			break
		}
		e.log.WithFields(logrus.Fields{
			"rank":        i + 1,
			"flair":       fs.Flair,
			"viral_rate":  fmt.Sprintf("%.2f%%", fs.ViralRate*100),
			"total_posts": fs.TotalPosts,
			"avg_score":   fmt.Sprintf("%.2f", fs.AvgScore),
		}).Debug("Top flair by viral rate")
	}
}
