package models

import (
	"time"
)

// TimeFilter selects the window Reddit uses when serving top posts.
type TimeFilter string

const (
	TimeFilterAll   TimeFilter = "all"
	TimeFilterDay   TimeFilter = "day"
	TimeFilterWeek  TimeFilter = "week"
	TimeFilterMonth TimeFilter = "month"
	TimeFilterYear  TimeFilter = "year"
)

// ValidTimeFilter reports whether tf is one of the filters Reddit accepts.
func ValidTimeFilter(tf TimeFilter) bool {
	switch tf {
	case TimeFilterAll, TimeFilterDay, TimeFilterWeek, TimeFilterMonth, TimeFilterYear:
		return true
	}
	return false
}

// Post represents a Reddit post fetched for one analysis run
type Post struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Flair       string    `json:"flair"`
	Score       int       `json:"score"`
	NumComments int       `json:"num_comments"`
	UpvoteRatio float64   `json:"upvote_ratio"`
	CreatedUTC  float64   `json:"created_utc"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url"`
	Permalink   string    `json:"permalink"`
	IsSelf      bool      `json:"is_self"`
	IsViral     bool      `json:"is_viral"`
}

// AnalysisConfig holds the parameters for a single analysis run
type AnalysisConfig struct {
	Subreddit       string     `json:"subreddit"`
	PostLimit       int        `json:"post_limit"`
	TimeFilter      TimeFilter `json:"time_filter"`
	ViralPercentile float64    `json:"viral_percentile"`
	MinPosts        int        `json:"min_posts"`
}

// FlairStats holds aggregated performance statistics for one flair
type FlairStats struct {
	Flair          string  `json:"flair"`
	TotalPosts     int     `json:"total_posts"`
	ViralPosts     int     `json:"viral_posts"`
	ViralRate      float64 `json:"viral_rate"`
	AvgScore       float64 `json:"avg_score"`
	MedianScore    float64 `json:"median_score"`
	MaxScore       int     `json:"max_score"`
	AvgComments    float64 `json:"avg_comments"`
	AvgUpvoteRatio float64 `json:"avg_upvote_ratio"`
}

// Metrics holds scalar summary metrics for one analysis run
type Metrics struct {
	TotalPosts          int     `json:"total_posts"`
	ViralPosts          int     `json:"viral_posts"`
	ViralPostPercentage float64 `json:"viral_post_percentage"`
	TotalFlairs         int     `json:"total_flairs"`
	AvgScoreAllPosts    float64 `json:"avg_score_all_posts"`
	AvgScoreViralPosts  float64 `json:"avg_score_viral_posts"`
	MostViralFlair      string  `json:"most_viral_flair"`
	SubscriberCount     int     `json:"subscriber_count"`
}

// AnalysisResult aggregates everything produced by one analysis run.
// It is created once and read-only afterward; exports and charts are
// derived from it without mutation.
type AnalysisResult struct {
	RunID          string         `json:"run_id"`
	Subreddit      string         `json:"subreddit"`
	Config         AnalysisConfig `json:"config"`
	Posts          []Post         `json:"posts"`
	FlairStats     []FlairStats   `json:"flair_stats"`
	ViralThreshold float64        `json:"viral_threshold"`
	Metrics        Metrics        `json:"metrics"`
	AnalyzedAt     time.Time      `json:"analyzed_at"`
}
