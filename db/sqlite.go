package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"flairscope/models"
)

// Database stores completed analysis runs so past results can be served
// over the HTTP API without re-fetching from Reddit.
type Database struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewDatabase creates a new SQLite database connection
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:  db,
		log: log,
	}

	if err := database.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.db.Close()
}

// initTables creates the necessary tables if they don't exist
func (d *Database) initTables() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// note: in an ideal world, this would be a migration that we could just run once per environment
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		subreddit TEXT NOT NULL,
		analyzed_at TIMESTAMP NOT NULL,
		time_filter TEXT NOT NULL,
		post_limit INTEGER NOT NULL,
		viral_percentile REAL NOT NULL,
		min_posts INTEGER NOT NULL,
		viral_threshold REAL NOT NULL,
		total_posts INTEGER NOT NULL,
		viral_posts INTEGER NOT NULL,
		viral_post_percentage REAL NOT NULL,
		total_flairs INTEGER NOT NULL,
		avg_score_all_posts REAL NOT NULL,
		avg_score_viral_posts REAL NOT NULL,
		most_viral_flair TEXT,
		subscriber_count INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_flair_stats (
		run_id TEXT NOT NULL,
		flair TEXT NOT NULL,
		position INTEGER NOT NULL,
		total_posts INTEGER NOT NULL,
		viral_posts INTEGER NOT NULL,
		viral_rate REAL NOT NULL,
		avg_score REAL NOT NULL,
		median_score REAL NOT NULL,
		max_score INTEGER NOT NULL,
		avg_comments REAL NOT NULL,
		avg_upvote_ratio REAL NOT NULL,
		PRIMARY KEY (run_id, flair)
	);
	CREATE TABLE IF NOT EXISTS run_posts (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		flair TEXT,
		score INTEGER NOT NULL,
		num_comments INTEGER NOT NULL,
		upvote_ratio REAL NOT NULL,
		created_utc REAL NOT NULL,
		created_at TIMESTAMP NOT NULL,
		url TEXT,
		permalink TEXT,
		is_self BOOLEAN NOT NULL,
		is_viral BOOLEAN NOT NULL,
		PRIMARY KEY (run_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_subreddit ON runs(subreddit);
	CREATE INDEX IF NOT EXISTS idx_runs_analyzed_at ON runs(analyzed_at DESC);
	`

	_, err := d.db.Exec(query)
	return err
}

// SaveResult persists a completed analysis run with its flair stats and posts
func (d *Database) SaveResult(result *models.AnalysisResult) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT OR REPLACE INTO runs (
		run_id, subreddit, analyzed_at, time_filter, post_limit,
		viral_percentile, min_posts, viral_threshold, total_posts,
		viral_posts, viral_post_percentage, total_flairs,
		avg_score_all_posts, avg_score_viral_posts, most_viral_flair,
		subscriber_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Subreddit, result.AnalyzedAt.UTC().Format(time.RFC3339Nano), string(result.Config.TimeFilter),
		result.Config.PostLimit, result.Config.ViralPercentile, result.Config.MinPosts,
		result.ViralThreshold, result.Metrics.TotalPosts, result.Metrics.ViralPosts,
		result.Metrics.ViralPostPercentage, result.Metrics.TotalFlairs,
		result.Metrics.AvgScoreAllPosts, result.Metrics.AvgScoreViralPosts,
		result.Metrics.MostViralFlair, result.Metrics.SubscriberCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for i, fs := range result.FlairStats {
		_, err = tx.Exec(`
		INSERT OR REPLACE INTO run_flair_stats (
			run_id, flair, position, total_posts, viral_posts, viral_rate,
			avg_score, median_score, max_score, avg_comments, avg_upvote_ratio
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, fs.Flair, i, fs.TotalPosts, fs.ViralPosts, fs.ViralRate,
			fs.AvgScore, fs.MedianScore, fs.MaxScore, fs.AvgComments, fs.AvgUpvoteRatio,
		)
		if err != nil {
			return fmt.Errorf("failed to save flair stats for %q: %w", fs.Flair, err)
		}
	}

	for _, post := range result.Posts {
		_, err = tx.Exec(`
		INSERT OR REPLACE INTO run_posts (
			run_id, id, title, author, flair, score, num_comments,
			upvote_ratio, created_utc, created_at, url, permalink,
			is_self, is_viral
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, post.ID, post.Title, post.Author, post.Flair,
			post.Score, post.NumComments, post.UpvoteRatio, post.CreatedUTC,
			post.CreatedAt.UTC().Format(time.RFC3339Nano), post.URL, post.Permalink, post.IsSelf, post.IsViral,
		)
		if err != nil {
			return fmt.Errorf("failed to save post %s: %w", post.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"run_id":    result.RunID,
		"subreddit": result.Subreddit,
		"posts":     len(result.Posts),
		"flairs":    len(result.FlairStats),
	}).Info("Saved analysis run")

	return nil
}

// GetRecentRuns returns summaries of the most recent analysis runs,
// newest first. Posts and flair stats are not loaded; use GetRun for those.
func (d *Database) GetRecentRuns(limit int) ([]models.AnalysisResult, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	rows, err := d.db.Query(`
	SELECT run_id, subreddit, analyzed_at, time_filter, post_limit,
		viral_percentile, min_posts, viral_threshold, total_posts,
		viral_posts, viral_post_percentage, total_flairs,
		avg_score_all_posts, avg_score_viral_posts, most_viral_flair,
		subscriber_count
	FROM runs
	ORDER BY analyzed_at DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.AnalysisResult, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return runs, nil
}

// GetRun returns one stored run with its flair stats and posts
func (d *Database) GetRun(runID string) (*models.AnalysisResult, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	rows, err := d.db.Query(`
	SELECT run_id, subreddit, analyzed_at, time_filter, post_limit,
		viral_percentile, min_posts, viral_threshold, total_posts,
		viral_posts, viral_post_percentage, total_flairs,
		avg_score_all_posts, avg_score_viral_posts, most_viral_flair,
		subscriber_count
	FROM runs
	WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("row iteration error: %w", err)
		}
		return nil, sql.ErrNoRows
	}

	run, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	flairStats, err := d.getFlairStats(runID)
	if err != nil {
		return nil, err
	}
	run.FlairStats = flairStats

	posts, err := d.getPosts(runID)
	if err != nil {
		return nil, err
	}
	run.Posts = posts

	return &run, nil
}

// scanRun scans one row from the runs table
func scanRun(rows *sql.Rows) (models.AnalysisResult, error) {
	var run models.AnalysisResult
	var analyzedAt string
	var timeFilter string
	var mostViralFlair sql.NullString

	err := rows.Scan(
		&run.RunID, &run.Subreddit, &analyzedAt, &timeFilter,
		&run.Config.PostLimit, &run.Config.ViralPercentile, &run.Config.MinPosts,
		&run.ViralThreshold, &run.Metrics.TotalPosts, &run.Metrics.ViralPosts,
		&run.Metrics.ViralPostPercentage, &run.Metrics.TotalFlairs,
		&run.Metrics.AvgScoreAllPosts, &run.Metrics.AvgScoreViralPosts,
		&mostViralFlair, &run.Metrics.SubscriberCount,
	)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Config.Subreddit = run.Subreddit
	run.Config.TimeFilter = models.TimeFilter(timeFilter)
	run.AnalyzedAt, _ = time.Parse(time.RFC3339Nano, analyzedAt)
	if mostViralFlair.Valid {
		run.Metrics.MostViralFlair = mostViralFlair.String
	}

	return run, nil
}

// getFlairStats loads the flair stats for a run in their stored ranking order
func (d *Database) getFlairStats(runID string) ([]models.FlairStats, error) {
	rows, err := d.db.Query(`
	SELECT flair, total_posts, viral_posts, viral_rate, avg_score,
		median_score, max_score, avg_comments, avg_upvote_ratio
	FROM run_flair_stats
	WHERE run_id = ?
	ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flair stats for run %s: %w", runID, err)
	}
	defer rows.Close()

	flairStats := make([]models.FlairStats, 0)
	for rows.Next() {
		var fs models.FlairStats
		err := rows.Scan(
			&fs.Flair, &fs.TotalPosts, &fs.ViralPosts, &fs.ViralRate,
			&fs.AvgScore, &fs.MedianScore, &fs.MaxScore, &fs.AvgComments,
			&fs.AvgUpvoteRatio,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flair stats: %w", err)
		}
		flairStats = append(flairStats, fs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return flairStats, nil
}

// getPosts loads the posts stored for a run
func (d *Database) getPosts(runID string) ([]models.Post, error) {
	rows, err := d.db.Query(`
	SELECT id, title, author, flair, score, num_comments, upvote_ratio,
		created_utc, created_at, url, permalink, is_self, is_viral
	FROM run_posts
	WHERE run_id = ?
	ORDER BY score DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts for run %s: %w", runID, err)
	}
	defer rows.Close()

	posts := make([]models.Post, 0)
	for rows.Next() {
		var post models.Post
		var flair sql.NullString
		var createdAt string

		err := rows.Scan(
			&post.ID, &post.Title, &post.Author, &flair, &post.Score,
			&post.NumComments, &post.UpvoteRatio, &post.CreatedUTC,
			&createdAt, &post.URL, &post.Permalink, &post.IsSelf, &post.IsViral,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}

		if flair.Valid {
			post.Flair = flair.String
		}
		post.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		posts = append(posts, post)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return posts, nil
}
