package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flairscope/models"
)

const (
	baseURL  = "https://oauth.reddit.com"
	authURL  = "https://www.reddit.com/api/v1/access_token"
	pageSize = 100 // max number of posts per listing request
)

// TokenBucket implements a rate limiter using the token bucket algorithm
type TokenBucket struct {
	mutex       sync.Mutex
	capacity    int           // maximum tokens the bucket can hold
	tokens      float64       // current number of tokens
	fillRate    float64       // rate at which tokens are added (tokens per second)
	lastRefill  time.Time     // time of last token refill
	waitTimeout time.Duration // max time to wait for a token
}

// NewTokenBucket creates a new token bucket rate limiter
func NewTokenBucket(capacity int, fillRate float64, waitTimeout time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:    capacity,
		tokens:      1, // start with a single token to avoid an initial burst
		fillRate:    fillRate,
		lastRefill:  time.Now(),
		waitTimeout: waitTimeout,
	}
}

// Take attempts to take a token from the bucket.
// Returns true if successful, false if none are available.
func (tb *TokenBucket) Take() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	newTokens := elapsed * tb.fillRate
	if newTokens > 0 {
		tb.tokens = tb.tokens + newTokens
		if tb.tokens > float64(tb.capacity) {
			tb.tokens = float64(tb.capacity)
		}
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}

	return false
}

// TakeWithTimeout attempts to take a token from the bucket, waiting up to waitTimeout
func (tb *TokenBucket) TakeWithTimeout() bool {
	if tb.Take() {
		return true
	}

	tb.mutex.Lock()
	tokensNeeded := 1 - tb.tokens
	timeToWait := time.Duration(tokensNeeded / tb.fillRate * float64(time.Second))
	if timeToWait > tb.waitTimeout {
		timeToWait = tb.waitTimeout
	}
	tb.mutex.Unlock()

	time.Sleep(timeToWait)
	return tb.Take()
}

// Update recalculates the fill rate from Reddit's rate-limit allocation.
// Reddit allows 1000 requests per rolling 600-second period; the fill rate
// targets 95% of that to leave a safety buffer.
func (tb *TokenBucket) Update(used int, reset int, maxRequests int) {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	totalAllocationPeriod := 600
	totalAllocation := 1000

	fullRate := float64(totalAllocation) / float64(totalAllocationPeriod)
	tb.fillRate = fullRate * 0.95
}

// RedditAPI represents a Reddit API client
type RedditAPI struct {
	clientID            string
	clientSecret        string
	userAgent           string
	httpClient          *http.Client
	accessToken         string
	tokenExpiry         time.Time
	mutex               sync.RWMutex
	log                 *logrus.Logger
	rateLimiter         *TokenBucket
	maxRequestsPerMin   int
	rateRemainingCached int
	rateResetCached     int
	rateUsedCached      int
	rateHeadersMutex    sync.RWMutex
}

// redditPost represents the Reddit API response structure for a post
type redditPost struct {
	Kind string `json:"kind"`
	Data struct {
		ID            string  `json:"id"`
		Title         string  `json:"title"`
		Author        string  `json:"author"`
		LinkFlairText string  `json:"link_flair_text"`
		URL           string  `json:"url"`
		Permalink     string  `json:"permalink"`
		CreatedUTC    float64 `json:"created_utc"`
		Score         int     `json:"score"`
		NumComments   int     `json:"num_comments"`
		UpvoteRatio   float64 `json:"upvote_ratio"`
		IsSelf        bool    `json:"is_self"`
	} `json:"data"`
}

// redditListing represents the Reddit API listing response structure
type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string       `json:"after"`
		Before   string       `json:"before"`
		Children []redditPost `json:"children"`
	} `json:"data"`
}

// SubredditInfo holds metadata about a subreddit from the about endpoint
type SubredditInfo struct {
	DisplayName string `json:"display_name"`
	Title       string `json:"title"`
	Subscribers int    `json:"subscribers"`
	Over18      bool   `json:"over18"`
}

// NewRedditAPI creates a new Reddit API client
func NewRedditAPI(clientID, clientSecret, userAgent string, maxRequestsPerMinute int, log *logrus.Logger) *RedditAPI {
	// default to 100 requests per minute (real Reddit limit)
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = 100
	}

	// our 10 minute allocation
	totalAllocation := maxRequestsPerMinute * 10

	standardRate := float64(totalAllocation) / 600.0
	targetRate := standardRate * 0.95

	rateLimiter := NewTokenBucket(
		1, // no burst
		targetRate,
		30*time.Second,
	)

	return &RedditAPI{
		clientID:          clientID,
		clientSecret:      clientSecret,
		userAgent:         userAgent,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		log:               log,
		rateLimiter:       rateLimiter,
		maxRequestsPerMin: maxRequestsPerMinute,
		rateResetCached:   600,
	}
}

// GetRateLimitStatus returns the current rate limit status (remaining requests, reset time in seconds, and used requests)
func (r *RedditAPI) GetRateLimitStatus() (int, int, int) {
	r.rateHeadersMutex.RLock()
	defer r.rateHeadersMutex.RUnlock()
	return r.rateRemainingCached, r.rateResetCached, r.rateUsedCached
}

// authenticate authenticates with the Reddit API
func (r *RedditAPI) authenticate() error {
	r.mutex.RLock()
	token := r.accessToken
	expiry := r.tokenExpiry
	r.mutex.RUnlock()

	if token != "" && time.Now().Before(expiry) {
		return nil
	}

	r.log.Info("Authenticating with Reddit API")

	if !r.rateLimiter.TakeWithTimeout() {
		return fmt.Errorf("rate limit exceeded during authentication attempt")
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequest("POST", authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}

	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute auth request: %w", err)
	}
	defer resp.Body.Close()

	r.updateRateLimits(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("auth request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var authResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}

	r.mutex.Lock()
	r.accessToken = authResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(authResp.ExpiresIn) * time.Second)
	r.mutex.Unlock()

	r.log.Info("Successfully authenticated with Reddit API")
	return nil
}

// FetchTopPosts fetches up to limit top posts from a subreddit for the given
// time filter, paginating through the listing and deduplicating by post id.
// The limit is an upper bound; Reddit may return fewer posts.
func (r *RedditAPI) FetchTopPosts(subreddit string, limit int, timeFilter models.TimeFilter) ([]models.Post, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("post limit must be positive, got %d", limit)
	}

	posts := make([]models.Post, 0, limit)
	seen := make(map[string]struct{}, limit)
	after := ""

	for len(posts) < limit {
		pageLimit := limit - len(posts)
		if pageLimit > pageSize {
			pageLimit = pageSize
		}

		page, nextAfter, err := r.fetchTopPage(subreddit, pageLimit, timeFilter, after)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, post := range page {
			if _, ok := seen[post.ID]; ok {
				continue
			}
			seen[post.ID] = struct{}{}
			posts = append(posts, post)
			if len(posts) >= limit {
				break
			}
		}

		if nextAfter == "" {
			break
		}
		after = nextAfter
	}

	r.log.WithFields(logrus.Fields{
		"subreddit":   subreddit,
		"post_count":  len(posts),
		"post_limit":  limit,
		"time_filter": timeFilter,
	}).Info("Fetched top posts from Reddit")

	return posts, nil
}

// fetchTopPage fetches a single page of the top listing
func (r *RedditAPI) fetchTopPage(subreddit string, limit int, timeFilter models.TimeFilter, after string) ([]models.Post, string, error) {
	if err := r.authenticate(); err != nil {
		return nil, "", err
	}

	if !r.rateLimiter.TakeWithTimeout() {
		r.log.Warn("Rate limit exceeded, waiting before retrying")
		time.Sleep(time.Second)
		return r.fetchTopPage(subreddit, limit, timeFilter, after)
	}

	endpoint := fmt.Sprintf("%s/r/%s/top.json?limit=%d&t=%s", baseURL, subreddit, limit, timeFilter)
	if after != "" {
		endpoint += "&after=" + after
	}

	r.log.WithFields(logrus.Fields{
		"subreddit":   subreddit,
		"after":       after,
		"limit":       limit,
		"time_filter": timeFilter,
	}).Debug("Fetching top listing page from Reddit API")

	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	r.mutex.RLock()
	token := r.accessToken
	r.mutex.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	r.updateRateLimits(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		r.log.WithFields(logrus.Fields{
			"subreddit":     subreddit,
			"response_body": string(body),
			"status_code":   resp.StatusCode,
		}).Error("Reddit API error response")
		return nil, "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, "", fmt.Errorf("failed to decode response: %w", err)
	}

	posts := make([]models.Post, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		posts = append(posts, postFromListing(child))
	}

	return posts, listing.Data.After, nil
}

// postFromListing maps one listing child onto the analysis Post record
func postFromListing(child redditPost) models.Post {
	return models.Post{
		ID:          child.Data.ID,
		Title:       child.Data.Title,
		Author:      child.Data.Author,
		Flair:       child.Data.LinkFlairText,
		Score:       child.Data.Score,
		NumComments: child.Data.NumComments,
		UpvoteRatio: child.Data.UpvoteRatio,
		CreatedUTC:  child.Data.CreatedUTC,
		CreatedAt:   time.Unix(int64(child.Data.CreatedUTC), 0).UTC(),
		URL:         child.Data.URL,
		Permalink:   child.Data.Permalink,
		IsSelf:      child.Data.IsSelf,
	}
}

// GetSubredditInfo fetches subreddit metadata from the about endpoint.
// The subscriber count feeds the run metrics; callers treat a failure here
// as non-fatal since the analysis itself does not depend on it.
func (r *RedditAPI) GetSubredditInfo(subreddit string) (*SubredditInfo, error) {
	if err := r.authenticate(); err != nil {
		return nil, err
	}

	if !r.rateLimiter.TakeWithTimeout() {
		return nil, fmt.Errorf("rate limit exceeded fetching subreddit info")
	}

	endpoint := fmt.Sprintf("%s/r/%s/about.json", baseURL, subreddit)

	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	r.mutex.RLock()
	token := r.accessToken
	r.mutex.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	r.updateRateLimits(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("about request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var aboutResp struct {
		Kind string        `json:"kind"`
		Data SubredditInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&aboutResp); err != nil {
		return nil, fmt.Errorf("failed to decode about response: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"subreddit":   subreddit,
		"subscribers": aboutResp.Data.Subscribers,
	}).Info("Fetched subreddit info")

	return &aboutResp.Data, nil
}

// updateRateLimits updates the rate limiter based on response headers
func (r *RedditAPI) updateRateLimits(resp *http.Response) {
	// X-Ratelimit-Used: Approximate number of requests used in this period
	// X-Ratelimit-Remaining: Approximate number of requests left to use (bugged - always 0)
	// X-Ratelimit-Reset: Approximate number of seconds to end of period (counts down from ~600 seconds)
	used := getHeaderAsInt(resp.Header, "X-Ratelimit-Used")
	remaining := getHeaderAsInt(resp.Header, "X-Ratelimit-Remaining")
	reset := getHeaderAsInt(resp.Header, "X-Ratelimit-Reset")

	// skip if we didn't get valid headers for some reason
	if reset == 0 && used == 0 {
		return
	}

	r.rateHeadersMutex.Lock()
	r.rateRemainingCached = remaining
	r.rateResetCached = reset
	r.rateUsedCached = used
	r.rateHeadersMutex.Unlock()

	r.rateLimiter.Update(used, reset, r.maxRequestsPerMin)

	r.log.WithFields(logrus.Fields{
		"used":      used,
		"reset_sec": reset,
	}).Debug("Updated rate limiter based on Reddit headers")
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return intValue
}
