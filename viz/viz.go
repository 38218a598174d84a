package viz

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/sirupsen/logrus"

	"flairscope/models"
)

// ChartKind identifies one chart the renderer knows how to produce
type ChartKind string

const (
	ChartBar          ChartKind = "bar"
	ChartHeatmap      ChartKind = "heatmap"
	ChartScatter      ChartKind = "scatter"
	ChartBubble       ChartKind = "bubble"
	ChartTime         ChartKind = "time"
	ChartDistribution ChartKind = "distribution"
	ChartDashboard    ChartKind = "dashboard"
)

// ErrUnknownChart is returned for chart kinds the renderer does not recognize
var ErrUnknownChart = errors.New("unknown chart kind")

const maxBarFlairs = 15

// Renderer produces HTML chart files from an analysis result
type Renderer struct {
	log *logrus.Logger
}

// NewRenderer creates a new chart renderer
func NewRenderer(log *logrus.Logger) *Renderer {
	return &Renderer{log: log}
}

// ValidChartKind reports whether kind names a known chart
func ValidChartKind(kind ChartKind) bool {
	switch kind {
	case ChartBar, ChartHeatmap, ChartScatter, ChartBubble, ChartTime, ChartDistribution, ChartDashboard:
		return true
	}
	return false
}

// Render writes one HTML file per requested chart kind into outputDir and
// returns the path of each file by kind. An unknown kind fails the whole
// call before any file is written.
func (v *Renderer) Render(result *models.AnalysisResult, outputDir string, kinds []ChartKind) (map[ChartKind]string, error) {
	for _, kind := range kinds {
		if !ValidChartKind(kind) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChart, kind)
		}
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	files := make(map[ChartKind]string, len(kinds))
	for _, kind := range kinds {
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.html", result.Subreddit, kind))

		var err error
		if kind == ChartDashboard {
			err = v.renderDashboard(result, path)
		} else {
			err = renderChart(v.buildChart(result, kind), path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to render %s chart: %w", kind, err)
		}
		files[kind] = path
	}

	v.log.WithFields(logrus.Fields{
		"subreddit": result.Subreddit,
		"charts":    len(files),
		"dir":       outputDir,
	}).Info("Rendered charts")

	return files, nil
}

// buildChart constructs a single chart; kind must already be validated
func (v *Renderer) buildChart(result *models.AnalysisResult, kind ChartKind) renderable {
	switch kind {
	case ChartBar:
		return buildViralRateBar(result)
	case ChartHeatmap:
		return buildPostingTimeHeatmap(result)
	case ChartScatter:
		return buildEngagementScatter(result, false)
	case ChartBubble:
		return buildEngagementScatter(result, true)
	case ChartTime:
		return buildScoreTimeline(result)
	case ChartDistribution:
		return buildScoreDistribution(result)
	}
	return nil
}

// renderDashboard writes every chart onto one page
func (v *Renderer) renderDashboard(result *models.AnalysisResult, path string) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("r/%s flair analysis", result.Subreddit)
	page.AddCharts(
		buildViralRateBar(result),
		buildPostingTimeHeatmap(result),
		buildEngagementScatter(result, false),
		buildEngagementScatter(result, true),
		buildScoreTimeline(result),
		buildScoreDistribution(result),
	)
	return renderChart(page, path)
}

type renderable interface {
	Render(w io.Writer) error
}

func renderChart(chart renderable, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	return chart.Render(file)
}

// buildViralRateBar charts viral rate per flair for the top-ranked flairs
func buildViralRateBar(result *models.AnalysisResult) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("r/%s: viral rate by flair", result.Subreddit),
			Subtitle: fmt.Sprintf("threshold score %.0f (%gth percentile)", result.ViralThreshold, result.Config.ViralPercentile),
		}),
	)

	flairs := result.FlairStats
	if len(flairs) > maxBarFlairs {
		flairs = flairs[:maxBarFlairs]
	}

	labels := make([]string, 0, len(flairs))
	rates := make([]opts.BarData, 0, len(flairs))
	for _, fs := range flairs {
		labels = append(labels, fs.Flair)
		rates = append(rates, opts.BarData{Value: fs.ViralRate * 100})
	}

	bar.SetXAxis(labels).AddSeries("viral rate (%)", rates)
	return bar
}

// buildPostingTimeHeatmap charts viral rate by day of week and hour of day
func buildPostingTimeHeatmap(result *models.AnalysisResult) *charts.HeatMap {
	days := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("r/%s: viral rate by posting time", result.Subreddit),
		}),
		charts.WithVisualMapOpts(opts.VisualMap{Min: 0, Max: 100}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: days}),
	)

	hours := make([]string, 24)
	for h := range hours {
		hours[h] = fmt.Sprintf("%02d", h)
	}

	type cell struct{ total, viral int }
	cells := make(map[[2]int]*cell)
	for _, post := range result.Posts {
		if post.CreatedAt.IsZero() {
			continue
		}
		day := (int(post.CreatedAt.Weekday()) + 6) % 7 // Monday first
		hour := post.CreatedAt.Hour()
		key := [2]int{day, hour}
		if cells[key] == nil {
			cells[key] = &cell{}
		}
		cells[key].total++
		if post.IsViral {
			cells[key].viral++
		}
	}

	data := make([]opts.HeatMapData, 0, len(cells))
	for key, c := range cells {
		rate := 100 * float64(c.viral) / float64(c.total)
		data = append(data, opts.HeatMapData{Value: [3]interface{}{key[1], key[0], rate}})
	}

	hm.SetXAxis(hours).AddSeries("viral rate (%)", data)
	return hm
}

// buildEngagementScatter charts score against comment count; in bubble mode
// the point size scales with the comment count
func buildEngagementScatter(result *models.AnalysisResult, bubble bool) *charts.Scatter {
	scatter := charts.NewScatter()
	title := fmt.Sprintf("r/%s: score vs comments", result.Subreddit)
	if bubble {
		title = fmt.Sprintf("r/%s: score vs comments (sized by comments)", result.Subreddit)
	}
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "score"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "comments"}),
	)

	maxComments := 1
	for _, post := range result.Posts {
		if post.NumComments > maxComments {
			maxComments = post.NumComments
		}
	}

	viral := make([]opts.ScatterData, 0)
	regular := make([]opts.ScatterData, 0)
	for _, post := range result.Posts {
		point := opts.ScatterData{Value: []interface{}{post.Score, post.NumComments}}
		if bubble {
			point.SymbolSize = 5 + 35*post.NumComments/maxComments
		}
		if post.IsViral {
			viral = append(viral, point)
		} else {
			regular = append(regular, point)
		}
	}

	scatter.AddSeries("viral", viral).AddSeries("non-viral", regular)
	return scatter
}

// buildScoreTimeline charts the average score per posting day
func buildScoreTimeline(result *models.AnalysisResult) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("r/%s: average score by posting day", result.Subreddit),
		}),
	)

	type daily struct {
		sum   float64
		count int
	}
	byDay := make(map[string]*daily)
	for _, post := range result.Posts {
		if post.CreatedAt.IsZero() {
			continue
		}
		day := post.CreatedAt.Format(time.DateOnly)
		if byDay[day] == nil {
			byDay[day] = &daily{}
		}
		byDay[day].sum += float64(post.Score)
		byDay[day].count++
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	values := make([]opts.LineData, 0, len(days))
	for _, day := range days {
		values = append(values, opts.LineData{Value: byDay[day].sum / float64(byDay[day].count)})
	}

	line.SetXAxis(days).AddSeries("avg score", values)
	return line
}

// buildScoreDistribution charts a histogram of post scores
func buildScoreDistribution(result *models.AnalysisResult) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("r/%s: score distribution", result.Subreddit),
		}),
	)

	minScore, maxScore := 0, 0
	for i, post := range result.Posts {
		if i == 0 || post.Score < minScore {
			minScore = post.Score
		}
		if i == 0 || post.Score > maxScore {
			maxScore = post.Score
		}
	}

	const buckets = 10
	width := (maxScore - minScore + buckets) / buckets
	if width < 1 {
		width = 1
	}

	counts := make([]int, buckets)
	for _, post := range result.Posts {
		idx := (post.Score - minScore) / width
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}

	labels := make([]string, buckets)
	values := make([]opts.BarData, buckets)
	for i := 0; i < buckets; i++ {
		lo := minScore + i*width
		labels[i] = fmt.Sprintf("%d-%d", lo, lo+width-1)
		values[i] = opts.BarData{Value: counts[i]}
	}

	bar.SetXAxis(labels).AddSeries("posts", values)
	return bar
}
