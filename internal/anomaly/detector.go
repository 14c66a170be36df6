// Package anomaly flags traffic buckets that deviate from recent baseline
// behavior using an unsupervised outlier model.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mstats "github.com/montanaflynn/stats"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
)

// ErrTimeout marks a training or scoring run that exceeded its wall-clock
// bound. Surfaced to the caller, never retried automatically.
var ErrTimeout = errors.New("anomaly analysis timed out")

// Severity and alert-level labels.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Default detection parameters.
const (
	DefaultBucket         = time.Hour
	DefaultScoreThreshold = 3.0
	DefaultTimeout        = 30 * time.Second

	// Anomaly counts that escalate the overall alert level on their own.
	mediumCountThreshold = 2
	highCountThreshold   = 5
)

// Anomaly is one flagged bucket.
type Anomaly struct {
	Severity    string        `json:"severity"`
	Score       float64       `json:"score"`
	Description string        `json:"description"`
	Vector      FeatureVector `json:"feature_vector"`
}

// Report is the outcome of one detection run.
type Report struct {
	PeriodHours    int       `json:"period_hours"`
	TotalEntries   int       `json:"total_entries"`
	BucketsScored  int       `json:"buckets_scored"`
	Anomalies      []Anomaly `json:"anomalies"`
	AlertLevel     string    `json:"alert_level"`
	ModelRetrained bool      `json:"model_retrained"`
	Seed           int64     `json:"seed"`
}

// Detector owns an in-memory outlier model over the store's recent traffic.
// The model is never persisted; it is retrained on demand. A Detector must
// not be shared across concurrent requests without the internal lock it
// already carries.
type Detector struct {
	store     *store.Store
	scorer    Scorer
	bucket    time.Duration
	threshold float64
	seed      int64
	timeout   time.Duration

	mu    sync.Mutex
	model Model
}

// Option tweaks a Detector at construction.
type Option func(*Detector)

func WithScorer(s Scorer) Option         { return func(d *Detector) { d.scorer = s } }
func WithBucket(b time.Duration) Option  { return func(d *Detector) { d.bucket = b } }
func WithThreshold(t float64) Option     { return func(d *Detector) { d.threshold = t } }
func WithSeed(seed int64) Option         { return func(d *Detector) { d.seed = seed } }
func WithTimeout(t time.Duration) Option { return func(d *Detector) { d.timeout = t } }

// NewDetector creates an untrained detector with the default centroid scorer.
func NewDetector(s *store.Store, opts ...Option) *Detector {
	d := &Detector{
		store:     s,
		scorer:    CentroidScorer{},
		bucket:    DefaultBucket,
		threshold: DefaultScoreThreshold,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect analyzes the trailing window of `hours`, training a fresh model when
// retrain is set or none exists yet, then scoring every bucket against it.
// Fewer than MinTrainingBuckets buckets yields an empty LOW report, not an
// error.
func (d *Detector) Detect(ctx context.Context, hours int, retrain bool) (Report, error) {
	if hours <= 0 {
		hours = 24
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	rows, err := d.store.Query(model.Filter{Start: start, End: end})
	if err != nil {
		return Report{}, err
	}

	report := Report{
		PeriodHours:  hours,
		TotalEntries: len(rows),
		AlertLevel:   SeverityLow,
		Seed:         d.seed,
	}

	vectors := d.buildVectors(rows)
	report.BucketsScored = len(vectors)
	if len(vectors) < MinTrainingBuckets {
		return report, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if retrain || d.model == nil {
		if err := checkDeadline(ctx); err != nil {
			return Report{}, err
		}
		m, err := d.scorer.Fit(vectors, d.seed)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) {
				return report, nil
			}
			return Report{}, err
		}
		d.model = m
		report.ModelRetrained = true
	}

	for _, v := range vectors {
		if err := checkDeadline(ctx); err != nil {
			return Report{}, err
		}
		score := d.model.Score(v)
		if score <= d.threshold {
			continue
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Severity:    d.severity(score),
			Score:       score,
			Description: fmt.Sprintf("%s (score %.2f)", d.model.Describe(v), score),
			Vector:      v,
		})
	}

	report.AlertLevel = alertLevel(report.Anomalies)
	return report, nil
}

// buildVectors groups entries into fixed buckets and derives one feature
// vector per non-empty bucket, ordered by bucket start.
func (d *Detector) buildVectors(rows []model.Record) []FeatureVector {
	type bucketAgg struct {
		count     int
		errors    int
		clients   map[string]struct{}
		respTimes []float64
	}

	buckets := make(map[time.Time]*bucketAgg)
	for i := range rows {
		r := &rows[i]
		key := r.Timestamp.Truncate(d.bucket)
		agg := buckets[key]
		if agg == nil {
			agg = &bucketAgg{clients: make(map[string]struct{})}
			buckets[key] = agg
		}
		agg.count++
		if r.StatusClass() == 4 || r.StatusClass() == 5 {
			agg.errors++
		}
		agg.clients[r.Client] = struct{}{}
		if r.HasResponseTime() {
			agg.respTimes = append(agg.respTimes, r.ResponseTime)
		}
	}

	vectors := make([]FeatureVector, 0, len(buckets))
	for key, agg := range buckets {
		v := FeatureVector{
			Bucket:        key,
			RequestCount:  float64(agg.count),
			ErrorRatio:    float64(agg.errors) / float64(agg.count),
			UniqueClients: float64(len(agg.clients)),
		}
		if len(agg.respTimes) > 0 {
			if mean, err := mstats.Mean(agg.respTimes); err == nil {
				v.MeanResponseTime = mean
			}
		}
		vectors = append(vectors, v)
	}
	sort.Slice(vectors, func(i, j int) bool { return vectors[i].Bucket.Before(vectors[j].Bucket) })
	return vectors
}

// severity tiers by multiples of the threshold.
func (d *Detector) severity(score float64) string {
	switch {
	case score >= 2*d.threshold:
		return SeverityHigh
	case score >= 1.5*d.threshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func alertLevel(anomalies []Anomaly) string {
	if len(anomalies) == 0 {
		return SeverityLow
	}

	hasHigh, hasMedium := false, false
	for i := range anomalies {
		switch anomalies[i].Severity {
		case SeverityHigh:
			hasHigh = true
		case SeverityMedium:
			hasMedium = true
		}
	}

	switch {
	case hasHigh || len(anomalies) > highCountThreshold:
		return SeverityHigh
	case hasMedium || len(anomalies) > mediumCountThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	default:
		return nil
	}
}
