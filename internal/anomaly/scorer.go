package anomaly

import (
	"errors"
	"fmt"
	"time"

	mstats "github.com/montanaflynn/stats"
)

// ErrInsufficientData is returned by Fit when there are too few buckets for
// training to mean anything.
var ErrInsufficientData = errors.New("insufficient data for training")

// MinTrainingBuckets is the smallest bucket count a model can be fitted on.
const MinTrainingBuckets = 2

// FeatureVector describes one time bucket of traffic. Used only as model
// input, never persisted.
type FeatureVector struct {
	Bucket           time.Time `json:"bucket"`
	RequestCount     float64   `json:"request_count"`
	ErrorRatio       float64   `json:"error_ratio"`
	MeanResponseTime float64   `json:"mean_response_time"` // ms; 0 when no entry carried one
	UniqueClients    float64   `json:"unique_clients"`
}

// Scorer fits an outlier model over bucketed feature vectors. The seed must
// fully determine any randomness the implementation uses, so a fixed input
// and seed always reproduce the same scores.
type Scorer interface {
	Fit(vectors []FeatureVector, seed int64) (Model, error)
}

// Model scores a feature vector; higher means more anomalous.
type Model interface {
	Score(v FeatureVector) float64
	Describe(v FeatureVector) string
}

// CentroidScorer is the default Scorer: per-feature mean and standard
// deviation over the training set, scoring by normalized distance to the
// centroid. It uses no randomness, so determinism under a fixed seed holds
// trivially; the seed is retained for reporting.
type CentroidScorer struct{}

type featureStat struct {
	name string
	mean float64
	std  float64
}

type centroidModel struct {
	stats [4]featureStat
	seed  int64
}

func (CentroidScorer) Fit(vectors []FeatureVector, seed int64) (Model, error) {
	if len(vectors) < MinTrainingBuckets {
		return nil, ErrInsufficientData
	}

	cols := [4][]float64{}
	for _, v := range vectors {
		cols[0] = append(cols[0], v.RequestCount)
		cols[1] = append(cols[1], v.ErrorRatio)
		cols[2] = append(cols[2], v.MeanResponseTime)
		cols[3] = append(cols[3], v.UniqueClients)
	}

	names := [4]string{"request count", "error ratio", "mean response time", "unique clients"}
	m := &centroidModel{seed: seed}
	for i, col := range cols {
		mean, err := mstats.Mean(col)
		if err != nil {
			return nil, err
		}
		std, err := mstats.StandardDeviationPopulation(col)
		if err != nil {
			return nil, err
		}
		m.stats[i] = featureStat{name: names[i], mean: mean, std: std}
	}
	return m, nil
}

// zScores returns the per-feature deviation from the training centroid.
// Features with zero spread contribute nothing.
func (m *centroidModel) zScores(v FeatureVector) [4]float64 {
	values := [4]float64{v.RequestCount, v.ErrorRatio, v.MeanResponseTime, v.UniqueClients}
	var z [4]float64
	for i, fs := range m.stats {
		if fs.std > 0 {
			z[i] = (values[i] - fs.mean) / fs.std
		}
	}
	return z
}

// Score is the largest absolute per-feature deviation, so a single wildly
// abnormal dimension is enough to flag a bucket.
func (m *centroidModel) Score(v FeatureVector) float64 {
	var max float64
	for _, z := range m.zScores(v) {
		if z < 0 {
			z = -z
		}
		if z > max {
			max = z
		}
	}
	return max
}

// Describe names the dominant deviating feature for the report.
func (m *centroidModel) Describe(v FeatureVector) string {
	z := m.zScores(v)
	values := [4]float64{v.RequestCount, v.ErrorRatio, v.MeanResponseTime, v.UniqueClients}

	dominant := 0
	var max float64
	for i, zi := range z {
		if zi < 0 {
			zi = -zi
		}
		if zi > max {
			max = zi
			dominant = i
		}
	}

	fs := m.stats[dominant]
	return fmt.Sprintf("bucket %s: %s %.2f deviates from baseline %.2f",
		v.Bucket.Format("2006-01-02 15:04"), fs.name, values[dominant], fs.mean)
}
