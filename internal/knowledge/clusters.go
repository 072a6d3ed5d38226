package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/evaluation"
	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/internal/tagging"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
)

// RefreshClusters rebuilds the clusters of kind, or of every kind when kind is
// empty, from the analyses of the trailing window. Each kind is replaced in
// one store transaction so a failed run leaves the previous clusters intact.
func (g *Aggregator) RefreshClusters(ctx context.Context, kind models.ClusterType) ([]models.Cluster, error) {
	kinds := models.ClusterTypes
	if kind != "" {
		if !knownKind(kind) {
			return nil, apperr.Invalid("cluster_type", fmt.Sprintf("unknown cluster type %q", kind))
		}
		kinds = []models.ClusterType{kind}
	}

	now := g.now()
	since := now.AddDate(0, 0, -g.cfg.WindowDays)
	analyses, err := g.analyses(ctx, storage.AnalysisFilter{Since: since})
	if err != nil {
		return nil, err
	}
	tags, err := g.tags(ctx, since)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var all []models.Cluster
	for _, k := range kinds {
		clusters := build(k, analyses, tags, now, g.cfg)
		err := g.monitor.Call(ctx, health.ComponentStore, func(ctx context.Context) error {
			return g.store.ReplaceClusters(ctx, k, clusters)
		})
		if err != nil {
			return all, fmt.Errorf("failed to replace %s clusters: %w", k, err)
		}
		metrics.ClusterConfidence.WithLabelValues(string(k)).Set(meanConfidence(clusters))
		g.log.Info("Clusters refreshed",
			zap.String("cluster_type", string(k)),
			zap.Int("clusters", len(clusters)),
			zap.Int("analyses", len(analyses)),
		)
		all = append(all, clusters...)
	}
	return all, nil
}

func knownKind(kind models.ClusterType) bool {
	for _, k := range models.ClusterTypes {
		if k == kind {
			return true
		}
	}
	return false
}

func build(kind models.ClusterType, analyses []models.Analysis, tags map[string]models.Tag, now time.Time, cfg config.KnowledgeConfig) []models.Cluster {
	if kind == models.ClusterQuestionUsage {
		return buildQuestions(analyses, now, cfg)
	}

	groups := make(map[string]*pattern)
	for i := range analyses {
		a := &analyses[i]
		tag, ok := tags[a.SessionID]
		if !ok {
			tag = tagging.Classify(a)
		}
		key, ok := patternKey(kind, a, &tag)
		if !ok {
			continue
		}
		acc := groups[key]
		if acc == nil {
			acc = newPattern()
			groups[key] = acc
		}
		acc.add(a, &tag)
	}

	out := make([]models.Cluster, 0, len(groups))
	for key, acc := range groups {
		out = append(out, acc.cluster(kind, key, now, cfg))
	}
	sortClusters(out)
	return out
}

func patternKey(kind models.ClusterType, a *models.Analysis, tag *models.Tag) (string, bool) {
	switch kind {
	case models.ClusterIndustry:
		return tag.IndustryCluster, true
	case models.ClusterViolation:
		return tag.ViolationCluster, true
	case models.ClusterUserType:
		return tag.UserType, tag.UserType != ""
	case models.ClusterDropOff:
		if a.DropOffPoint == nil {
			return "", false
		}
		return *a.DropOffPoint, true
	}
	return "", false
}

// pattern accumulates one pattern cluster. Completion keeps a Welford
// variance so merges and rebuilds agree.
type pattern struct {
	completion   evaluation.Running
	satisfaction evaluation.Running
	turns        evaluation.Running
	insight      models.PatternInsight
}

func newPattern() *pattern {
	return &pattern{insight: models.PatternInsight{
		DropOffFields:         map[string]int{},
		OutcomeDistribution:   map[string]int{},
		SentimentDistribution: map[string]int{},
	}}
}

func resumePattern(c *models.Cluster) *pattern {
	p := newPattern()
	in := c.Insight.Pattern
	if in == nil {
		return p
	}
	p.completion = evaluation.Running{N: c.SampleCount, Mean: in.AvgCompletion, M2: in.CompletionM2}
	p.satisfaction = evaluation.Running{N: in.SatisfactionSamples, Mean: in.AvgSatisfaction}
	p.turns = evaluation.Running{N: c.SampleCount, Mean: in.AvgTurns}
	copyCounts(p.insight.DropOffFields, in.DropOffFields)
	copyCounts(p.insight.OutcomeDistribution, in.OutcomeDistribution)
	copyCounts(p.insight.SentimentDistribution, in.SentimentDistribution)
	return p
}

func copyCounts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] = v
	}
}

func (p *pattern) add(a *models.Analysis, tag *models.Tag) {
	p.completion.Add(evaluation.Clamp(a.CompletionRate, 0, 100))
	p.turns.Add(float64(a.TotalTurns))
	if a.UserSatisfaction != nil {
		p.satisfaction.Add(evaluation.Clamp(*a.UserSatisfaction, 0, 100))
	}
	if a.DropOffPoint != nil {
		p.insight.DropOffFields[*a.DropOffPoint]++
	}
	if tag != nil && tag.Outcome != "" {
		p.insight.OutcomeDistribution[string(tag.Outcome)]++
	}
	if a.UserSentiment != "" {
		p.insight.SentimentDistribution[a.UserSentiment]++
	}
}

func (p *pattern) cluster(kind models.ClusterType, key string, now time.Time, cfg config.KnowledgeConfig) models.Cluster {
	in := p.insight
	in.AvgCompletion = p.completion.Mean
	in.CompletionM2 = p.completion.M2
	in.AvgSatisfaction = p.satisfaction.Mean
	in.SatisfactionSamples = p.satisfaction.N
	in.AvgTurns = p.turns.Mean
	in.TopDropOffFields = topCounts(in.DropOffFields, cfg.TopN)

	return models.Cluster{
		Type:        kind,
		Key:         key,
		Name:        key,
		Insight:     models.ClusterInsight{Kind: kind, Pattern: &in},
		SampleCount: p.completion.N,
		Confidence:  evaluation.Confidence(p.completion.N, cfg.TargetSampleSize, p.completion.StdDev()),
		LastUpdated: now,
	}
}

func buildQuestions(analyses []models.Analysis, now time.Time, cfg config.KnowledgeConfig) []models.Cluster {
	byField := make(map[string]*models.QuestionInsight)
	get := func(field string) *models.QuestionInsight {
		q := byField[field]
		if q == nil {
			q = &models.QuestionInsight{}
			byField[field] = q
		}
		return q
	}

	for _, a := range analyses {
		for _, f := range a.FieldsCollected {
			get(f).Collected++
		}
		for _, f := range a.FieldsSkipped {
			get(f).Skipped++
		}
		for _, f := range a.FieldsRefused {
			get(f).Refused++
		}
	}

	out := make([]models.Cluster, 0, len(byField))
	for field, q := range byField {
		q.Asked = q.Collected + q.Skipped + q.Refused
		rate := float64(q.Collected) / float64(q.Asked)
		q.CollectionRate = rate * 100
		spread := math.Sqrt(rate*(1-rate)) * 100

		insight := *q
		out = append(out, models.Cluster{
			Type:        models.ClusterQuestionUsage,
			Key:         field,
			Name:        field,
			Insight:     models.ClusterInsight{Kind: models.ClusterQuestionUsage, Question: &insight},
			SampleCount: q.Asked,
			Confidence:  evaluation.Confidence(q.Asked, cfg.TargetSampleSize, spread),
			LastUpdated: now,
		})
	}
	sortClusters(out)
	return out
}

func sortClusters(cs []models.Cluster) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].SampleCount != cs[j].SampleCount {
			return cs[i].SampleCount > cs[j].SampleCount
		}
		return cs[i].Key < cs[j].Key
	})
}

func meanConfidence(cs []models.Cluster) float64 {
	xs := make([]float64, 0, len(cs))
	for _, c := range cs {
		xs = append(xs, c.Confidence)
	}
	return evaluation.Mean(xs)
}
