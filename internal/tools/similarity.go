package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/llm/adapter"
	"github.com/cardsentry/cardsentry-ai/internal/metrics"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/store"
	"github.com/cardsentry/cardsentry-ai/internal/vector"
)

// heuristicLookback bounds the SQL fallback search window.
const heuristicLookback = 90 * 24 * time.Hour

// SimilarityTool retrieves historical transactions resembling the one under
// investigation. The embedding path is primary; a SQL heuristic over card,
// merchant, amount band and time window is the authoritative fallback.
type SimilarityTool struct {
	llm     adapter.Adapter
	vectors vector.Store
	backend store.Store
	cfg     *config.Config
	logger  *zap.Logger
}

// NewSimilarityTool creates the similarity tool.
func NewSimilarityTool(llm adapter.Adapter, vectors vector.Store, backend store.Store, cfg *config.Config, logger *zap.Logger) *SimilarityTool {
	return &SimilarityTool{llm: llm, vectors: vectors, backend: backend, cfg: cfg, logger: logger}
}

func (t *SimilarityTool) Name() string { return investigation.ToolSimilarity }

func (t *SimilarityTool) Description() string {
	return "Retrieve nearest historical transactions by embedding cosine similarity, with a SQL heuristic fallback"
}

func (t *SimilarityTool) Ready(st *investigation.State) bool {
	return st.Features != nil
}

type similarityOutput struct {
	Path         string                   `json:"path"` // vector | heuristic
	OverallScore float64                  `json:"overall_score"`
	MatchCount   int                      `json:"match_count"`
	Matches      []models.SimilarityMatch `json:"matches,omitempty"`
	Diagnostics  map[string]any           `json:"diagnostics,omitempty"`
}

func (t *SimilarityTool) Run(ctx context.Context, st *investigation.State) (*investigation.ToolResult, error) {
	f := st.Features

	if !st.Flags.VectorEnabled {
		matches, err := t.heuristic(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("similarity: heuristic query: %w", err)
		}
		metrics.VectorSearchesTotal.WithLabelValues("heuristic").Inc()
		return t.result(st, matches, similarityOutput{
			Path:        "heuristic",
			Diagnostics: map[string]any{"reason": "vector_disabled"},
		}, investigation.ToolStatusOK, false, 0), nil
	}

	embedding, err := t.embedWithRetry(ctx, f)
	if err != nil {
		t.logger.Warn("embedding unavailable, using heuristic fallback", zap.Error(err))
		matches, herr := t.heuristic(ctx, f)
		if herr != nil {
			return nil, fmt.Errorf("similarity: heuristic fallback: %w", herr)
		}
		metrics.VectorSearchesTotal.WithLabelValues("heuristic").Inc()
		// The vector stage ran and produced nothing; the gap must stay
		// visible to the completion node even though the heuristic found
		// matches of its own.
		return t.result(st, matches, similarityOutput{
			Path: "heuristic",
			Diagnostics: map[string]any{
				"reason": "embedding_or_similarity_failed",
				"error":  err.Error(),
			},
		}, investigation.ToolStatusFallback, true, 0), nil
	}

	// Store the anchor embedding so future investigations can match
	// against this transaction.
	if err := t.vectors.Upsert(ctx, f.TransactionID, embedding, "", f.CardID, f.MerchantID, f.Amount, f.Timestamp); err != nil {
		t.logger.Warn("embedding upsert failed", zap.Error(err))
	}

	matches, err := t.vectors.Nearest(ctx, f.TransactionID, embedding,
		t.cfg.Investigation.SimilaritySearchLimit, t.cfg.Investigation.SimilarityMinScore)
	if err != nil {
		t.logger.Warn("vector search failed, using heuristic fallback", zap.Error(err))
		matches, herr := t.heuristic(ctx, f)
		if herr != nil {
			return nil, fmt.Errorf("similarity: heuristic fallback: %w", herr)
		}
		metrics.VectorSearchesTotal.WithLabelValues("heuristic").Inc()
		return t.result(st, matches, similarityOutput{
			Path: "heuristic",
			Diagnostics: map[string]any{
				"reason": "embedding_or_similarity_failed",
				"error":  err.Error(),
			},
		}, investigation.ToolStatusFallback, true, 0), nil
	}

	metrics.VectorSearchesTotal.WithLabelValues("vector").Inc()
	return t.result(st, matches, similarityOutput{Path: "vector"}, investigation.ToolStatusOK, true, len(matches)), nil
}

// embedWithRetry issues the embedding call with a single retry.
func (t *SimilarityTool) embedWithRetry(ctx context.Context, f *models.Features) ([]float32, error) {
	text := canonicalRendering(f)
	embedding, err := t.llm.Embed(ctx, text)
	if err == nil {
		return embedding, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return t.llm.Embed(ctx, text)
}

// canonicalRendering builds the bounded, redacted text the embedding is
// computed over. Only pseudonymous identifiers and aggregates appear; raw
// personal data never does.
func canonicalRendering(f *models.Features) string {
	card1h := f.CardWindow(models.Window1h)
	card24h := f.CardWindow(models.Window24h)
	return fmt.Sprintf(
		"card=%s merchant=%s mcc=%s amount=%.2f currency=%s decision=%s "+
			"card_1h_count=%d card_1h_decline=%.2f card_24h_merchants=%d zscore_30d=%.2f device=%s country=%s",
		f.CardID, f.MerchantID, f.MCC, f.Amount, f.Currency, f.Decision,
		card1h.TxnCount, card1h.DeclineRate, card24h.DistinctMerchants,
		f.CardWindow(models.Window30d).AmountZScore,
		f.DeviceFingerprintHash, f.IPCountryAlpha3,
	)
}

// heuristic runs the SQL fallback over denormalized embedding rows.
func (t *SimilarityTool) heuristic(ctx context.Context, f *models.Features) ([]models.SimilarityMatch, error) {
	rows, err := t.backend.QuerySimilarHeuristic(ctx, f.CardID, f.MerchantID, f.Amount,
		f.Timestamp, heuristicLookback, t.cfg.Investigation.SimilaritySearchLimit)
	if err != nil {
		return nil, err
	}
	matches := make([]models.SimilarityMatch, 0, len(rows))
	for _, r := range rows {
		if r.TransactionID == f.TransactionID {
			continue
		}
		matches = append(matches, models.SimilarityMatch{
			TransactionID: r.TransactionID,
			Similarity:    heuristicScore(f, r),
			Outcome:       r.Outcome,
			CardID:        r.CardID,
			MerchantID:    r.MerchantID,
			Amount:        r.Amount,
			Timestamp:     r.OccurredAt,
		})
	}
	return matches, nil
}

// heuristicScore approximates similarity for fallback matches: shared card
// outweighs shared merchant, and a tight amount band adds a little.
func heuristicScore(f *models.Features, r store.EmbeddingRecord) float64 {
	score := 0.0
	if r.CardID != "" && r.CardID == f.CardID {
		score += 0.6
	}
	if r.MerchantID != "" && r.MerchantID == f.MerchantID {
		score += 0.25
	}
	if f.Amount > 0 {
		ratio := r.Amount / f.Amount
		if ratio >= 0.8 && ratio <= 1.2 {
			score += 0.15
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// result converts matches into evidence and the tool output. The vector
// bookkeeping is kept apart from out.MatchCount: on a heuristic fallback the
// output still reports the heuristic matches while the state records that
// the vector stage ran and matched nothing.
func (t *SimilarityTool) result(st *investigation.State, matches []models.SimilarityMatch, out similarityOutput, status string, vectorExecuted bool, vectorMatches int) *investigation.ToolResult {
	f := st.Features
	now := time.Now().UTC()

	var items []models.EvidenceItem
	var strengthSum float64
	for _, m := range matches {
		strength := m.Similarity * 0.5
		category := models.CategorySimilarTransaction
		if m.Outcome == models.OutcomeConfirmedFraud {
			strength = m.Similarity
			category = models.CategorySimilarFraud
		}

		weight := 1.0
		if st.Flags.FreshnessEnabled {
			weight = models.FreshnessWeight(now.Sub(m.Timestamp), t.cfg.FreshnessTau(category))
		}

		// 3DS success or a trusted device on the same card argues against
		// fraud rather than for it.
		if m.CardID == f.CardID && (m.Outcome == models.Outcome3DSSuccess || m.Outcome == models.OutcomeTrustedDevice) {
			items = append(items, models.EvidenceItem{
				Kind:     models.EvidenceCounter,
				Category: models.CategoryCounterEvidence,
				Strength: m.Similarity,
				Description: fmt.Sprintf("similar transaction %s on the same card had outcome %s",
					m.TransactionID, m.Outcome),
				Timestamp:             m.Timestamp,
				FreshnessWeight:       weight,
				RelatedTransactionIDs: []string{m.TransactionID},
				SupportingData:        map[string]any{"similarity": m.Similarity, "outcome": m.Outcome},
			})
			continue
		}

		strengthSum += m.Similarity
		items = append(items, models.EvidenceItem{
			Kind:     models.EvidenceSimilarity,
			Category: category,
			Strength: strength,
			Description: fmt.Sprintf("historical transaction %s similarity %.2f outcome %q",
				m.TransactionID, m.Similarity, m.Outcome),
			Timestamp:             m.Timestamp,
			FreshnessWeight:       weight,
			RelatedTransactionIDs: []string{m.TransactionID},
			SupportingData:        map[string]any{"similarity": m.Similarity, "outcome": m.Outcome},
		})
	}
	models.SortEvidence(items)

	// Mean over the actual match count, never a fixed divisor.
	if len(matches) > 0 {
		out.OverallScore = strengthSum / float64(len(matches))
	}
	out.MatchCount = len(matches)
	out.Matches = matches

	return &investigation.ToolResult{
		Status:   status,
		Summary:  fmt.Sprintf("%s path: %d matches, overall score %.2f", out.Path, out.MatchCount, out.OverallScore),
		Evidence: items,
		Output:   out,
		Apply: func(st *investigation.State) {
			st.VectorStageExecuted = vectorExecuted
			st.VectorMatchCount = vectorMatches
		},
	}
}
