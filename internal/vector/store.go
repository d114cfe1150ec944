package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/store"
)

// Package vector performs cosine similarity search over stored transaction
// embeddings. Candidates are loaded from the relational store and scored in
// process; corpus sizes here (one embedding per investigated transaction)
// stay far below the point where an external vector index pays off.

// Store retrieves the nearest historical transactions to a query embedding.
type Store interface {
	// Upsert stores the embedding for a transaction.
	Upsert(ctx context.Context, transactionID string, embedding []float32, outcome, cardID, merchantID string, amount float64, occurredAt time.Time) error

	// Nearest returns up to k matches with cosine similarity >= minScore,
	// ordered by similarity descending. The anchor transaction itself is
	// excluded.
	Nearest(ctx context.Context, transactionID string, query []float32, k int, minScore float64) ([]models.SimilarityMatch, error)
}

type sqlBackedStore struct {
	backend store.Store
	// candidateLimit caps how many stored embeddings one search loads.
	candidateLimit int
}

// New creates a vector store over the relational backend.
func New(backend store.Store) Store {
	return &sqlBackedStore{backend: backend, candidateLimit: 10000}
}

func (s *sqlBackedStore) Upsert(ctx context.Context, transactionID string, embedding []float32, outcome, cardID, merchantID string, amount float64, occurredAt time.Time) error {
	if len(embedding) == 0 {
		return fmt.Errorf("vector: empty embedding for %s", transactionID)
	}
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("vector: encode embedding: %w", err)
	}
	return s.backend.UpsertEmbedding(ctx, &store.EmbeddingRecord{
		TransactionID: transactionID,
		Embedding:     string(encoded),
		Outcome:       outcome,
		CardID:        cardID,
		MerchantID:    merchantID,
		Amount:        amount,
		OccurredAt:    occurredAt,
	})
}

func (s *sqlBackedStore) Nearest(ctx context.Context, transactionID string, query []float32, k int, minScore float64) ([]models.SimilarityMatch, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("vector: empty query embedding")
	}
	if k <= 0 {
		k = 10
	}

	candidates, err := s.backend.ListEmbeddings(ctx, s.candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("vector: load candidates: %w", err)
	}

	var matches []models.SimilarityMatch
	for _, c := range candidates {
		if c.TransactionID == transactionID {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(c.Embedding), &emb); err != nil {
			continue
		}
		score := Cosine(query, emb)
		if score < minScore {
			continue
		}
		matches = append(matches, models.SimilarityMatch{
			TransactionID: c.TransactionID,
			Similarity:    score,
			Outcome:       c.Outcome,
			CardID:        c.CardID,
			MerchantID:    c.MerchantID,
			Amount:        c.Amount,
			Timestamp:     c.OccurredAt,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].TransactionID < matches[j].TransactionID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths
// and zero vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
