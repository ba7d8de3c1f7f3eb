package model

import "math"

// CosineSimilarity computes the cosine similarity between two vectors.
// Vectors of different dimensionality never match.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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

// BestMatch returns the key of the candidate most similar to query and its
// score. ok is false when there are no comparable candidates.
func BestMatch(query []float32, candidates map[string][]float32) (key string, score float64, ok bool) {
	score = math.Inf(-1)
	for k, vec := range candidates {
		if len(vec) != len(query) {
			continue
		}
		s := CosineSimilarity(query, vec)
		if s > score || (s == score && k < key) {
			key, score, ok = k, s, true
		}
	}
	if !ok {
		return "", 0, false
	}
	return key, score, true
}
