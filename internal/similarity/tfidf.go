// Package similarity judges whether two queries ask the same thing.
//
// Each comparison builds a TF-IDF space over exactly the two inputs: tokens
// are lowercased runs of two or more word characters, idf is smoothed as
// ln((1+n)/(1+df))+1, and vectors are L2-normalized before the cosine.
package similarity

import (
	"math"
	"regexp"
	"strings"
)

// RequeryThreshold marks a follow-up as a repeat of the previous query.
const RequeryThreshold = 0.7

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// Tokenize lowercases s and splits it into word tokens of length two or more.
func Tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// Cosine returns the TF-IDF cosine similarity of a and b in [0,1]. Either
// input being empty, or producing no tokens, yields 0.
func Cosine(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	tfA, tfB := termCounts(ta), termCounts(tb)
	const nDocs = 2.0
	idf := make(map[string]float64, len(tfA)+len(tfB))
	for term := range tfA {
		idf[term] = 0
	}
	for term := range tfB {
		idf[term] = 0
	}
	for term := range idf {
		df := 0.0
		if _, ok := tfA[term]; ok {
			df++
		}
		if _, ok := tfB[term]; ok {
			df++
		}
		idf[term] = math.Log((1+nDocs)/(1+df)) + 1
	}

	va, vb := weigh(tfA, idf), weigh(tfB, idf)
	var dot float64
	for term, wa := range va {
		dot += wa * vb[term]
	}
	// Rounding can push identical vectors a hair past 1.
	return math.Min(dot, 1)
}

// AreSimilar reports whether Cosine(a, b) >= threshold.
func AreSimilar(a, b string, threshold float64) bool {
	if a == "" || b == "" {
		return false
	}
	return Cosine(a, b) >= threshold
}

func termCounts(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// weigh returns the L2-normalized tf*idf vector.
func weigh(tf, idf map[string]float64) map[string]float64 {
	v := make(map[string]float64, len(tf))
	var norm float64
	for term, n := range tf {
		w := n * idf[term]
		v[term] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for term := range v {
		v[term] /= norm
	}
	return v
}
