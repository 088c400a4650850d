package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"c1", false},
		{"org_memories", false},
		{"", true},
		{"Upper", true},
		{"../etc", true},
		{"has space", true},
		{string(make([]byte, 65)), true},
	}
	for _, tt := range tests {
		err := ValidateCollectionName(tt.name)
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrInvalidCollectionName), "name %q", tt.name)
		} else {
			assert.NoError(t, err, "name %q", tt.name)
		}
	}
}

func TestCheckEmbeddings(t *testing.T) {
	docs := []Document{{ID: "a"}, {ID: "b"}}
	assert.NoError(t, CheckEmbeddings(docs, nil))
	assert.NoError(t, CheckEmbeddings(docs, [][]float32{{1}, {2}}))
	assert.True(t, errors.Is(CheckEmbeddings(docs, [][]float32{{1}}), ErrEmbeddingMismatch))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{1, 2}, []float32{0, 0}))
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.InDelta(t, 0.6, CosineSimilarity([]float32{3, 4}, []float32{1, 0}), 1e-6)
}

func TestMatchFilters(t *testing.T) {
	md := map[string]any{"owner": "alice", "rank": int64(3)}
	assert.True(t, MatchFilters(md, nil))
	assert.True(t, MatchFilters(md, map[string]any{"owner": "alice"}))
	assert.True(t, MatchFilters(md, map[string]any{"rank": 3}))
	assert.False(t, MatchFilters(md, map[string]any{"owner": "bob"}))
	assert.False(t, MatchFilters(md, map[string]any{"missing": "x"}))
}

func TestRankHits(t *testing.T) {
	hits := []SearchHit{{ID: "a", Score: 0.1}, {ID: "b", Score: 0.9}, {ID: "c", Score: 0.5}}
	ranked := RankHits(hits, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, "c", ranked[1].ID)
}

func TestKeywordScore(t *testing.T) {
	assert.InDelta(t, 1.0, KeywordScore("The quick brown fox", "quick fox"), 1e-6)
	assert.InDelta(t, 0.5, KeywordScore("The quick brown fox", "quick dog"), 1e-6)
	assert.Zero(t, KeywordScore("anything", ""))
}

type decodeTarget struct {
	Port    int           `koanf:"port"`
	Size    int           `koanf:"size"`
	TLS     bool          `koanf:"tls"`
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

func TestParams(t *testing.T) {
	p := Params{"url": "http://x", "port": " 6334 ", "size": 384.0, "tls": "true", "path": "", "timeout": "2s"}

	assert.Equal(t, "http://x", p.String("url", ""))
	assert.Equal(t, "def", p.String("missing", "def"))

	out := decodeTarget{Path: "/default"}
	require.NoError(t, p.Decode(&out))
	assert.Equal(t, 6334, out.Port)
	assert.Equal(t, 384, out.Size)
	assert.True(t, out.TLS)
	assert.Equal(t, "/default", out.Path)
	assert.Equal(t, 2*time.Second, out.Timeout)

	clone := p.Clone()
	clone["url"] = "changed"
	assert.Equal(t, "http://x", p["url"])

	assert.Equal(t, 10, SearchRequest{}.EffectiveLimit())
	assert.Equal(t, 3, SearchRequest{Limit: 3}.EffectiveLimit())
}

func TestParams_DecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"fractional int", Params{"size": 384.5}},
		{"fractional int string", Params{"size": "384.5"}},
		{"non-numeric int", Params{"port": "high"}},
		{"non-boolean bool", Params{"tls": "sometimes"}},
		{"map into int", Params{"port": map[string]any{"x": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out decodeTarget
			err := tt.params.Decode(&out)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParams))
		})
	}
}
