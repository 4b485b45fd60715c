package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7-4-7/Deep-Image-Retreival/models"
)

func TestTableNameDerivedFromIndexName(t *testing.T) {
	cases := []struct {
		index string
		want  string
	}{
		{"deep-image-retriever", "deep_image_retriever"},
		{"Deep Image Retriever", "deep_image_retriever"},
		{"photos.v2", "photos_v2"},
		{"--edge--", "edge"},
		{"", "image_vectors"},
		{"2024-photos", "t_2024_photos"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tableName(tc.index), "index %q", tc.index)
	}
}

func TestNewVectorStoreBindsIndexName(t *testing.T) {
	assert.Equal(t, "deep_image_retriever", NewVectorStore(nil, "deep-image-retriever", nil).table)
	assert.Equal(t, "other_index", NewVectorStore(nil, "other-index", nil).table)
}

func TestEnsureIndexRejectsUnsupportedParameters(t *testing.T) {
	s := NewVectorStore(nil, "deep-image-retriever", nil)

	err := s.EnsureIndex(context.Background(), models.EmbeddingDim, "euclidean")
	var serr *StoreError
	require.ErrorAs(t, err, &serr)

	err = s.EnsureIndex(context.Background(), models.EmbeddingDim+1, "cosine")
	require.ErrorAs(t, err, &serr)
}
