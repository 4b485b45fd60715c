package models

import "github.com/pgvector/pgvector-go"

// EmbeddingDim is the CLIP ViT-B/32 projection dimension. The column type
// below must match; the vector store rejects other dimensions at EnsureIndex.
const EmbeddingDim = 512

// ImageVector is one persisted record in the vector store: the fused
// embedding for an archived image plus its search metadata. Records are keyed
// by (id, namespace); upserting the same key overwrites.
type ImageVector struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	Namespace string          `gorm:"primaryKey;index" json:"namespace"`
	Captions  []string        `gorm:"serializer:json" json:"captions"`
	ImagePath string          `json:"image_path"`
	Embedding pgvector.Vector `gorm:"type:vector(512)" json:"embedding"`
}

func (ImageVector) TableName() string { return "image_vectors" }
