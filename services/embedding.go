package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"
)

// EmbeddingError wraps a failure of the embedding service for one operation.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// CLIPClient talks to a CLIP inference service over JSON/HTTP. The service
// exposes POST /embed/image and POST /embed/text and returns vectors of a
// fixed dimension; vectors are re-normalized client side so the unit-norm
// invariant never depends on server behavior.
type CLIPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCLIPClient(host string, port int, timeout time.Duration) *CLIPClient {
	return &CLIPClient{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type imageEmbedRequest struct {
	Image string `json:"image"`
}

type imageEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type textEmbedRequest struct {
	Texts []string `json:"texts"`
}

type textEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *CLIPClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// EmbedImage returns the unit-normalized image vector.
func (c *CLIPClient) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, &EmbeddingError{Op: "embed image", Err: err}
	}

	var resp imageEmbedResponse
	req := imageEmbedRequest{Image: base64.StdEncoding.EncodeToString(data)}
	if err := c.post(ctx, "/embed/image", req, &resp); err != nil {
		return nil, &EmbeddingError{Op: "embed image", Err: err}
	}
	if len(resp.Embedding) == 0 {
		return nil, &EmbeddingError{Op: "embed image", Err: fmt.Errorf("empty embedding in response")}
	}
	return Normalize(resp.Embedding), nil
}

// EmbedTexts returns one unit-normalized vector per input text.
func (c *CLIPClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &EmbeddingError{Op: "embed texts", Err: fmt.Errorf("no texts provided")}
	}

	var resp textEmbedResponse
	if err := c.post(ctx, "/embed/text", textEmbedRequest{Texts: texts}, &resp); err != nil {
		return nil, &EmbeddingError{Op: "embed texts", Err: err}
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &EmbeddingError{
			Op:  "embed texts",
			Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings)),
		}
	}
	for i, vec := range resp.Embeddings {
		resp.Embeddings[i] = Normalize(vec)
	}
	return resp.Embeddings, nil
}

// EmbedQuery embeds a search phrase. Same normalization path as EmbedTexts,
// so query vectors live in the same metric space as fused image vectors.
func (c *CLIPClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Fuse combines an image with its captions into one vector:
//  1. embed the image (unit norm)
//  2. embed each caption (unit norm) and take the arithmetic mean
//  3. average the image vector and the mean caption vector elementwise
//  4. re-normalize to unit length
func (c *CLIPClient) Fuse(ctx context.Context, imagePath string, captions []string) ([]float32, error) {
	if len(captions) == 0 {
		return nil, &EmbeddingError{Op: "fuse", Err: fmt.Errorf("no captions for %s", imagePath)}
	}

	imageVec, err := c.EmbedImage(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	textVecs, err := c.EmbedTexts(ctx, captions)
	if err != nil {
		return nil, err
	}

	meanText, err := Mean(textVecs)
	if err != nil {
		return nil, &EmbeddingError{Op: "fuse", Err: err}
	}
	if len(meanText) != len(imageVec) {
		return nil, &EmbeddingError{
			Op:  "fuse",
			Err: fmt.Errorf("dimension mismatch: image %d vs text %d", len(imageVec), len(meanText)),
		}
	}

	fused := make([]float32, len(imageVec))
	for i := range fused {
		fused[i] = (imageVec[i] + meanText[i]) / 2
	}
	return Normalize(fused), nil
}

// Normalize scales v to unit Euclidean length. A zero vector is returned
// unchanged since there is no direction to preserve.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Mean computes the elementwise arithmetic mean of equally sized vectors.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("mean of zero vectors")
	}
	dim := len(vectors[0])
	mean := make([]float32, dim)
	for _, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("inconsistent vector dimensions: %d vs %d", len(vec), dim)
		}
		for i, x := range vec {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= float32(len(vectors))
	}
	return mean, nil
}
