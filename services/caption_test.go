package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7-4-7/Deep-Image-Retreival/storage"
)

func TestParseCaptionsPlainJSON(t *testing.T) {
	captions, err := ParseCaptions(`{"captions": ["a red ball", "toy on the floor"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a red ball", "toy on the floor"}, captions)
}

func TestParseCaptionsStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"captions\": [\"golden retriever in leaves\"]}\n```"
	captions, err := ParseCaptions(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"golden retriever in leaves"}, captions)
}

func TestParseCaptionsInvalidJSON(t *testing.T) {
	_, err := ParseCaptions("here are some captions: a dog, a ball")
	var perr *CaptionParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Raw, "a dog")
}

func TestParseCaptionsMissingField(t *testing.T) {
	_, err := ParseCaptions(`{"descriptions": ["a dog"]}`)
	var perr *CaptionParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseCaptionsEmptyList(t *testing.T) {
	_, err := ParseCaptions(`{"captions": []}`)
	var perr *CaptionParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseCaptionsFiltersBlankAndTruncates(t *testing.T) {
	captions, err := ParseCaptions(`{"captions": ["  ", "one", "two", "three", "four", "five", "six"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, captions)

	_, err = ParseCaptions(`{"captions": ["", "   "]}`)
	var perr *CaptionParseError
	require.ErrorAs(t, err, &perr)
}

// newFakeChatServer returns an OpenAI-compatible chat completion server that
// answers with valid caption JSON, except for requests carrying the image
// bytes in badImage, which get a non-JSON reply.
func newFakeChatServer(t *testing.T, badImage []byte) *httptest.Server {
	t.Helper()
	badMarker := base64.StdEncoding.EncodeToString(badImage)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		content := `{"captions": ["a test image", "solid color frame"]}`
		if len(badImage) > 0 && strings.Contains(string(body), badMarker) {
			content = "I could not produce JSON for this one, sorry."
		}

		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func writeImages(t *testing.T, contents ...string) []storage.StoredImage {
	t.Helper()
	dir := t.TempDir()
	images := make([]storage.StoredImage, 0, len(contents))
	for i, content := range contents {
		name := string(rune('a'+i)) + ".png"
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		images = append(images, storage.StoredImage{ID: name, Path: path})
	}
	return images
}

func TestCaptionParsesModelOutput(t *testing.T) {
	server := newFakeChatServer(t, []byte("no-such-image"))
	defer server.Close()

	client := NewCaptionClient(CaptionConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})

	images := writeImages(t, "file-one")
	captions, err := client.Caption(context.Background(), images[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a test image", "solid color frame"}, captions)
}

func TestCaptionBatchSkipsUnparseableImages(t *testing.T) {
	server := newFakeChatServer(t, []byte("file-two"))
	defer server.Close()

	client := NewCaptionClient(CaptionConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})

	images := writeImages(t, "file-one", "file-two", "file-three")
	results := client.CaptionBatch(context.Background(), images)

	require.Len(t, results, 2)
	assert.Contains(t, results, images[0].ID)
	assert.NotContains(t, results, images[1].ID)
	assert.Contains(t, results, images[2].ID)
}

func TestCaptionMissingFileFails(t *testing.T) {
	server := newFakeChatServer(t, nil)
	defer server.Close()

	client := NewCaptionClient(CaptionConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
	})

	_, err := client.Caption(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
}
