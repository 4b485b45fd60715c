package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/7-4-7/Deep-Image-Retreival/storage"
)

// CaptionParseError indicates the captioning model returned something that is
// not the expected {"captions": [...]} payload. The affected image is skipped;
// the batch continues.
type CaptionParseError struct {
	Raw string
	Err error
}

func (e *CaptionParseError) Error() string {
	return fmt.Sprintf("caption parse: %v", e.Err)
}

func (e *CaptionParseError) Unwrap() error { return e.Err }

// CaptionConfig configures the captioning client. BaseURL is optional and
// allows OpenAI-compatible gateways (Ollama, Gemini compat endpoints).
type CaptionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// CaptionClient generates captions via an OpenAI-compatible multimodal chat
// endpoint.
type CaptionClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

const captionConcurrency = 4

func NewCaptionClient(cfg CaptionConfig) *CaptionClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptionClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		log:    logger,
	}
}

// Caption sends one image plus the fixed instruction prompt and parses the
// model output into a caption list.
func (c *CaptionClient) Caption(ctx context.Context, imagePath string) ([]string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", imagePath, err)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", imageMIMEType(imagePath), base64.StdEncoding.EncodeToString(data))

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: captioningPrompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("caption request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CaptionParseError{Err: fmt.Errorf("empty completion response")}
	}

	return ParseCaptions(resp.Choices[0].Message.Content)
}

// CaptionBatch captions every image in a directory snapshot. Images whose
// caption call fails or whose output cannot be parsed are logged and omitted
// from the result; one bad image never aborts the batch.
func (c *CaptionClient) CaptionBatch(ctx context.Context, images []storage.StoredImage) map[string][]string {
	results := make(map[string][]string, len(images))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(captionConcurrency)

	for _, img := range images {
		img := img
		g.Go(func() error {
			captions, err := c.Caption(gctx, img.Path)
			if err != nil {
				c.log.Warn("captioning failed, skipping image", "id", img.ID, "error", err)
				return nil
			}
			mu.Lock()
			results[img.ID] = captions
			mu.Unlock()
			return nil
		})
	}
	// Workers only return nil; per-image failures are recovered above.
	_ = g.Wait()

	return results
}

var codeFenceRe = regexp.MustCompile("^```[a-zA-Z]*\n?|```$")

// ParseCaptions strips an optional markdown code fence and strictly decodes
// the {"captions": [...]} payload. Anything malformed is a CaptionParseError.
func ParseCaptions(raw string) ([]string, error) {
	cleaned := codeFenceRe.ReplaceAllString(strings.TrimSpace(raw), "")

	var payload struct {
		Captions []string `json:"captions"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, &CaptionParseError{Raw: raw, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if payload.Captions == nil {
		return nil, &CaptionParseError{Raw: raw, Err: fmt.Errorf("missing captions field")}
	}

	captions := make([]string, 0, len(payload.Captions))
	for _, caption := range payload.Captions {
		caption = strings.TrimSpace(caption)
		if caption == "" {
			continue
		}
		captions = append(captions, caption)
	}
	if len(captions) == 0 {
		return nil, &CaptionParseError{Raw: raw, Err: fmt.Errorf("empty captions list")}
	}
	if len(captions) > maxCaptions {
		captions = captions[:maxCaptions]
	}
	return captions, nil
}

func imageMIMEType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}
