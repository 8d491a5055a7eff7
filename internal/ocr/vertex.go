package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
)

// VertexClient runs OCR with a Gemini model on Vertex AI.
type VertexClient struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewVertexClient(ctx context.Context, projectID, region, model string, logger *slog.Logger) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex: projectID and region cannot be empty")
	}
	if model == "" {
		model = "gemini-1.5-pro"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexClient{client: client, model: model, logger: logger}, nil
}

func (c *VertexClient) Name() string         { return "vertex" }
func (c *VertexClient) DefaultModel() string { return c.model }

func (c *VertexClient) Infer(ctx context.Context, image []byte, mime, model string) (Inference, error) {
	start := time.Now()
	if model == "" {
		model = c.model
	}
	if mime == "" {
		mime = http.DetectContentType(image)
	}

	gm := c.client.GenerativeModel(model)
	gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	gm.GenerationConfig = genai.GenerationConfig{Temperature: genai.Ptr[float32](0.0)}

	resp, err := gm.GenerateContent(ctx, genai.Blob{MIMEType: mime, Data: image}, genai.Text(Prompt))
	if err != nil {
		c.logger.Error("ocr.vertex.generate_failed", "model", model, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return Inference{}, fmt.Errorf("vertex generate content: %w", err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				b.WriteString(string(txt))
			}
		}
	}
	inf := Inference{Text: Normalize(b.String()), Model: model}
	if u := resp.UsageMetadata; u != nil {
		inf.Usage = Usage{
			PromptTokens:     int64(u.PromptTokenCount),
			CompletionTokens: int64(u.CandidatesTokenCount),
			TotalTokens:      int64(u.TotalTokenCount),
		}
	}
	inf = finish(inf, start)
	c.logger.Info("ocr.vertex.ok", "model", model, "chars", len(inf.Text), "elapsed_ms", inf.Duration.Milliseconds())
	return inf, nil
}

func (c *VertexClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
