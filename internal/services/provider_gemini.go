package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiProvider uses the Gemini API, which accepts the uploaded image inline.
type geminiProvider struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

func newGeminiProvider(ctx context.Context, config models.LLMConfig) (*geminiProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini 需要 api key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("创建 gemini 客户端失败: %w", err)
	}
	model := config.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &geminiProvider{
		client:      client,
		model:       model,
		temperature: config.Temperature,
		maxTokens:   int32(config.MaxTokens),
	}, nil
}

func (p *geminiProvider) CompleteJSON(ctx context.Context, parts []contentPart) (string, error) {
	model := p.client.GenerativeModel(p.model)
	model.ResponseMIMEType = "application/json"
	if p.temperature > 0 {
		model.SetTemperature(p.temperature)
	}
	if p.maxTokens > 0 {
		model.SetMaxOutputTokens(p.maxTokens)
	}

	genParts := make([]genai.Part, 0, len(parts))
	for _, part := range parts {
		if len(part.Data) > 0 {
			genParts = append(genParts, genai.ImageData(strings.TrimPrefix(part.MimeType, "image/"), part.Data))
			continue
		}
		genParts = append(genParts, genai.Text(part.Text))
	}

	resp, err := model.GenerateContent(ctx, genParts...)
	if err != nil {
		return "", fmt.Errorf("生成内容失败: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("响应为空: 没有候选结果")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("响应为空: 没有文本")
	}
	return sb.String(), nil
}

func (p *geminiProvider) GenerateImage(ctx context.Context, prompt, modelName string) ([]byte, string, error) {
	model := p.client.GenerativeModel(modelName)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, "", fmt.Errorf("生成图片失败: %w", err)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
				return blob.Data, blob.MIMEType, nil
			}
		}
	}
	return nil, "", errors.New("响应中没有图片")
}

func (p *geminiProvider) Close() error {
	return p.client.Close()
}
