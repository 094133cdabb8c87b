package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"github.com/sashabaranov/go-openai"
)

// openAIProvider talks to any OpenAI-compatible endpoint.
type openAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func newOpenAIProvider(config models.LLMConfig) *openAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.APIBase != "" {
		clientConfig.BaseURL = config.APIBase
	}
	model := config.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAIProvider{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       model,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
	}
}

func (p *openAIProvider) CompleteJSON(ctx context.Context, parts []contentPart) (string, error) {
	multi := make([]openai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		if len(part.Data) > 0 {
			multi = append(multi, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    toDataURL(part.MimeType, part.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
			continue
		}
		multi = append(multi, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: multi},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("对话生成失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("响应为空: 没有候选结果")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *openAIProvider) GenerateImage(ctx context.Context, prompt, model string) ([]byte, string, error) {
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          model,
		N:              1,
		Size:           openai.CreateImageSize1792x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, "", fmt.Errorf("生成图片失败: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, "", errors.New("图片响应为空")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, "", fmt.Errorf("解码图片失败: %w", err)
	}
	return data, "image/png", nil
}

func (p *openAIProvider) Close() error { return nil }
