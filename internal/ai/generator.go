package ai

import (
	"context"
	"strings"
)

// DefaultSystemInstructions 默认的系统提示词
const DefaultSystemInstructions = "You are a helpful assistant that provides short, encouraging motivational messages."

// DefaultMaxTokens 通知文本保持简短
const DefaultMaxTokens = 70

// MotivationGenerator 基于 Chat Completions 生成简短激励文本
type MotivationGenerator struct {
	client      *OpenAIClient
	temperature float64
	maxRetries  int
}

// NewMotivationGenerator 创建生成器
func NewMotivationGenerator(client *OpenAIClient, temperature float64) *MotivationGenerator {
	if temperature <= 0 {
		temperature = 0.7
	}
	return &MotivationGenerator{client: client, temperature: temperature, maxRetries: 2}
}

// Generate 生成文本；失败时返回 *APIError
func (g *MotivationGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if g == nil || !g.client.IsConfigured() {
		return "", &APIError{Message: "OpenAI API 未配置"}
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemInstructions
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	return g.client.ChatWithRetry(ctx, messages, g.temperature, maxTokens, g.maxRetries)
}
