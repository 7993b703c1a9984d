package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"

	"variation-radar/internal/model"
)

// generator produces text for a prompt.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type genaiGenerator struct {
	model *genai.GenerativeModel
}

func (g genaiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return parseResponse(resp), nil
}

func parseResponse(resp *genai.GenerateContentResponse) string {
	var resStr strings.Builder
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	for i, part := range resp.Candidates[0].Content.Parts {
		text, ok := part.(genai.Text)
		if !ok {
			continue
		}
		if i > 0 {
			resStr.WriteString("\n")
		}
		resStr.WriteString(string(text))
	}
	return resStr.String()
}

// NewGeminiClient dials the Gemini API.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// Gemini asks an LLM to summarise recent headlines about a move.
type Gemini struct {
	gen      generator
	catalog  *Catalog
	timeout  time.Duration
	maxItems int
	logger   zerolog.Logger
	now      func() time.Time
}

// GeminiOptions parameterise the Gemini provider.
type GeminiOptions struct {
	Model    string
	Timeout  time.Duration
	MaxItems int
}

// NewGemini builds a provider on top of an existing client.
func NewGemini(client *genai.Client, catalog *Catalog, opts GeminiOptions, logger zerolog.Logger) *Gemini {
	name := opts.Model
	if name == "" {
		name = "gemini-1.5-flash"
	}
	m := client.GenerativeModel(name)
	m.SetTemperature(0.2)
	m.ResponseMIMEType = "application/json"

	return newGemini(genaiGenerator{model: m}, catalog, opts, logger)
}

func newGemini(gen generator, catalog *Catalog, opts GeminiOptions, logger zerolog.Logger) *Gemini {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 5
	}
	return &Gemini{
		gen:      gen,
		catalog:  catalog,
		timeout:  timeout,
		maxItems: maxItems,
		logger:   logger.With().Str("component", "news_gemini").Logger(),
		now:      time.Now,
	}
}

// FindContext prompts the model and parses its JSON answer.
func (g *Gemini) FindContext(ctx context.Context, instrument string, pct decimal.Decimal) ([]model.ContextItem, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := g.prompt(instrument, pct)
	raw, err := g.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	items, err := parseItems(raw)
	if err != nil {
		return nil, err
	}

	stamp := g.now().UTC()
	out := make([]model.ContextItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" && strings.TrimSpace(item.Title) == "" {
			continue
		}
		if item.Kind != model.ContextPost {
			item.Kind = model.ContextNews
		}
		if item.Language == "" {
			item.Language = "en"
		}
		item.Timestamp = stamp
		out = append(out, item)
		if len(out) == g.maxItems {
			break
		}
	}

	g.logger.Debug().Str("instrument", instrument).Int("items", len(out)).Msg("context generated")
	return out, nil
}

func (g *Gemini) prompt(instrument string, pct decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The market pair %s moved %s%% in the last few minutes.\n", instrument, pct.StringFixed(2))
	if g.catalog != nil {
		for lang, q := range g.catalog.Queries(instrument, pct) {
			fmt.Fprintf(&b, "Search terms (%s): %s\n", lang, q)
		}
	}
	fmt.Fprintf(&b, "List up to %d recent news headlines or social posts, in Portuguese (pt) or English (en), that could explain the move.\n", g.maxItems)
	b.WriteString(`Answer only with a JSON array of objects with the keys "type" ("news" or "post"), "language", "title", "content", "source" and "url".`)
	return b.String()
}

// parseItems decodes a JSON array, tolerating markdown code fences around it.
func parseItems(raw string) ([]model.ContextItem, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var items []model.ContextItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("decode gemini answer: %w", err)
	}
	return items, nil
}

var _ Provider = (*Gemini)(nil)
