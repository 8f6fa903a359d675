package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/providers/genai"
)

// ErrNoResults is returned when every attempted generation call failed.
var ErrNoResults = errors.New("image: generation produced no results")

// imageClient is the slice of the genai client the generator needs.
type imageClient interface {
	GenerateImage(ctx context.Context, req genai.ImageRequest) (*genai.ImageResult, error)
}

// GeminiGenerator produces variants through the Gemini image API. Each of the
// Count calls is independent: a failed call is dropped from the results, and a
// model reported unavailable is substituted with the default model for that
// call only. The batch fails only when every call failed.
type GeminiGenerator struct {
	client imageClient
	log    zerolog.Logger
}

// NewGeminiGenerator builds a generator over the given client.
func NewGeminiGenerator(client imageClient, log zerolog.Logger) *GeminiGenerator {
	return &GeminiGenerator{client: client, log: log}
}

// Generate runs req.Count generation calls and returns whatever succeeded.
func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) ([]Result, error) {
	model := req.Model
	if !domain.SupportedModel(model) {
		g.log.Warn().
			Str("request_id", req.RequestID).
			Str("model", model).
			Msg("image: unsupported model, using default")
		model = domain.DefaultModel
	}

	aspect := req.AspectRatio
	if !domain.SupportedAspectRatio(aspect) {
		g.log.Warn().
			Str("request_id", req.RequestID).
			Str("aspect_ratio", aspect).
			Msg("image: unsupported aspect ratio, using default")
		aspect = domain.DefaultAspectRatio
	}

	count := req.Count
	if count < 1 {
		count = 1
	}

	var results []Result
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := g.generateOne(ctx, req, model, aspect, i)
		if err != nil {
			g.log.Error().
				Err(err).
				Str("request_id", req.RequestID).
				Int("index", i).
				Msg("image: generation call failed")
			continue
		}
		results = append(results, Result{
			Data:        res.Data,
			Format:      res.Format,
			Description: res.Description,
			Index:       i,
			ModelUsed:   res.Model,
		})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %d calls attempted", ErrNoResults, count)
	}
	return results, nil
}

func (g *GeminiGenerator) generateOne(ctx context.Context, req GenerateRequest, model, aspect string, number int) (*genai.ImageResult, error) {
	call := genai.ImageRequest{
		Model:       model,
		Prompt:      BuildVariationPrompt(req.Prompt, number),
		SourceImage: req.SourceImage,
		SourceMIME:  req.SourceMIME,
		AspectRatio: aspect,
		RequestID:   req.RequestID,
	}

	res, err := g.client.GenerateImage(ctx, call)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, genai.ErrModelUnavailable) || model == domain.DefaultModel {
		return nil, err
	}

	g.log.Warn().
		Str("request_id", req.RequestID).
		Str("model", model).
		Str("fallback", domain.DefaultModel).
		Int("index", number).
		Msg("image: model unavailable, falling back to default for this call")

	call.Model = domain.DefaultModel
	return g.client.GenerateImage(ctx, call)
}

var _ Generator = (*GeminiGenerator)(nil)
