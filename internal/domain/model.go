package domain

// DefaultModel is the model used when a request names no model or an
// unsupported one, and the substitute when the backend reports the requested
// model unavailable for a call.
const DefaultModel = "gemini-2.5-flash-image"

// modelCosts maps supported model identifiers to their per-image credit cost.
var modelCosts = map[string]int{
	"gemini-2.5-flash-image": 1,
	"gemini-2.0-flash-image": 1,
	"gemini-2.5-pro-image":   5,
}

// DefaultAspectRatio is applied when the requested ratio is absent or unsupported.
const DefaultAspectRatio = "4:3"

var supportedAspectRatios = map[string]struct{}{
	"1:1": {}, "3:4": {}, "4:3": {}, "9:16": {}, "16:9": {},
	"3:2": {}, "2:3": {}, "21:9": {}, "9:21": {}, "4:5": {},
}

// SupportedModel reports whether the model identifier is in the catalog.
func SupportedModel(model string) bool {
	_, ok := modelCosts[model]
	return ok
}

// ModelUnitCost returns the per-image credit cost for a model. Unknown models
// cost the same as the default model.
func ModelUnitCost(model string) int {
	if cost, ok := modelCosts[model]; ok {
		return cost
	}
	return modelCosts[DefaultModel]
}

// SupportedAspectRatio reports whether the ratio is accepted by the backend.
func SupportedAspectRatio(ratio string) bool {
	_, ok := supportedAspectRatios[ratio]
	return ok
}
