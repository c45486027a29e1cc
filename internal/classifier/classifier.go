// Package classifier turns primary-source verification results into
// structured credentialing decisions using a language model.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

// classifyTimeout caps one model call end to end, including any transport
// retries the client is configured with.
const classifyTimeout = 30 * time.Second

// Input bundles everything one classification looks at.
type Input struct {
	Kind     schemas.WorkflowKind
	Provider schemas.Provider
	Result   *schemas.GatewayResult
	// Context carries free-form hints for the model, such as the step name
	// or prior findings. Optional.
	Context map[string]any
}

// Classifier produces an AIDecision from a gateway result. Each invocation
// makes exactly one model call; every failure mode collapses into the
// deterministic manual-review fallback instead of an error.
type Classifier struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// New builds a Classifier over the given model client.
func New(llm schemas.LLMClient, logger *zap.Logger) *Classifier {
	return &Classifier{
		llm:    llm,
		logger: logger.Named("classifier"),
	}
}

// Classify judges one verification result. The returned decision is always
// non-nil and always inside the allowed set for the workflow kind.
func (c *Classifier) Classify(ctx context.Context, in Input) *schemas.AIDecision {
	userPrompt, err := buildUserPrompt(in)
	if err != nil {
		c.logger.Error("Failed to serialize classification subject", zap.Error(err))
		return fallback("classification input could not be serialized")
	}

	apiCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	}

	response, err := c.llm.Generate(apiCtx, req)
	if err != nil {
		c.logger.Warn("Classifier model call failed",
			zap.String("workflow_kind", string(in.Kind)),
			zap.Error(err))
		return fallback("classifier transport failed")
	}

	decision, err := c.parseDecision(response)
	if err != nil {
		c.logger.Warn("Classifier returned unusable output",
			zap.String("workflow_kind", string(in.Kind)),
			zap.Error(err))
		return fallback("classifier output was not valid JSON")
	}

	if err := validateDecision(decision, in.Kind); err != nil {
		c.logger.Warn("Classifier verdict rejected",
			zap.String("workflow_kind", string(in.Kind)),
			zap.String("decision", string(decision.Decision)),
			zap.Error(err))
		return fallback("classifier verdict failed validation")
	}

	// Confidence stays inside [0, 1].
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}

	c.logger.Info("Classification complete",
		zap.String("workflow_kind", string(in.Kind)),
		zap.String("decision", string(decision.Decision)),
		zap.Float64("confidence", decision.Confidence))
	return decision
}

// fallback is the deterministic verdict substituted for any classification
// failure. The orchestrator treats it like any other requires_review
// decision.
func fallback(cause string) *schemas.AIDecision {
	return &schemas.AIDecision{
		Decision:        schemas.DecisionRequiresReview,
		Confidence:      0,
		Reasoning:       cause + ". Manual review required.",
		IssuesFound:     []string{"classifier unavailable"},
		Recommendations: []string{"manual review"},
	}
}

// buildUserPrompt serializes the subject and result into the compact JSON
// block the model is asked to judge.
func buildUserPrompt(in Input) (string, error) {
	payload := struct {
		Provider schemas.Provider       `json:"provider"`
		Result   *schemas.GatewayResult `json:"result"`
		Context  map[string]any         `json:"context,omitempty"`
	}{
		Provider: in.Provider,
		Result:   in.Result,
		Context:  in.Context,
	}

	subject, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal classification subject: %w", err)
	}

	return fmt.Sprintf(`Verification workflow: %s

Subject and primary-source result (JSON):
%s

Classify this verification result. Respond with a single JSON object.`, in.Kind, string(subject)), nil
}

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// parseDecision robustly extracts the verdict from the model's response,
// handling markdown code blocks or raw JSON.
func (c *Classifier) parseDecision(response string) (*schemas.AIDecision, error) {
	response = strings.TrimSpace(response)
	var jsonStringToParse string

	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		jsonStringToParse = strings.TrimSpace(matches[1])
	} else {
		firstBracket := strings.Index(response, "{")
		lastBracket := strings.LastIndex(response, "}")
		if firstBracket != -1 && lastBracket != -1 && lastBracket > firstBracket {
			jsonStringToParse = response[firstBracket : lastBracket+1]
		} else {
			jsonStringToParse = response
		}
	}

	if jsonStringToParse == "" {
		return nil, fmt.Errorf("could not find any JSON in the model response")
	}

	var decision schemas.AIDecision
	if err := json.Unmarshal([]byte(jsonStringToParse), &decision); err != nil {
		c.logger.Warn("Failed to unmarshal model response",
			zap.String("raw_response", response),
			zap.String("extracted_json", jsonStringToParse),
			zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}
	return &decision, nil
}

// validateDecision enforces the closed decision vocabulary. in_progress is
// only admitted for workflow kinds that opt in.
func validateDecision(d *schemas.AIDecision, kind schemas.WorkflowKind) error {
	allowed := false
	for _, candidate := range kind.AllowedDecisions() {
		if d.Decision == candidate {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("decision %q is not allowed for the %s workflow", d.Decision, kind)
	}

	if strings.TrimSpace(d.Reasoning) == "" {
		return fmt.Errorf("verdict carries no reasoning")
	}
	return nil
}
