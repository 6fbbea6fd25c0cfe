package task

import (
	"context"

	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/planformat"
)

// callStructured invokes the gateway expecting a JSON-shaped reply and
// decodes it into out. On a parse failure it performs the single
// auto-reprompt spec §9 names (same prompt plus a "format strictly"
// reminder); a second failure surfaces *llmgateway.ErrParseError. Used by
// every node whose output must be machine-parsed: Router, Architect,
// Supervisor, BoardChair.
func callStructured(ctx context.Context, gw *llmgateway.Gateway, role llmgateway.Role, modelID, system, user string, out any) (llmgateway.Usage, error) {
	res, err := callLLM(ctx, gw, role, modelID, system, user)
	if err != nil {
		return llmgateway.Usage{}, err
	}
	if perr := planformat.Unmarshal(res.Text, out); perr == nil {
		return res.Usage, nil
	}

	res2, err2 := callLLM(ctx, gw, role, modelID, system, user+planformat.ReformatReminder)
	if err2 != nil {
		return res.Usage, err2
	}
	total := addUsage(res.Usage, res2.Usage)
	if perr2 := planformat.Unmarshal(res2.Text, out); perr2 != nil {
		return total, &llmgateway.ErrParseError{Role: role, Raw: res2.Text, Err: perr2}
	}
	return total, nil
}
