// Package suggest turns accepted customer utterances into short advisory
// texts for the agent dashboard, behind a per-call cool-down.
package suggest

import "context"

// Advisor is the black-box advisory-text generator. Implementations take
// the call id and the latest customer utterance and return a short string.
type Advisor interface {
	Name() string
	Advise(ctx context.Context, callID, utterance string) (string, error)
}

const systemPrompt = "You assist a live call-center agent. Given the " +
	"customer's latest utterance, reply with one short, concrete " +
	"suggestion for what the agent should say or do next. One sentence, " +
	"no preamble."
