// Package usecase contains the orchestrator's application logic: message
// classification, the budget governor, the group queue, the message
// pipeline, the scheduler loop and the smart-job runner.
package usecase

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// Model names accepted by the budget governor and container runner.
const (
	ModelHaiku  = "haiku"
	ModelSonnet = "sonnet"
	ModelOpus   = "opus"
)

// Messages longer than this always go to the full container tier.
const longMessageThreshold = 500

var (
	// Greeting and thanks match at start-of-string only.
	greetingRe = regexp.MustCompile(`(?i)^(hello|hi|hey|yo|good\s+(morning|afternoon|evening)|สวัสดี|หวัดดี)`)
	thanksRe   = regexp.MustCompile(`(?i)^(thanks|thank\s+you|thx|ty\b|ขอบคุณ)`)
	// Acks must cover the entire trimmed string, trailing punctuation aside.
	ackRe = regexp.MustCompile(`(?i)^(ok(ay)?|kk+|got\s+it|sure|yes|yep|yeah|no|nope|noted|nice|cool|ครับ|ค่ะ|คับ|โอเค|ได้)[\s.!?…~]*$`)

	adminCmdRe = regexp.MustCompile(`^/(start|help|status|clear|reset|budget|tasks|groups)\b`)

	knowledgeRe = regexp.MustCompile(`(?i)(^search\b|look\s+up|remember\s+(that|this)|don'?t\s+forget|what\s+did\s+(we|i|you)\s+say|do\s+you\s+remember|recall\b|ค้นหา|จำไว้|จำได้)`)

	codeRe = regexp.MustCompile("(?i)(`|\\b(function|func|def|class|import|return|const|regex|sql|json|script|compile|stacktrace|fizzbuzz)\\b)")

	analysisRe = regexp.MustCompile(`(?i)\b(analyze|analyse|explain|compare|summari[sz]e|review|debug|investigate|why\s+does|how\s+does|วิเคราะห์|อธิบาย)\b`)
)

// Classify maps one message to a handler tier and model. It is a pure
// function of the trimmed text: same input, same verdict.
func Classify(text string) domain.Classification {
	trimmed := strings.TrimSpace(text)

	if adminCmdRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierInline, Model: ModelHaiku, Reason: "admin-cmd"}
	}

	// Length wins over every other marker.
	if utf8.RuneCountInString(trimmed) > longMessageThreshold {
		return domain.Classification{Tier: domain.TierContainerFull, Model: ModelSonnet, Reason: "analysis"}
	}

	if ackRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierInline, Model: ModelHaiku, Reason: "ack"}
	}
	if greetingRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierInline, Model: ModelHaiku, Reason: "greeting"}
	}
	if thanksRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierInline, Model: ModelHaiku, Reason: "thanks"}
	}

	if knowledgeRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierOracleOnly, Model: ModelHaiku, Reason: "knowledge"}
	}

	if codeRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierContainerFull, Model: ModelSonnet, Reason: "code"}
	}
	if analysisRe.MatchString(trimmed) {
		return domain.Classification{Tier: domain.TierContainerFull, Model: ModelSonnet, Reason: "analysis"}
	}

	return domain.Classification{Tier: domain.TierContainerLight, Model: ModelHaiku, Reason: "general"}
}
