// Package title derives a human-readable session title from the latest
// user/assistant exchange. Generation is deterministic and idempotent:
// the same message list always yields the same title, and an incomplete
// exchange yields no title at all.
package title

import (
	"strings"
	"unicode"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// DefaultTitle is used when nothing usable can be derived.
const DefaultTitle = "新会话"

const (
	maxTitleRunes = 18
	maxPhrases    = 6
	maxKeywords   = 2
	keywordJoin   = "·"
	ellipsis      = "…"
)

// phraseBoundaries are the sentence/clause delimiters candidate phrases are
// split on. Both CJK and ASCII punctuation count.
const phraseBoundaries = "。．.!！?？;；,，、:：\n\r"

// edgeTrimSet strips decoration from phrase edges before judging them.
const edgeTrimSet = "…。．.!！?？;；,，、:： \t\"'“”‘’（）()[]【】<>《》"

// leadIns are politeness openers stripped from the start of a phrase. The
// English entries include their trailing space so mid-word prefixes never
// match. Order matters: longer openers are listed before their prefixes.
var leadIns = []string{
	"请帮我", "请给我", "麻烦你", "麻烦", "请问", "请", "帮我", "帮忙",
	"我想要", "我想", "我要", "给我", "能不能", "能否", "可不可以",
	"please ", "pls ", "could you ", "can you ", "would you ",
	"help me ", "i want to ", "i need to ", "how do i ", "how to ",
}

// genericBlocklist rejects phrases that could title any conversation.
var genericBlocklist = map[string]struct{}{
	"你好": {}, "您好": {}, "在吗": {}, "哈喽": {},
	"hello": {}, "hi": {}, "hey": {},
	"谢谢": {}, "thanks": {}, "thank you": {},
	"好的": {}, "好": {}, "嗯": {}, "ok": {}, "okay": {},
	"yes": {}, "no": {}, "是的": {}, "不是": {},
	"test": {}, "测试": {}, "继续": {}, "continue": {},
}

// Generate derives a title from the most recent completed exchange: the
// latest non-empty user message and the nearest following non-empty
// assistant message. When either half is missing it returns "" and the
// caller must leave the existing title untouched.
func Generate(messages []types.Message) string {
	userIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser && strings.TrimSpace(messages[i].Content) != "" {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return ""
	}

	var assistant string
	for i := userIdx + 1; i < len(messages); i++ {
		if messages[i].Role == types.RoleAssistant && strings.TrimSpace(messages[i].Content) != "" {
			assistant = messages[i].Content
			break
		}
	}
	if assistant == "" {
		return ""
	}

	user := messages[userIdx].Content
	userPhrases := splitPhrases(user)
	assistantPhrases := splitPhrases(assistant)

	// User-side phrases are preferred keyword sources: the question names
	// the topic more often than the answer does.
	keywords := make([]string, 0, maxKeywords)
	seen := make(map[string]struct{})
	for _, phrase := range append(append([]string{}, userPhrases...), assistantPhrases...) {
		if len(keywords) >= maxKeywords {
			break
		}
		candidate := stripLeadIns(phrase)
		if candidate == "" || isGeneric(candidate) || !isInformative(candidate) {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		keywords = append(keywords, candidate)
	}

	result := strings.Join(keywords, keywordJoin)
	if result == "" {
		if len(userPhrases) > 0 {
			result = userPhrases[0]
		} else {
			result = normalize(user)
		}
	}

	result = truncate(result)
	if result == "" {
		return DefaultTitle
	}
	return result
}

// normalize collapses a raw content blob to one line.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// splitPhrases breaks content into up to maxPhrases short candidates on
// sentence/clause boundaries.
func splitPhrases(content string) []string {
	parts := strings.FieldsFunc(content, func(r rune) bool {
		return strings.ContainsRune(phraseBoundaries, r)
	})
	phrases := make([]string, 0, maxPhrases)
	for _, part := range parts {
		trimmed := strings.Trim(part, edgeTrimSet)
		if trimmed == "" {
			continue
		}
		phrases = append(phrases, trimmed)
		if len(phrases) == maxPhrases {
			break
		}
	}
	return phrases
}

// stripLeadIns removes politeness openers from the start of a phrase,
// repeating until none applies (stacked openers like "麻烦请帮我" need
// more than one pass).
func stripLeadIns(phrase string) string {
	current := strings.Trim(phrase, edgeTrimSet)
	for {
		stripped := false
		lower := strings.ToLower(current)
		for _, lead := range leadIns {
			if strings.HasPrefix(lower, lead) {
				current = strings.TrimLeft(current[len(lead):], " \t")
				stripped = true
				break
			}
		}
		if !stripped || current == "" {
			return current
		}
	}
}

func isGeneric(phrase string) bool {
	_, blocked := genericBlocklist[strings.ToLower(phrase)]
	return blocked
}

// isInformative rejects phrases with fewer than 2 CJK ideographs and no
// alphanumeric token of length >= 3.
func isInformative(phrase string) bool {
	cjk := 0
	for _, r := range phrase {
		if unicode.Is(unicode.Han, r) {
			cjk++
			if cjk >= 2 {
				return true
			}
		}
	}

	runLen := 0
	for _, r := range phrase {
		if r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			runLen++
			if runLen >= 3 {
				return true
			}
		} else {
			runLen = 0
		}
	}
	return false
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxTitleRunes {
		return s
	}
	return string(runes[:maxTitleRunes]) + ellipsis
}
