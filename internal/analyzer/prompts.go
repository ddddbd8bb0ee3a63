package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pentestfunctions/psychoshit/internal/metrics"
	"github.com/pentestfunctions/psychoshit/internal/profile"
)

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a behavioral analyst. You assess communication style and behavioral patterns from chat message samples.\n")
	b.WriteString("Respond with a single JSON object, no prose, matching exactly:\n")
	b.WriteString(fmt.Sprintf(`{"version": %d, "traits": {`, SchemaVersion))
	for i, name := range profile.TraitNames {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `%q: {"value": 0.0, "confidence": 0.0, "rationale": "..."}`, name)
	}
	b.WriteString(`}, "summary": "..."}`)
	b.WriteString("\n\nEvery trait is required. value is in [-1, 1], confidence in [0, 1].\n")
	b.WriteString("summary is a concise digest of the key findings to carry forward to the next iteration.\n")
	b.WriteString("Assess only communication style and behavioral patterns visible in the text.")
	return b.String()
}

// userPrompt renders one chunk request. The first chunk gets the initial
// framing; later chunks get the refinement framing carrying the accumulated
// profile forward.
func userPrompt(req Request) string {
	var b strings.Builder

	if req.ChunkIndex == 0 {
		fmt.Fprintf(&b, "Initial analysis of user %q. This is chunk 1 of %d of their message history.\n\n",
			req.Username, req.TotalChunks)
	} else {
		fmt.Fprintf(&b, "Refinement pass for user %q. This is chunk %d of %d.\n\n",
			req.Username, req.ChunkIndex+1, req.TotalChunks)
		b.WriteString("ACCUMULATED PROFILE SO FAR:\n")
		b.WriteString(req.ProfileSummary)
		b.WriteString("\n\nRefine the assessment: confirm or revise earlier findings against the new messages, and note genuinely new patterns.\n\n")
	}

	b.WriteString("CHUNK METRICS:\n")
	b.WriteString(metricsDigest(req.Local))
	b.WriteString("\nCUMULATIVE METRICS (all chunks so far):\n")
	b.WriteString(metricsDigest(req.Cumulative))

	fmt.Fprintf(&b, "\nMESSAGES (%d, chronological):\n", len(req.Messages))
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %q\n", m.Timestamp.UTC().Format("2006-01-02 15:04"), m.Content)
	}

	return b.String()
}

// metricsDigest renders a snapshot compactly enough to embed in a prompt.
func metricsDigest(s metrics.Snapshot) string {
	if s.MessageCount == 0 {
		return "(none)\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "messages=%d words=%d avg_length=%.1f length_stddev=%.1f span_days=%d active_days=%d\n",
		s.MessageCount, s.WordCount, s.LengthMean, math.Sqrt(s.LengthVariance()), s.SpanDays(), len(s.ActiveDays))
	fmt.Fprintf(&b, "question_ratio=%.2f exclaim_ratio=%.2f caps_ratio=%.2f emoji_per_msg=%.2f abbreviations=%d\n",
		s.QuestionRatio(), s.ExclamationRatio(), s.CapsRatio(), s.EmojiDensity(), s.AbbreviationCount)
	fmt.Fprintf(&b, "sentiment=%.2f volatility=%.2f night_owl=%.2f weekend=%.2f attachments=%d mentions=%d\n",
		s.SentimentScore(), s.VolatilityRate(), s.NightOwlRatio(), s.WeekendRatio(), s.AttachmentCount, len(s.Mentions))
	fmt.Fprintf(&b, "profanity=%.2f reply_ratio=%.2f repeated_chars=%.2f channels=%d\n",
		s.ProfanityRate(), s.ReplyRatio(), s.RepeatedCharRatio(), len(s.ChannelActivity))
	fmt.Fprintf(&b, "top_words=%s\n", strings.Join(topWords(s.Vocabulary, 10), ","))
	return b.String()
}

func topWords(vocab map[string]int, n int) []string {
	words := make([]string, 0, len(vocab))
	for w := range vocab {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if vocab[words[i]] != vocab[words[j]] {
			return vocab[words[i]] > vocab[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}
