// Package metrics computes deterministic behavioral statistics from message
// logs. Local computes a snapshot for one chunk; Merge folds chunk snapshots
// into a cumulative snapshot online, without re-scanning earlier messages.
//
// Invariant: merging local snapshots chunk by chunk is equivalent to
// computing one snapshot over all messages directly. Exact for counts,
// histograms, and sets; within a small epsilon for floating aggregates.
package metrics

import (
	"regexp"
	"strings"
	"time"

	"github.com/pentestfunctions/psychoshit/internal/store"
)

var (
	emojiPattern = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2600}-\x{27BF}]`)
	wordPattern  = regexp.MustCompile(`[a-z']+`)

	abbreviations  = []string{"lol", "omg", "btw", "tbh", "imo", "smh", "ngl", "fr", "rn"}
	positiveWords  = []string{"happy", "great", "awesome", "love", "amazing", "perfect", "wonderful", "excited", "joy", "fantastic"}
	negativeWords  = []string{"sad", "hate", "terrible", "awful", "depressed", "angry", "frustrated", "disappointed", "worried", "stressed"}
	profanityWords = []string{"damn", "hell", "shit", "fuck", "crap", "bitch", "bastard", "asshole"}
)

// Snapshot is an immutable feature vector over a span of messages, either
// one chunk or cumulative through a chunk index.
type Snapshot struct {
	MessageCount int `json:"message_count"`
	WordCount    int `json:"word_count"`
	CharCount    int `json:"char_count"`

	// Running mean and sum of squared deviations of message length,
	// mergeable via the parallel-variance formula.
	LengthMean float64 `json:"length_mean"`
	LengthM2   float64 `json:"length_m2"`

	HourHistogram    [24]int `json:"hour_histogram"`
	WeekdayHistogram [7]int  `json:"weekday_histogram"`

	QuestionMessages    int `json:"question_messages"`
	ExclamationMessages int `json:"exclamation_messages"`
	CapsMessages        int `json:"caps_messages"`
	EmojiCount          int `json:"emoji_count"`
	AbbreviationCount   int `json:"abbreviation_count"`
	AttachmentCount     int `json:"attachment_count"`
	ProfanityHits       int `json:"profanity_hits"`

	// RepeatedCharMessages counts messages with a run of three or more of
	// the same character ("sooooo", "!!!!"), a casual-typing indicator.
	RepeatedCharMessages int `json:"repeated_char_messages"`
	ReplyMessages        int `json:"reply_messages"`

	Vocabulary      map[string]int `json:"vocabulary"`
	Mentions        map[string]int `json:"mentions"`
	ActiveDays      map[string]int `json:"active_days"`
	ChannelActivity map[string]int `json:"channel_activity"`

	PositiveHits int `json:"positive_hits"`
	NegativeHits int `json:"negative_hits"`

	// ToneFlips counts sign changes of per-message tone between
	// consecutive messages. FirstTone/LastTone carry the boundary values
	// so flips across a chunk seam are counted exactly once by Merge.
	ToneFlips int `json:"tone_flips"`
	FirstTone int `json:"first_tone"`
	LastTone  int `json:"last_tone"`

	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Local computes a snapshot over one ordered span of messages.
func Local(msgs []store.Message) Snapshot {
	snap := Snapshot{
		Vocabulary:      make(map[string]int),
		Mentions:        make(map[string]int),
		ActiveDays:      make(map[string]int),
		ChannelActivity: make(map[string]int),
	}

	prevTone := 0
	for i, m := range msgs {
		content := m.Content
		ts := m.Timestamp.UTC()

		snap.MessageCount++
		snap.CharCount += len(content)

		n := float64(snap.MessageCount)
		delta := float64(len(content)) - snap.LengthMean
		snap.LengthMean += delta / n
		snap.LengthM2 += delta * (float64(len(content)) - snap.LengthMean)

		snap.HourHistogram[ts.Hour()]++
		snap.WeekdayHistogram[int(ts.Weekday())]++
		snap.ActiveDays[ts.Format("2006-01-02")]++

		if strings.Contains(content, "?") {
			snap.QuestionMessages++
		}
		if strings.Contains(content, "!") {
			snap.ExclamationMessages++
		}
		if len(content) > 2 && content == strings.ToUpper(content) && content != strings.ToLower(content) {
			snap.CapsMessages++
		}
		snap.EmojiCount += len(emojiPattern.FindAllString(content, -1))

		lower := strings.ToLower(content)
		for _, abbr := range abbreviations {
			snap.AbbreviationCount += strings.Count(lower, abbr)
		}
		for _, w := range profanityWords {
			snap.ProfanityHits += strings.Count(lower, w)
		}
		if hasRepeatedRun(content) {
			snap.RepeatedCharMessages++
		}
		if m.IsReply {
			snap.ReplyMessages++
		}
		snap.ChannelActivity[m.ChannelID]++

		for _, w := range wordPattern.FindAllString(lower, -1) {
			snap.WordCount++
			if len(w) >= 3 {
				snap.Vocabulary[w]++
			}
		}

		for _, id := range m.MentionIDs() {
			snap.Mentions[id]++
		}
		if m.HasAttachment {
			snap.AttachmentCount++
		}

		pos, neg := 0, 0
		for _, w := range positiveWords {
			pos += strings.Count(lower, w)
		}
		for _, w := range negativeWords {
			neg += strings.Count(lower, w)
		}
		snap.PositiveHits += pos
		snap.NegativeHits += neg

		tone := pos - neg
		if i == 0 {
			snap.FirstTone = tone
		} else if (tone > 0) != (prevTone > 0) {
			snap.ToneFlips++
		}
		prevTone = tone
		snap.LastTone = tone

		if snap.First.IsZero() || ts.Before(snap.First) {
			snap.First = ts
		}
		if ts.After(snap.Last) {
			snap.Last = ts
		}
	}

	return snap
}

// Merge folds a local snapshot into a cumulative one, producing a new
// snapshot. Inputs are not mutated. The local snapshot must cover messages
// strictly after those of the cumulative snapshot.
func Merge(cumulative, local Snapshot) Snapshot {
	if cumulative.MessageCount == 0 {
		return local.clone()
	}
	if local.MessageCount == 0 {
		return cumulative.clone()
	}

	next := cumulative.clone()

	// Parallel mean/variance combination (Chan et al.).
	nA := float64(cumulative.MessageCount)
	nB := float64(local.MessageCount)
	delta := local.LengthMean - cumulative.LengthMean
	next.LengthMean = cumulative.LengthMean + delta*nB/(nA+nB)
	next.LengthM2 = cumulative.LengthM2 + local.LengthM2 + delta*delta*nA*nB/(nA+nB)

	next.MessageCount += local.MessageCount
	next.WordCount += local.WordCount
	next.CharCount += local.CharCount

	for h, c := range local.HourHistogram {
		next.HourHistogram[h] += c
	}
	for d, c := range local.WeekdayHistogram {
		next.WeekdayHistogram[d] += c
	}

	next.QuestionMessages += local.QuestionMessages
	next.ExclamationMessages += local.ExclamationMessages
	next.CapsMessages += local.CapsMessages
	next.EmojiCount += local.EmojiCount
	next.AbbreviationCount += local.AbbreviationCount
	next.AttachmentCount += local.AttachmentCount
	next.ProfanityHits += local.ProfanityHits
	next.RepeatedCharMessages += local.RepeatedCharMessages
	next.ReplyMessages += local.ReplyMessages
	next.PositiveHits += local.PositiveHits
	next.NegativeHits += local.NegativeHits

	for w, c := range local.Vocabulary {
		next.Vocabulary[w] += c
	}
	for id, c := range local.Mentions {
		next.Mentions[id] += c
	}
	for day, c := range local.ActiveDays {
		next.ActiveDays[day] += c
	}
	for ch, c := range local.ChannelActivity {
		next.ChannelActivity[ch] += c
	}

	// Flips inside each span, plus the seam between them.
	next.ToneFlips = cumulative.ToneFlips + local.ToneFlips
	if (cumulative.LastTone > 0) != (local.FirstTone > 0) {
		next.ToneFlips++
	}
	next.FirstTone = cumulative.FirstTone
	next.LastTone = local.LastTone

	if next.First.IsZero() || (!local.First.IsZero() && local.First.Before(next.First)) {
		next.First = local.First
	}
	if local.Last.After(next.Last) {
		next.Last = local.Last
	}

	return next
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Vocabulary = make(map[string]int, len(s.Vocabulary))
	for w, c := range s.Vocabulary {
		out.Vocabulary[w] = c
	}
	out.Mentions = make(map[string]int, len(s.Mentions))
	for id, c := range s.Mentions {
		out.Mentions[id] = c
	}
	out.ActiveDays = make(map[string]int, len(s.ActiveDays))
	for day, c := range s.ActiveDays {
		out.ActiveDays[day] = c
	}
	out.ChannelActivity = make(map[string]int, len(s.ChannelActivity))
	for ch, c := range s.ChannelActivity {
		out.ChannelActivity[ch] = c
	}
	return out
}

// hasRepeatedRun reports whether the text contains the same rune three or
// more times in a row.
func hasRepeatedRun(text string) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
			if run >= 3 {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

// Derived ratios. All are safe on an empty snapshot.

// LengthVariance is the population variance of message length.
func (s Snapshot) LengthVariance() float64 {
	if s.MessageCount == 0 {
		return 0
	}
	return s.LengthM2 / float64(s.MessageCount)
}

// QuestionRatio is the share of messages containing a question mark.
func (s Snapshot) QuestionRatio() float64 { return s.ratio(s.QuestionMessages) }

// ExclamationRatio is the share of messages containing an exclamation mark.
func (s Snapshot) ExclamationRatio() float64 { return s.ratio(s.ExclamationMessages) }

// CapsRatio is the share of all-caps messages.
func (s Snapshot) CapsRatio() float64 { return s.ratio(s.CapsMessages) }

// EmojiDensity is emoji per message.
func (s Snapshot) EmojiDensity() float64 { return s.ratio(s.EmojiCount) }

// VolatilityRate is tone sign flips per message.
func (s Snapshot) VolatilityRate() float64 { return s.ratio(s.ToneFlips) }

// ProfanityRate is profanity lexicon hits per message.
func (s Snapshot) ProfanityRate() float64 { return s.ratio(s.ProfanityHits) }

// ReplyRatio is the share of messages that reply to another message.
func (s Snapshot) ReplyRatio() float64 { return s.ratio(s.ReplyMessages) }

// RepeatedCharRatio is the share of messages with a repeated-character run.
func (s Snapshot) RepeatedCharRatio() float64 { return s.ratio(s.RepeatedCharMessages) }

// SentimentScore is net lexicon hits per message.
func (s Snapshot) SentimentScore() float64 {
	return s.ratio(s.PositiveHits - s.NegativeHits)
}

// NightOwlRatio is the share of messages sent between 22:00 and 06:00 UTC.
func (s Snapshot) NightOwlRatio() float64 {
	n := s.HourHistogram[22] + s.HourHistogram[23]
	for h := 0; h < 6; h++ {
		n += s.HourHistogram[h]
	}
	return s.ratio(n)
}

// WeekendRatio is the share of messages sent on Saturday or Sunday.
func (s Snapshot) WeekendRatio() float64 {
	return s.ratio(s.WeekdayHistogram[time.Saturday] + s.WeekdayHistogram[time.Sunday])
}

// SpanDays is the number of days between the first and last message.
func (s Snapshot) SpanDays() int {
	if s.First.IsZero() || s.Last.IsZero() {
		return 0
	}
	return int(s.Last.Sub(s.First).Hours() / 24)
}

func (s Snapshot) ratio(n int) float64 {
	if s.MessageCount == 0 {
		return 0
	}
	return float64(n) / float64(s.MessageCount)
}
