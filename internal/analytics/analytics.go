// Package analytics computes lightweight messaging statistics from a
// window of recent messages. It is deliberately heuristic; the real
// sentiment work happens per conversation in the analysis package.
package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/AJCubed/tether/internal/types"
)

const topContactCount = 4

var weekdays = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

var positiveWords = []string{
	"love", "great", "amazing", "awesome", "good", "thanks", "thank you",
	"😂", "😊", "❤️", "!",
}

var negativeWords = []string{
	"sorry", "unfortunately", "problem", "issue", "bad", "not sure", "no", "can't",
}

// DayActivity is the message count for one weekday.
type DayActivity struct {
	Day      string `json:"day"`
	Messages int    `json:"messages"`
}

// SentimentSlice is one bucket of the keyword-sentiment breakdown, as a
// whole percentage of all messages in the window.
type SentimentSlice struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
	Fill  string `json:"fill"`
}

// TopContact is a contact ranked by message volume in the window.
type TopContact struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Sentiment string `json:"sentiment"`
	Frequency string `json:"frequency"`
}

// Report is the full analytics payload for the dashboard.
type Report struct {
	MessagesSent     int              `json:"messagesSent"`
	MessagesReceived int              `json:"messagesReceived"`
	AvgSentiment     int              `json:"avgSentiment"`
	ActiveContacts   int              `json:"activeContacts"`
	ActivityData     []DayActivity    `json:"activityData"`
	SentimentData    []SentimentSlice `json:"sentimentData"`
	TopContacts      []TopContact     `json:"topContacts"`
}

// Compute builds a Report from the given messages. Callers supply a
// recent window, typically the last seven days.
func Compute(messages []types.Message) Report {
	var sent, received int
	byDay := map[string]int{}
	counts := sentimentCounts{}
	type contactAgg struct {
		name  string
		count int
	}
	contacts := map[string]*contactAgg{}

	for _, m := range messages {
		if m.IsFromMe {
			sent++
		} else {
			received++
		}
		byDay[weekdays[m.Date.Weekday()]]++
		counts.add(m.Text)

		agg := contacts[m.Sender]
		if agg == nil {
			agg = &contactAgg{name: m.Sender}
			if m.SenderName != nil && *m.SenderName != "" {
				agg.name = *m.SenderName
			}
			contacts[m.Sender] = agg
		}
		agg.count++
	}

	activity := make([]DayActivity, len(weekdays))
	for i, day := range weekdays {
		activity[i] = DayActivity{Day: day, Messages: byDay[day]}
	}

	sentiment := counts.slices()

	senders := make([]string, 0, len(contacts))
	for sender := range contacts {
		senders = append(senders, sender)
	}
	sort.Slice(senders, func(i, j int) bool {
		a, b := contacts[senders[i]], contacts[senders[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return senders[i] < senders[j]
	})
	if len(senders) > topContactCount {
		senders = senders[:topContactCount]
	}
	top := make([]TopContact, 0, len(senders))
	for _, sender := range senders {
		agg := contacts[sender]
		top = append(top, TopContact{
			Name:      agg.name,
			Messages:  agg.count,
			Sentiment: "neutral",
			Frequency: frequencyLabel(agg.count),
		})
	}

	return Report{
		MessagesSent:     sent,
		MessagesReceived: received,
		AvgSentiment:     sentiment[0].Value,
		ActiveContacts:   len(contacts),
		ActivityData:     activity,
		SentimentData:    sentiment,
		TopContacts:      top,
	}
}

// Window reports the default analytics window start, one week before now.
func Window(now time.Time) time.Time {
	return now.AddDate(0, 0, -7)
}

type sentimentCounts struct {
	positive, neutral, negative int
}

func (c *sentimentCounts) add(text *string) {
	var s string
	if text != nil {
		s = strings.ToLower(*text)
	}
	if strings.TrimSpace(s) == "" {
		c.neutral++
		return
	}
	pos := containsAny(s, positiveWords)
	neg := containsAny(s, negativeWords)
	switch {
	case pos && !neg:
		c.positive++
	case neg && !pos:
		c.negative++
	default:
		c.neutral++
	}
}

func (c *sentimentCounts) slices() []SentimentSlice {
	total := c.positive + c.neutral + c.negative
	pct := func(n int) int {
		if total == 0 {
			return 0
		}
		return int(float64(n)/float64(total)*100 + 0.5)
	}
	return []SentimentSlice{
		{Name: "Positive", Value: pct(c.positive), Fill: "#10b981"},
		{Name: "Neutral", Value: pct(c.neutral), Fill: "#6b7280"},
		{Name: "Negative", Value: pct(c.negative), Fill: "#ef4444"},
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func frequencyLabel(count int) string {
	switch {
	case count > 20:
		return "Daily"
	case count > 10:
		return "3x/week"
	default:
		return "Weekly"
	}
}
