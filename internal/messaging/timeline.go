package messaging

import (
	"sort"
	"strings"

	"github.com/iago/painel-back/internal/crawl"
)

// Pairing links a tagged request to the first tracked-user message after it.
type Pairing struct {
	Request  crawl.Message
	Response crawl.Message
}

// matcher decides who is tracked and which messages are tagged requests.
type matcher struct {
	tracked map[string]bool
	tags    []string
}

func newMatcher(trackedUsers []string, requestTags []string) matcher {
	m := matcher{tracked: make(map[string]bool, len(trackedUsers))}
	for _, user := range trackedUsers {
		if user = strings.TrimSpace(user); user != "" {
			m.tracked[user] = true
		}
	}
	for _, tag := range requestTags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			m.tags = append(m.tags, tag)
		}
	}
	return m
}

func (m matcher) isTracked(message crawl.Message) bool {
	return isHuman(message) && m.tracked[message.User]
}

// isRequest reports whether message asks for help: a human outside the
// tracked set who either mentions a tracked user or uses a request tag.
func (m matcher) isRequest(message crawl.Message) bool {
	if !isHuman(message) || m.tracked[message.User] || len(m.tracked) == 0 {
		return false
	}
	text := strings.ToLower(message.Text)
	for _, tag := range m.tags {
		if strings.Contains(text, tag) {
			return true
		}
	}
	for user := range m.tracked {
		if strings.Contains(message.Text, "<@"+user+">") {
			return true
		}
	}
	return false
}

// countsResponder reports whether a reply counts towards a user's answered
// threads. With no tracked users every human counts.
func (m matcher) countsResponder(message crawl.Message) bool {
	if !isHuman(message) {
		return false
	}
	return len(m.tracked) == 0 || m.tracked[message.User]
}

func isHuman(message crawl.Message) bool {
	return message.User != "" && message.BotID == "" && message.Subtype != "bot_message"
}

// sortTimeline orders messages by timestamp and drops duplicates sharing a ts,
// as a thread parent shows up both in history and in its replies.
func sortTimeline(messages []crawl.Message) []crawl.Message {
	seen := make(map[string]bool, len(messages))
	timeline := make([]crawl.Message, 0, len(messages))
	for _, message := range messages {
		if message.TS == "" || seen[message.TS] {
			continue
		}
		seen[message.TS] = true
		timeline = append(timeline, message)
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		left, right := timeline[i].Time(), timeline[j].Time()
		if !left.Equal(right) {
			return left.Before(right)
		}
		return timeline[i].TS < timeline[j].TS
	})
	return timeline
}

// pairFirstResponses makes one time-ordered pass over timeline. Pending
// requests wait in a FIFO queue; each tracked-user message resolves the
// oldest pending request.
func pairFirstResponses(timeline []crawl.Message, m matcher) (requests int, pairings []Pairing) {
	pending := make([]crawl.Message, 0)
	for _, message := range timeline {
		switch {
		case m.isRequest(message):
			requests++
			pending = append(pending, message)
		case m.isTracked(message) && len(pending) > 0:
			pairings = append(pairings, Pairing{Request: pending[0], Response: message})
			pending = pending[1:]
		}
	}
	return requests, pairings
}
