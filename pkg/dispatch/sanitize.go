package dispatch

import (
	"strings"

	"github.com/dotsetgreg/heartcore/pkg/bus"
)

// BasicSanitizer is the default Sanitizer: drops command invocations and
// sub-threshold noise, normalizes whitespace, and flags direct address by
// any of the configured bot nicknames as a wake signal.
type BasicSanitizer struct {
	commandPrefixes []string
	nicknames       []string
	minLength       int
}

func NewBasicSanitizer(commandPrefixes, nicknames []string, minLength int) *BasicSanitizer {
	lowered := make([]string, 0, len(nicknames))
	for _, n := range nicknames {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			lowered = append(lowered, n)
		}
	}
	return &BasicSanitizer{
		commandPrefixes: commandPrefixes,
		nicknames:       lowered,
		minLength:       minLength,
	}
}

func (s *BasicSanitizer) Filter(raw bus.InboundMessage) (bus.InboundMessage, bool) {
	clean := raw
	clean.Content = strings.TrimSpace(raw.Content)

	if clean.Content == "" && len(clean.Attachments) == 0 {
		return clean, true
	}
	for _, prefix := range s.commandPrefixes {
		if prefix != "" && strings.HasPrefix(clean.Content, prefix) {
			return clean, true
		}
	}
	if len([]rune(clean.Content)) < s.minLength && len(clean.Attachments) == 0 {
		return clean, true
	}

	if !clean.Wake {
		lower := strings.ToLower(clean.Content)
		for _, nick := range s.nicknames {
			if strings.Contains(lower, nick) {
				clean.Wake = true
				break
			}
		}
	}
	return clean, false
}
