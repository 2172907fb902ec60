package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dotsetgreg/heartcore/pkg/bus"
)

func TestBasicSanitizer_DropsCommands(t *testing.T) {
	s := NewBasicSanitizer([]string{"/", "!"}, nil, 1)

	_, drop := s.Filter(bus.InboundMessage{Content: "/help"})
	assert.True(t, drop)
	_, drop = s.Filter(bus.InboundMessage{Content: "!ban carol"})
	assert.True(t, drop)
	_, drop = s.Filter(bus.InboundMessage{Content: "hello"})
	assert.False(t, drop)
}

func TestBasicSanitizer_DropsEmptyAndShort(t *testing.T) {
	s := NewBasicSanitizer(nil, nil, 3)

	_, drop := s.Filter(bus.InboundMessage{Content: "   "})
	assert.True(t, drop)
	_, drop = s.Filter(bus.InboundMessage{Content: "ok"})
	assert.True(t, drop)
	_, drop = s.Filter(bus.InboundMessage{Content: "okay"})
	assert.False(t, drop)
}

func TestBasicSanitizer_AttachmentsRescueShortMessages(t *testing.T) {
	s := NewBasicSanitizer(nil, nil, 5)

	clean, drop := s.Filter(bus.InboundMessage{Content: "", Attachments: []string{"cat.png"}})
	assert.False(t, drop)
	assert.Empty(t, clean.Content)
}

func TestBasicSanitizer_NicknameSetsWake(t *testing.T) {
	s := NewBasicSanitizer(nil, []string{"Heart", "hc"}, 1)

	clean, drop := s.Filter(bus.InboundMessage{Content: "hey heart, got a sec?"})
	assert.False(t, drop)
	assert.True(t, clean.Wake)

	clean, drop = s.Filter(bus.InboundMessage{Content: "nothing to see here"})
	assert.False(t, drop)
	assert.False(t, clean.Wake)
}

func TestBasicSanitizer_TrimsWhitespace(t *testing.T) {
	s := NewBasicSanitizer(nil, nil, 1)

	clean, drop := s.Filter(bus.InboundMessage{Content: "  hello  "})
	assert.False(t, drop)
	assert.Equal(t, "hello", clean.Content)
}
