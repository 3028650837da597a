// Package message defines the renderable content units exchanged between the
// agent loop and outward message sinks.
package message

import "strings"

// SegmentType identifies the kind of a content segment
type SegmentType string

const (
	SegmentPlain SegmentType = "plain"
	SegmentImage SegmentType = "image"
	SegmentFile  SegmentType = "file"
)

// ChainType tags a chain with the role it plays in the outward stream
type ChainType string

const (
	ChainDefault          ChainType = ""
	ChainLLMResult        ChainType = "llm_result"
	ChainErr              ChainType = "err"
	ChainToolCall         ChainType = "tool_call"
	ChainToolDirectResult ChainType = "tool_direct_result"
	ChainBreak            ChainType = "break"
	ChainStreamingDelta   ChainType = "streaming_delta"
	ChainStreamingFinish  ChainType = "streaming_finish"
)

// Segment is one typed unit of renderable output
type Segment struct {
	Type     SegmentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"` // base64 payload for image/file
	URL      string      `json:"url,omitempty"`
	MIMEType string      `json:"mime_type,omitempty"`
	Name     string      `json:"name,omitempty"`
}

// Chain is an ordered list of segments
type Chain struct {
	Type     ChainType `json:"type,omitempty"`
	Segments []Segment `json:"segments"`
}

// NewChain creates an empty chain
func NewChain() *Chain {
	return &Chain{}
}

// Text creates a chain holding a single plain segment.
func Text(text string) Chain {
	return Chain{Segments: []Segment{{Type: SegmentPlain, Text: text}}}
}

// Message appends a plain text segment.
func (c *Chain) Message(text string) *Chain {
	c.Segments = append(c.Segments, Segment{Type: SegmentPlain, Text: text})
	return c
}

// Base64Image appends an inline image segment.
func (c *Chain) Base64Image(data, mimeType string) *Chain {
	c.Segments = append(c.Segments, Segment{Type: SegmentImage, Data: data, MIMEType: mimeType})
	return c
}

// URLImage appends an image referenced by URL or local path.
func (c *Chain) URLImage(url string) *Chain {
	c.Segments = append(c.Segments, Segment{Type: SegmentImage, URL: url})
	return c
}

// File appends a binary file segment.
func (c *Chain) File(name, data, mimeType string) *Chain {
	c.Segments = append(c.Segments, Segment{Type: SegmentFile, Name: name, Data: data, MIMEType: mimeType})
	return c
}

// WithType returns a copy of the chain carrying the given type tag.
func (c Chain) WithType(t ChainType) Chain {
	c.Type = t
	c.Segments = append([]Segment(nil), c.Segments...)
	return c
}

// PlainText concatenates all plain segments.
func (c Chain) PlainText() string {
	var b strings.Builder
	for _, seg := range c.Segments {
		if seg.Type == SegmentPlain {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the chain carries no content: no segments, or only
// plain segments with empty text.
func (c Chain) IsEmpty() bool {
	for _, seg := range c.Segments {
		if seg.Type != SegmentPlain || seg.Text != "" {
			return false
		}
	}
	return true
}
