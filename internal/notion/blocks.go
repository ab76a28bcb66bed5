package notion

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxTextLen is the longest content Notion accepts in one rich text object.
const maxTextLen = 2000

// RichText is a plain text run.
type RichText struct {
	Type string  `json:"type"`
	Text Content `json:"text"`
}

// Content is the text of a RichText run.
type Content struct {
	Content string `json:"content"`
}

// TextBody is the payload shared by every text block type.
type TextBody struct {
	RichText []RichText `json:"rich_text"`
}

// Block is a Notion block. Exactly one body field is set, matching Type.
type Block struct {
	Object           string    `json:"object"`
	Type             string    `json:"type"`
	Paragraph        *TextBody `json:"paragraph,omitempty"`
	Heading1         *TextBody `json:"heading_1,omitempty"`
	Heading2         *TextBody `json:"heading_2,omitempty"`
	Heading3         *TextBody `json:"heading_3,omitempty"`
	BulletedListItem *TextBody `json:"bulleted_list_item,omitempty"`
	NumberedListItem *TextBody `json:"numbered_list_item,omitempty"`
}

// Text returns the block's plain text.
func (b Block) Text() string {
	body := b.body()
	if body == nil {
		return ""
	}
	var sb strings.Builder
	for _, rt := range body.RichText {
		sb.WriteString(rt.Text.Content)
	}
	return sb.String()
}

func (b Block) body() *TextBody {
	switch b.Type {
	case "paragraph":
		return b.Paragraph
	case "heading_1":
		return b.Heading1
	case "heading_2":
		return b.Heading2
	case "heading_3":
		return b.Heading3
	case "bulleted_list_item":
		return b.BulletedListItem
	case "numbered_list_item":
		return b.NumberedListItem
	}
	return nil
}

func newBlock(typ, text string) Block {
	body := &TextBody{RichText: richText(text)}
	b := Block{Object: "block", Type: typ}
	switch typ {
	case "heading_1":
		b.Heading1 = body
	case "heading_2":
		b.Heading2 = body
	case "heading_3":
		b.Heading3 = body
	case "bulleted_list_item":
		b.BulletedListItem = body
	case "numbered_list_item":
		b.NumberedListItem = body
	default:
		b.Type = "paragraph"
		b.Paragraph = body
	}
	return b
}

// richText splits text into runs within Notion's per-run length limit.
func richText(text string) []RichText {
	var runs []RichText
	for utf8.RuneCountInString(text) > maxTextLen {
		cut := 0
		for i := 0; i < maxTextLen; i++ {
			_, size := utf8.DecodeRuneInString(text[cut:])
			cut += size
		}
		runs = append(runs, RichText{Type: "text", Text: Content{Content: text[:cut]}})
		text = text[cut:]
	}
	return append(runs, RichText{Type: "text", Text: Content{Content: text}})
}

var numberedItem = regexp.MustCompile(`^\d+\.\s`)

// SummaryToBlocks converts the markdown-ish report produced by the
// summarizer into Notion blocks, one per non-blank line.
func SummaryToBlocks(summary string) []Block {
	var blocks []Block
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "### "):
			blocks = append(blocks, newBlock("heading_3", line[4:]))
		case strings.HasPrefix(line, "## "):
			blocks = append(blocks, newBlock("heading_2", line[3:]))
		case strings.HasPrefix(line, "# "):
			blocks = append(blocks, newBlock("heading_1", line[2:]))
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			blocks = append(blocks, newBlock("bulleted_list_item", line[2:]))
		case numberedItem.MatchString(line):
			blocks = append(blocks, newBlock("numbered_list_item", numberedItem.ReplaceAllString(line, "")))
		default:
			blocks = append(blocks, newBlock("paragraph", line))
		}
	}
	return blocks
}
