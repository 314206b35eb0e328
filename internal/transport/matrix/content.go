// ABOUTME: Conversion between transport content and Matrix message events
// ABOUTME: Markdown is rendered to HTML with goldmark; reply fallbacks are stripped on the way in

package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/transport"
)

var markdown = goldmark.New()

func msgType(k transport.Kind) event.MessageType {
	switch k {
	case transport.KindPhoto:
		return event.MsgImage
	case transport.KindVideo:
		return event.MsgVideo
	case transport.KindAudio:
		return event.MsgAudio
	case transport.KindDocument:
		return event.MsgFile
	case transport.KindNotice:
		return event.MsgNotice
	default:
		return event.MsgText
	}
}

func kindOf(t event.MessageType) (transport.Kind, bool) {
	switch t {
	case event.MsgText, event.MsgEmote:
		return transport.KindText, true
	case event.MsgNotice:
		return transport.KindNotice, true
	case event.MsgImage:
		return transport.KindPhoto, true
	case event.MsgVideo:
		return transport.KindVideo, true
	case event.MsgAudio:
		return transport.KindAudio, true
	case event.MsgFile:
		return transport.KindDocument, true
	default:
		return "", false
	}
}

// toEvent renders c as a message event without relations.
func toEvent(c transport.Content) *event.MessageEventContent {
	mc := &event.MessageEventContent{
		MsgType: msgType(c.Kind),
		Body:    c.Text,
	}

	if c.MediaURL != "" {
		mc.URL = id.ContentURIString(c.MediaURL)
		mc.FileName = c.FileName
		if c.MimeType != "" || c.Size > 0 {
			mc.Info = &event.FileInfo{MimeType: c.MimeType, Size: int(c.Size)}
		}
		// A media body without a caption carries the file name.
		if mc.Body == "" {
			mc.Body = c.FileName
		}
		if mc.Body == "" {
			mc.Body = string(c.Kind)
		}
	}

	if c.Markdown && c.Text != "" {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(c.Text), &buf); err == nil {
			mc.Format = event.FormatHTML
			mc.FormattedBody = strings.TrimSpace(buf.String())
		}
	}
	return mc
}

// fromEvent extracts transport content. ok is false for message types the
// relay does not carry, such as locations.
func fromEvent(mc *event.MessageEventContent) (transport.Content, bool) {
	kind, ok := kindOf(mc.MsgType)
	if !ok {
		return transport.Content{}, false
	}

	c := transport.Content{Kind: kind, Text: stripReplyFallback(mc.Body)}
	if mc.URL != "" {
		c.MediaURL = string(mc.URL)
		c.FileName = mc.FileName
		if mc.Info != nil {
			c.MimeType = mc.Info.MimeType
			c.Size = int64(mc.Info.Size)
		}
		// Without a separate filename the body is the filename, not a caption.
		if mc.FileName == "" {
			c.FileName = mc.Body
			c.Text = ""
		} else if mc.Body == mc.FileName {
			c.Text = ""
		}
	}
	return c, true
}

// stripReplyFallback drops the quoted "> " block some clients prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// threadHeader is the body of a thread root: the title in bold, then the intro.
func threadHeader(title string, intro transport.Content) transport.Content {
	text := "**" + title + "**"
	if intro.Text != "" {
		text += "\n\n" + intro.Text
	}
	return transport.Markdown(text)
}

// retitle replaces the title line of a thread header body.
func retitle(body, title string) string {
	_, rest, found := strings.Cut(body, "\n")
	if !found {
		return "**" + title + "**"
	}
	return "**" + title + "**\n" + rest
}
