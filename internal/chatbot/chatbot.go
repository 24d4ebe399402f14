// Package chatbot maps chat messages to commands. A command fires either on
// a regular expression found anywhere in the message or on an exact phrase.
package chatbot

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Message is one inbound chat message and the way to answer it. Replies may
// arrive from other goroutines after the handler returns.
type Message interface {
	Text() string
	Reply(text string)
	ReplyAttachment(a Attachment)
}

// Attachment is a rich reply card.
type Attachment struct {
	Link   string  `json:"link"`
	Icon   string  `json:"icon,omitempty"`
	Color  string  `json:"color,omitempty"`
	Name   string  `json:"name,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (a Attachment) WithField(title, value string, short bool) Attachment {
	a.Fields = append(a.Fields, Field{Title: title, Value: value, Short: short})
	return a
}

// Handler runs a matched command. match holds the regexp submatches, or just
// the message text for phrase commands.
type Handler func(ctx context.Context, msg Message, match []string)

type Command struct {
	Name string
	// Pattern matches anywhere in the message.
	Pattern *regexp.Regexp
	// Phrase matches the whole trimmed message, ignoring case.
	Phrase  string
	Handler Handler
}

func (c Command) match(text string) []string {
	if c.Phrase != "" {
		if strings.EqualFold(strings.TrimSpace(text), c.Phrase) {
			return []string{text}
		}
		return nil
	}
	if c.Pattern != nil {
		return c.Pattern.FindStringSubmatch(text)
	}
	return nil
}

// Registry holds commands in registration order.
type Registry struct {
	commands []Command
	logger   *slog.Logger
}

func NewRegistry(commands ...Command) *Registry {
	return &Registry{
		commands: commands,
		logger:   slog.Default().With("component", "chatbot"),
	}
}

func (r *Registry) Register(c Command) {
	r.commands = append(r.commands, c)
}

// Dispatch runs the first command matching msg and reports whether one did.
// Phrase commands are tried before patterns so "resync jiracache cache" is
// never mistaken for something else.
func (r *Registry) Dispatch(ctx context.Context, msg Message) bool {
	text := msg.Text()
	for _, phraseFirst := range []bool{true, false} {
		for _, c := range r.commands {
			if (c.Phrase != "") != phraseFirst {
				continue
			}
			if m := c.match(text); m != nil {
				r.logger.Debug("command matched", "command", c.Name)
				c.Handler(ctx, msg, m)
				return true
			}
		}
	}
	return false
}
