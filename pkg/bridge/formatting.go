// Copyright 2024-2026 Aiku AI

package bridge

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// remoteToMatrixContent converts Threadline message text to Matrix message
// content. Threadline messages are plain text.
func remoteToMatrixContent(text string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
}

// matrixToRemoteText flattens Matrix message content to the plain text
// Threadline accepts. Formatted bodies are rendered down; emotes get the
// conventional /me prefix.
func matrixToRemoteText(content *event.MessageEventContent) string {
	var text string
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		text = format.HTMLToText(content.FormattedBody)
	} else {
		text = content.Body
	}
	if content.MsgType == event.MsgEmote {
		text = "/me " + text
	}
	return text
}
