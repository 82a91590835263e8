// Copyright 2024-2026 Aiku AI

// Package roost is a client for the Roost chat platform. It covers the two
// surfaces the bridge consumes: the JSON-over-WebSocket gateway ([Socket])
// and the authenticated REST API ([Client]) for media and message CRUD.
package roost

// Event is a single frame on the Roost gateway socket, in either direction.
// The Type field selects which of the optional payload fields is populated.
type Event struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	User    *User    `json:"user,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Gateway event types.
const (
	EventHello         = "Hello"
	EventPing          = "Ping"
	EventPong          = "Pong"
	EventReady         = "Ready"
	EventUpsertMessage = "UpsertMessage"
)

// User identifies a Roost user.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment describes a media object attached to a Roost message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Message is a Roost message as surfaced by the gateway and the REST API.
// UpsertMessage events carry the full current state of the message, so the
// same shape covers both creations and edits.
type Message struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"thread_id"`
	ReplyID      string       `json:"reply_id,omitempty"`
	Content      string       `json:"content"`
	Author       User         `json:"author"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	OverrideName string       `json:"override_name,omitempty"`
}

// MessageRequest is the body for message create and update calls.
// Attachments holds media IDs previously registered via CreateMedia.
type MessageRequest struct {
	Content      string   `json:"content"`
	OverrideName string   `json:"override_name,omitempty"`
	ReplyID      string   `json:"reply_id,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
}

// MediaHandle is returned by CreateMedia. The media ID becomes valid once the
// content has been uploaded to UploadURL.
type MediaHandle struct {
	MediaID   string `json:"media_id"`
	UploadURL string `json:"upload_url"`
}
