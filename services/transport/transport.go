// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport abstracts the chat surface the assistant talks
// through: sending, editing, and reacting to messages in a channel.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Transport delivers assistant output to a chat surface.
//
// Description:
//
//	Send posts a new message and returns its id. Edit replaces the
//	content of a previously sent message; streaming responses use
//	Send-then-Edit to grow a message in place. React attaches an emoji
//	reaction, used for lightweight acknowledgements.
type Transport interface {
	Send(ctx context.Context, channelID, content string) (messageID string, err error)
	Edit(ctx context.Context, channelID, messageID, content string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
}

// SentMessage is one message recorded by the in-memory transport.
type SentMessage struct {
	ID        string
	ChannelID string
	Content   string
	Reactions []string
	Edits     int
}

// InMemory is a Transport that records everything it is asked to deliver.
// It backs the one-shot CLI path and tests.
//
// Thread Safety: safe for concurrent use.
type InMemory struct {
	mu       sync.Mutex
	messages []*SentMessage
	byID     map[string]*SentMessage
}

// NewInMemory creates an empty recording transport.
func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[string]*SentMessage)}
}

// Send records a new message and returns its generated id.
func (t *InMemory) Send(ctx context.Context, channelID, content string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := &SentMessage{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Content:   content,
	}
	t.messages = append(t.messages, m)
	t.byID[m.ID] = m
	return m.ID, nil
}

// Edit replaces a recorded message's content.
func (t *InMemory) Edit(ctx context.Context, channelID, messageID, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[messageID]
	if !ok {
		return fmt.Errorf("transport: editing unknown message %s", messageID)
	}
	m.Content = content
	m.Edits++
	return nil
}

// React records a reaction on a message.
func (t *InMemory) React(ctx context.Context, channelID, messageID, emoji string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[messageID]
	if !ok {
		return fmt.Errorf("transport: reacting to unknown message %s", messageID)
	}
	m.Reactions = append(m.Reactions, emoji)
	return nil
}

// Messages returns copies of all recorded messages in send order.
func (t *InMemory) Messages() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SentMessage, 0, len(t.messages))
	for _, m := range t.messages {
		copied := *m
		copied.Reactions = append([]string(nil), m.Reactions...)
		out = append(out, copied)
	}
	return out
}

// Message returns a copy of one recorded message by id.
func (t *InMemory) Message(messageID string) (SentMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[messageID]
	if !ok {
		return SentMessage{}, false
	}
	copied := *m
	copied.Reactions = append([]string(nil), m.Reactions...)
	return copied, true
}
