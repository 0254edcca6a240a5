// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame kinds on the websocket wire.
const (
	FrameSend  = "send"
	FrameEdit  = "edit"
	FrameReact = "react"
)

// Frame is one outbound websocket event.
type Frame struct {
	Kind      string `json:"kind"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// WebSocket is a Transport that emits frames over one websocket
// connection. Message ids are minted client-side so Edit and React can
// reference a message without a round trip.
//
// Thread Safety: safe for concurrent use; gorilla connections permit only
// one concurrent writer, so writes are serialized by a mutex.
type WebSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (t *WebSocket) write(ctx context.Context, f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: setting write deadline: %w", err)
	}
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("transport: writing %s frame: %w", f.Kind, err)
	}
	return nil
}

// Send emits a send frame and returns the minted message id.
func (t *WebSocket) Send(ctx context.Context, channelID, content string) (string, error) {
	id := uuid.NewString()
	err := t.write(ctx, Frame{
		Kind:      FrameSend,
		ChannelID: channelID,
		MessageID: id,
		Content:   content,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Edit emits an edit frame for a previously sent message.
func (t *WebSocket) Edit(ctx context.Context, channelID, messageID, content string) error {
	return t.write(ctx, Frame{
		Kind:      FrameEdit,
		ChannelID: channelID,
		MessageID: messageID,
		Content:   content,
	})
}

// React emits a reaction frame.
func (t *WebSocket) React(ctx context.Context, channelID, messageID, emoji string) error {
	return t.write(ctx, Frame{
		Kind:      FrameReact,
		ChannelID: channelID,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

// Close closes the underlying connection after a best-effort close frame.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
