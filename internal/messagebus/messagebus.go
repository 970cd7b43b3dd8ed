// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package messagebus implements the Inter-Agent Message Bus (spec
// §4.10): a per-organization store-and-forward mailbox with read
// tracking and linked responses. Messages are held in process memory
// only and do not survive a restart.
package messagebus

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

// Bus is the in-memory, mutex-guarded message store. It does not write
// through internal/store; every message lives only in this process.
type Bus struct {
	mu sync.RWMutex
	// byOrg holds every message for an organization, insertion order.
	byOrg map[string][]*types.InterAgentMessage
	byID  map[string]*types.InterAgentMessage

	now func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		byOrg: make(map[string][]*types.InterAgentMessage),
		byID:  make(map[string]*types.InterAgentMessage),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send enqueues a message from one agent to another (or, with to ==
// "", a broadcast to every agent in the organization) and returns its
// id.
func (b *Bus) Send(organizationID, from, to, messageType, subject, content string, requiresResponse bool, priority types.MessagePriority) string {
	msg := &types.InterAgentMessage{
		ID:               uuid.NewString(),
		OrganizationID:   organizationID,
		FromAgent:        from,
		ToAgent:          to,
		MessageType:      messageType,
		Subject:          subject,
		Content:          content,
		RequiresResponse: requiresResponse,
		Priority:         priority,
		CreatedAt:        b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byOrg[organizationID] = append(b.byOrg[organizationID], msg)
	b.byID[msg.ID] = msg
	return msg.ID
}

// Fetch returns agent's unread messages (direct and broadcast) within
// organizationID, ordered by priority descending, then created-at
// ascending, per spec §4.10.
func (b *Bus) Fetch(organizationID, agent string) []types.InterAgentMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.InterAgentMessage
	for _, msg := range b.byOrg[organizationID] {
		if msg.ReadAt != nil {
			continue
		}
		if msg.ToAgent != "" && msg.ToAgent != agent {
			continue
		}
		if msg.ToAgent == "" && msg.FromAgent == agent {
			continue // don't deliver a broadcast back to its sender
		}
		out = append(out, *msg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkRead marks messageID as read. It is a no-op if already read.
func (b *Bus) MarkRead(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.byID[messageID]
	if !ok {
		return types.NotFound("message", messageID)
	}
	if msg.ReadAt == nil {
		now := b.now()
		msg.ReadAt = &now
	}
	return nil
}

// Respond creates a reply to messageID, linked via response_to_id, and
// marks the original responded. The reply's organization is inherited
// from the original message, so a response_to_id can never reference a
// message in a different organization.
func (b *Bus) Respond(messageID, from, content string) (string, error) {
	b.mu.Lock()
	original, ok := b.byID[messageID]
	if !ok {
		b.mu.Unlock()
		return "", types.NotFound("message", messageID)
	}
	organizationID := original.OrganizationID
	to := original.FromAgent
	now := b.now()
	original.RespondedAt = &now
	b.mu.Unlock()

	reply := &types.InterAgentMessage{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		FromAgent:      from,
		ToAgent:        to,
		MessageType:    original.MessageType,
		Subject:        "Re: " + original.Subject,
		Content:        content,
		ResponseToID:   messageID,
		Priority:       original.Priority,
		CreatedAt:      now,
	}

	b.mu.Lock()
	b.byOrg[organizationID] = append(b.byOrg[organizationID], reply)
	b.byID[reply.ID] = reply
	b.mu.Unlock()

	return reply.ID, nil
}

// Get returns a message by id.
func (b *Bus) Get(messageID string) (*types.InterAgentMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.byID[messageID]
	if !ok {
		return nil, types.NotFound("message", messageID)
	}
	cp := *msg
	return &cp, nil
}
