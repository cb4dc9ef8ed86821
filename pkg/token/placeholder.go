// Package token implements reversible redaction: sensitive spans are
// replaced by deterministic placeholders and the originals are parked in a
// TTL-bounded store, keyed per conversation.
//
// Placeholders look like «token:EMAIL:3f9a01bc». The hash is an HMAC over
// (conversation, type, original) under a per-conversation salt, so the same
// value redacts to the same placeholder within one conversation and to a
// different one everywhere else.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

const (
	placeholderOpen  = "«" // «
	placeholderClose = "»" // »
	hashHexLen       = 8
)

// placeholderPattern matches the full placeholder wire form, capturing the
// type label and the hash.
var placeholderPattern = regexp.MustCompile(
	placeholderOpen + `token:([A-Z0-9_]+):([0-9a-f]{` + fmt.Sprint(hashHexLen) + `})` + placeholderClose)

// Salter derives per-conversation salts from a process-wide secret. The
// secret comes from configuration and never changes during a process
// lifetime, so placeholder determinism holds across requests.
type Salter struct {
	secret []byte
}

// NewSalter wraps the process secret.
func NewSalter(secret []byte) *Salter {
	return &Salter{secret: secret}
}

// ConversationSalt derives the salt for one conversation.
func (s *Salter) ConversationSalt(conversationID string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(conversationID))
	return mac.Sum(nil)
}

// Placeholder computes the placeholder for original of the given type within
// conversationID. Deterministic for fixed (secret, conversation, type,
// original).
func (s *Salter) Placeholder(conversationID, typ, original string) string {
	mac := hmac.New(sha256.New, s.ConversationSalt(conversationID))
	mac.Write([]byte(conversationID))
	mac.Write([]byte{0})
	mac.Write([]byte(typ))
	mac.Write([]byte{0})
	mac.Write([]byte(original))
	digest := hex.EncodeToString(mac.Sum(nil))
	return placeholderOpen + "token:" + typ + ":" + digest[:hashHexLen] + placeholderClose
}

// FindPlaceholders returns the [start, end) byte offsets of every
// placeholder in payload, in order.
func FindPlaceholders(payload string) [][]int {
	return placeholderPattern.FindAllStringIndex(payload, -1)
}

// ContainsPlaceholder reports whether payload carries at least one
// placeholder.
func ContainsPlaceholder(payload string) bool {
	return placeholderPattern.MatchString(payload)
}
