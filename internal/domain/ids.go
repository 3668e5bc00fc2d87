package domain

import (
	"crypto/sha1"
	"encoding/hex"
)

// TraceID derives the stable 40-char hex trace id for a message. The format
// is part of the wire contract with containers and dead-letter tooling.
func TraceID(chatJID, externalMessageID string) string {
	h := sha1.Sum([]byte(chatJID + ":" + externalMessageID))
	return hex.EncodeToString(h[:])
}

// ShortTraceID returns the 10-char slice shown in user-facing failure notices.
func ShortTraceID(trace string) string {
	if len(trace) <= 10 {
		return trace
	}
	return trace[:10]
}

// StableUserID maps a chat JID to the ledger's stable user id:
// "u_" + first 16 hex chars of sha1("chat:"+jid).
func StableUserID(chatJID string) string {
	h := sha1.Sum([]byte("chat:" + chatJID))
	return "u_" + hex.EncodeToString(h[:])[:16]
}
