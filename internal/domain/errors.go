package domain

import "errors"

// ErrConversationNotFound reports that a session token does not resolve to a
// stored conversation. The chat send path treats it as "start a new
// conversation"; the history path surfaces it to the client.
var ErrConversationNotFound = errors.New("conversation not found")
