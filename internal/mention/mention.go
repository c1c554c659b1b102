// Package mention extracts @tokens from chat content and classifies them
// as role, user or unresolved references.
package mention

import (
	"context"
	"regexp"
	"strings"

	"bulletin/api/internal/rbac"
	"bulletin/api/internal/store"
)

var tokenPattern = regexp.MustCompile(`(?:^|[^\w@])@(\w[\w-]*)`)

// Extract returns the distinct @tokens of content in order of first
// appearance. Tokens compare case-insensitively.
func Extract(content string) []string {
	matches := tokenPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		token := strings.TrimRight(m[1], "-")
		if token == "" {
			continue
		}
		key := strings.ToLower(token)
		if seen[key] {
			continue
		}
		seen[key] = true
		tokens = append(tokens, token)
	}
	return tokens
}

type Kind int

const (
	Unresolved Kind = iota
	RoleMention
	UserMention
)

// Target is one classified token. Role is set for RoleMention, User for
// UserMention; Token always holds the text as written.
type Target struct {
	Kind  Kind
	Token string
	Role  rbac.Role
	User  store.User
}

// Tag is the display form embedded on the message.
func (t Target) Tag() store.MentionTag {
	switch t.Kind {
	case RoleMention:
		return store.MentionTag{Type: store.MentionRole, Value: string(t.Role)}
	case UserMention:
		return store.MentionTag{Type: store.MentionUser, Value: t.User.Username}
	default:
		return store.MentionTag{Type: store.MentionUnresolved, Value: t.Token}
	}
}

// Room is the bus room a notification for this target goes to.
func (t Target) Room() string {
	switch t.Kind {
	case RoleMention:
		return string(t.Role)
	case UserMention:
		return "user-" + t.User.ID
	default:
		return ""
	}
}

type UserFinder interface {
	FindUsersByUsername(ctx context.Context, usernames []string) (map[string]store.User, error)
}

// Resolve classifies tokens: a role name wins over a username, and anything
// else is Unresolved.
func Resolve(ctx context.Context, users UserFinder, tokens []string) ([]Target, error) {
	targets := make([]Target, len(tokens))
	lookup := make([]string, 0)
	for i, token := range tokens {
		if role, ok := rbac.Lookup(token); ok {
			targets[i] = Target{Kind: RoleMention, Token: token, Role: role}
			continue
		}
		targets[i] = Target{Kind: Unresolved, Token: token}
		lookup = append(lookup, token)
	}
	if len(lookup) == 0 {
		return targets, nil
	}

	found, err := users.FindUsersByUsername(ctx, lookup)
	if err != nil {
		return nil, err
	}
	for i := range targets {
		if targets[i].Kind != Unresolved {
			continue
		}
		if user, ok := found[strings.ToLower(targets[i].Token)]; ok {
			targets[i].Kind = UserMention
			targets[i].User = user
		}
	}
	return targets, nil
}
