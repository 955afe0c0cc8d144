// Package profile resolves the display information shown next to a user id
// in game snapshots and chat messages. Profiles are owned by the account
// service; this package only reads them.
package profile

import (
	"context"
	"errors"
	"log"

	"match-server/internal/apperror"
)

// Info is the public display information for one user.
type Info struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Country     string `json:"country,omitempty"`
}

// Fallback is used when no profile exists.
func Fallback(userID string) Info {
	return Info{UserID: userID, DisplayName: userID}
}

// Resolver looks up display info. A missing profile is a NotFound error.
type Resolver interface {
	DisplayInfo(ctx context.Context, userID string) (Info, error)
}

// Lookup never fails: missing profiles and lookup errors yield the fallback.
func Lookup(ctx context.Context, r Resolver, userID string) Info {
	if r == nil {
		return Fallback(userID)
	}
	info, err := r.DisplayInfo(ctx, userID)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			log.Printf("⚠️ Profile lookup failed for %s: %v", userID, err)
		}
		return Fallback(userID)
	}
	return info
}

// LookupAll resolves a list of users in order.
func LookupAll(ctx context.Context, r Resolver, userIDs []string) []Info {
	out := make([]Info, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, Lookup(ctx, r, id))
	}
	return out
}

// Static serves profiles from a fixed map.
type Static map[string]Info

func (s Static) DisplayInfo(_ context.Context, userID string) (Info, error) {
	info, ok := s[userID]
	if !ok {
		return Info{}, apperror.NotFound("profile %s not found", userID)
	}
	info.UserID = userID
	return info, nil
}
