package scraper

import "context"

// ProfileData is the normalized shape both backends return for a fetched
// profile. Field mapping from raw backend payloads happens inside each
// backend; everything downstream consumes only this struct.
type ProfileData struct {
	Platform    string
	Username    string
	DisplayName string
	Bio         string
	Followers   int64
	Following   int64
	Posts       int64
	AvatarURL   string
	IsPrivate   bool
}

// Backend is the capability set the dispatcher and handlers depend on.
// Two interchangeable implementations exist: one driving a pool of
// logged-in accounts, one delegating to a hosted proxy service. Both
// classify their failures into the Kind taxonomy before returning.
type Backend interface {
	// FetchProfile retrieves a single subject's public profile.
	FetchProfile(ctx context.Context, platform, username string) (*ProfileData, error)

	// Discover searches for candidate profiles matching a query, dropping
	// candidates below minFollowers.
	Discover(ctx context.Context, query string, minFollowers int) ([]ProfileData, error)
}
