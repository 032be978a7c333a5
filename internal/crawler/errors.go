package crawler

import "fmt"

// NoShelvesFoundError means the profile page exposed no shelves, which is how
// a private or empty profile looks from the outside.
type NoShelvesFoundError struct {
	ProfileID string
}

func (e *NoShelvesFoundError) Error() string {
	return fmt.Sprintf("no shelves found for profile %s: profile is not public or has no data", e.ProfileID)
}

// DisallowedError is returned when the robots guard refuses a page.
type DisallowedError struct {
	URL string
}

func (e *DisallowedError) Error() string {
	return fmt.Sprintf("fetch of %s disallowed by robots.txt", e.URL)
}
