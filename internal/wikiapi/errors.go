package wikiapi

import "gitlab.com/tozd/go/errors"

// Error kinds surfaced by the API client and pagination driver (§7).
var (
	ErrPageNotFound = errors.Base("page not found")
	ErrAPIRequest   = errors.Base("api request failed")
	ErrAPIResponse  = errors.Base("api response invalid")
)
