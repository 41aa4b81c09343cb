package wikiapi

import (
	"encoding/json"

	"gitlab.com/tozd/go/errors"
)

// envelope is the generic shape of every MediaWiki query-API JSON response.
// The client decodes its query object into a bare map; the scrapers read
// required fields from that map through RequireFields/TypedGet and optional
// fields through direct type assertions.
type envelope struct {
	Error    json.RawMessage    `json:"error"`
	Warnings map[string]warning `json:"warnings"`
	Continue map[string]string  `json:"continue"`
	Query    json.RawMessage    `json:"query"`
}

type warning struct {
	Warnings string `json:"warnings"`
	Code     string `json:"code"`
	Text     string `json:"*"`
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// siteInfoResponse is the DTO for meta=siteinfo&siprop=general|namespaces.
type siteInfoResponse struct {
	Query struct {
		General struct {
			Generator string `json:"generator"`
		} `json:"general"`
		Namespaces map[string]struct {
			ID     int    `json:"id"`
			Name   string `json:"name"`
			Canon  string `json:"canonical"`
		} `json:"namespaces"`
	} `json:"query"`
}

// RequireFields raises ErrAPIResponse if any of fields is absent from d.
func RequireFields(d map[string]any, fields []string, context string) errors.E {
	for _, f := range fields {
		if _, ok := d[f]; !ok {
			errE := errors.WrapWith(errors.Errorf("missing field %q", f), ErrAPIResponse)
			errors.Details(errE)["context"] = context
			errors.Details(errE)["field"] = f
			return errE
		}
	}
	return nil
}

// TypedGet fetches d[name], asserting it has the static type T, raising
// ErrAPIResponse on absence or type mismatch. The C6-C11 parsers read their
// required fields through this helper; optional fields (for example a file's
// url or a revision's user) are read with direct type assertions on the map
// and are left at their zero value when absent or of another type.
func TypedGet[T any](d map[string]any, name string, context string) (T, errors.E) {
	var zero T
	raw, ok := d[name]
	if !ok {
		errE := errors.WrapWith(errors.Errorf("missing field %q", name), ErrAPIResponse)
		errors.Details(errE)["context"] = context
		return zero, errE
	}
	value, ok := raw.(T)
	if !ok {
		errE := errors.WrapWith(errors.Errorf("field %q has unexpected type %T", name, raw), ErrAPIResponse)
		errors.Details(errE)["context"] = context
		errors.Details(errE)["field"] = name
		return zero, errE
	}
	return value, nil
}
