package wikiapi

import (
	"context"
	"net/url"

	"gitlab.com/tozd/go/errors"
)

// OnBatch is called once per HTTP round-trip during pagination. A panic
// raised by the callback is recovered by Paginate and only logged, never
// propagated, per §4.3.
type OnBatch func(batchIndex int, batchSize int)

// Paginate drives initialParams against the query API, walking resultPath
// into each response's Query object to find the list of items, and folding
// any top-level continue object into the next request. It calls emit for
// every item in upstream order; emit returning an error stops pagination
// and is propagated to the caller.
func Paginate(
	ctx context.Context, client *Client, initialParams url.Values, resultPath []string,
	onBatch OnBatch, emit func(item any) error,
) errors.E {
	params := url.Values{}
	for k, v := range initialParams {
		params[k] = v
	}

	batchIndex := 0
	for {
		result, errE := client.Query(ctx, params)
		if errE != nil {
			return errE
		}

		items, errE := navigate(result.Query, resultPath)
		if errE != nil {
			return errE
		}

		if onBatch != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						client.logger.Warn().Interface("panic", r).Msg("on_batch callback panicked")
					}
				}()
				onBatch(batchIndex, len(items))
			}()
		}
		batchIndex++

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			if err := emit(item); err != nil {
				return errors.WithStack(err)
			}
		}

		if len(result.Continue) == 0 {
			return nil
		}

		for k, v := range result.Continue {
			params.Set(k, v)
		}
	}
}

// navigate walks path into query, expecting the final element to be a list.
func navigate(query map[string]any, path []string) ([]any, errors.E) {
	var cur any = query
	for i, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			errE := errors.WrapWith(errors.Errorf("path segment %d (%q) is not navigable", i, key), ErrAPIResponse)
			errors.Details(errE)["path"] = path
			return nil, errE
		}
		next, ok := m[key]
		if !ok {
			errE := errors.WrapWith(errors.Errorf("path segment %d (%q) not found", i, key), ErrAPIResponse)
			errors.Details(errE)["path"] = path
			return nil, errE
		}
		cur = next
	}
	items, ok := cur.([]any)
	if !ok {
		errE := errors.WrapWith(errors.New("result_path does not navigate to a list"), ErrAPIResponse)
		errors.Details(errE)["path"] = path
		return nil, errE
	}
	return items, nil
}
