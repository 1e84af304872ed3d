// Package api is the backend REST client. It executes versioned requests
// carrying the API key and returns decoded results or an *Error; it holds
// no business logic.
//
// Every successful response uses the envelope {"data":{"results": X}}.
// Failed responses carry {"errors":[{"title": "..."}]}.
package api
