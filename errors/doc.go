// Package errors defines the structured error taxonomy shared by every
// Hermes component.
//
// Each error carries a code, a category and a retryability bit so that
// callers (and remote clients receiving the JSON form) can decide how to
// react without string matching.
//
// # Categories
//
//   - Transient: the operation may succeed if repeated (timeouts, delivery).
//   - Permanent: repeating will not help (bad token, unknown component).
//   - Resource: backpressure (queue full, capacity).
//   - Internal: bugs and unexpected failures.
//
// # Registry taxonomy
//
//	Unauthorized    bad or missing component token
//	NotFound        unknown component or topic
//	Conflict        registration collision without the current token
//	Timeout         direct request exceeded its deadline
//	DeliveryFailed  publish exhausted retries and was dead-lettered
//
// # Usage
//
//	if errors.Is(err, errors.ErrCodeUnauthorized) {
//	    ...
//	}
//
// Errors serialise to JSON and back, which is how the API layer hands them
// to remote clients:
//
//	data, _ := json.Marshal(err)
//	var decoded errors.Error
//	_ = json.Unmarshal(data, &decoded)
package errors
