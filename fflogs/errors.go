package fflogs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks a 200 response that carried neither data nor errors.
var ErrProtocol = errors.New("fflogs: response contained neither data nor errors")

// AuthError is a failed client-credentials exchange. Never retried.
type AuthError struct {
	Status string
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("fflogs: oauth token exchange failed: %s: %s", e.Status, e.Body)
}

// TimeoutError is a request that hit the per-request deadline, kept
// distinct from other transport failures so callers can tell them apart.
type TimeoutError struct {
	Timeout string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fflogs: request timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the GraphQL endpoint.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fflogs: http %d: %s", e.Status, e.Body)
}

// GraphQLError carries the service-reported error array of an
// otherwise successful response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "fflogs: graphql: " + strings.Join(e.Messages, "; ")
}

func (e *GraphQLError) contains(substr string) bool {
	for _, m := range e.Messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// ReportNotFoundError means the service returned a null report,
// typically a private or deleted log.
type ReportNotFoundError struct {
	Code string
}

func (e *ReportNotFoundError) Error() string {
	return fmt.Sprintf("fflogs: report %q not found or not accessible", e.Code)
}

// MasterDataUnavailableError means the report exists but its actor and
// ability master data came back null.
type MasterDataUnavailableError struct {
	Code string
}

func (e *MasterDataUnavailableError) Error() string {
	return fmt.Sprintf("fflogs: master data unavailable for report %q", e.Code)
}

// RankingsNotFoundError is raised after every fallback variant was
// exhausted without producing a single usable leaderboard row. It keeps
// the attempt trace and a sample of unrecognized payload keys so the
// failure is diagnosable from the message alone.
type RankingsNotFoundError struct {
	EncounterID int
	Attempted   []string
	SampleKeys  []string
}

func (e *RankingsNotFoundError) Error() string {
	return fmt.Sprintf(
		"fflogs: no usable rankings for encounter %d (attempted: %s; payload keys: %s)",
		e.EncounterID,
		strings.Join(e.Attempted, " -> "),
		strings.Join(e.SampleKeys, ", "),
	)
}

// RankIndexOutOfRangeError reports a rank index outside the final
// filtered result set.
type RankIndexOutOfRangeError struct {
	Index int
	Count int
}

func (e *RankIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("fflogs: rank index %d out of range, have %d entries (valid: 0..%d)",
		e.Index, e.Count, e.Count-1)
}

// retryableStatus is the set of upstream statuses worth another attempt.
var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// shouldRetry reports whether an error from a single request attempt is
// transient. Service-reported query errors, protocol violations, auth
// failures and non-retryable statuses fail immediately; everything else
// is treated as a transport hiccup.
func shouldRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatus[httpErr.Status]
	}
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	if errors.Is(err, ErrProtocol) {
		return false
	}
	return true
}

// isUnknownArgument recognizes the service rejecting a query argument
// itself, the signal to silently downgrade to the plain query variant.
func isUnknownArgument(err error) bool {
	var gqlErr *GraphQLError
	return errors.As(err, &gqlErr) && gqlErr.contains("Unknown argument")
}

// isInvalidDifficultyOrSize recognizes the service rejecting a
// difficulty/size combination, the signal to walk the rankings
// fallback ladder.
func isInvalidDifficultyOrSize(err error) bool {
	var gqlErr *GraphQLError
	if !errors.As(err, &gqlErr) {
		return false
	}
	for _, m := range gqlErr.Messages {
		low := strings.ToLower(m)
		if strings.Contains(low, "difficulty") || strings.Contains(low, "size") || strings.Contains(low, "partition") {
			return true
		}
	}
	return false
}
