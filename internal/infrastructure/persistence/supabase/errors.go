package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/sony/gobreaker"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// CodeNoRows is the PostgREST code for "single object requested, none found".
const CodeNoRows = "PGRST116"

// postgrest-go flattens error bodies to "(<code>) <message>".
var postgrestError = regexp.MustCompile(`^\(([^)]*)\) (.*)$`)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// translate converts a raw client error into the normalized error taxonomy.
func translate(op persistence.Operation, err error) error {
	if err == nil {
		return nil
	}
	if syncerrors.IsBackend(err) || syncerrors.IsNotFound(err) {
		return err
	}
	var translated *syncerrors.NetworkError
	if errors.As(err, &translated) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return syncerrors.NewNetwork(string(op), syncerrors.CodeCircuitOpen, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		code := syncerrors.CodeConnectionFailed
		if urlErr.Timeout() {
			code = syncerrors.CodeTimeout
		}
		return syncerrors.NewNetwork(string(op), code, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return syncerrors.NewNetwork(string(op), syncerrors.CodeConnectionFailed, err)
	}

	msg := err.Error()
	if m := postgrestError.FindStringSubmatch(msg); m != nil {
		return &syncerrors.BackendError{Code: m[1], Message: m[2]}
	}
	// A non-JSON error body comes from a proxy or gateway, not from PostgREST.
	if strings.HasPrefix(msg, "error parsing error response") {
		return syncerrors.NewNetwork(string(op), syncerrors.CodeConnectionFailed, err)
	}
	if strings.HasPrefix(msg, "response status code") {
		return &syncerrors.BackendError{Code: "auth", Message: msg}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &syncerrors.BackendError{Code: string(syncerrors.CodeDataCorruption), Message: msg}
	}
	return &syncerrors.BackendError{Code: string(syncerrors.CodeBackendError), Message: msg}
}

// decodeRPCError recognizes a PostgREST error object returned as an RPC body.
func decodeRPCError(body string) error {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var e errorBody
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil || (e.Code == "" && e.Message == "") {
		return nil
	}
	return &syncerrors.BackendError{Code: e.Code, Message: e.Message, Details: e.Details, Hint: e.Hint}
}

func isNoRows(err error) bool {
	var be *syncerrors.BackendError
	return errors.As(err, &be) && be.Code == CodeNoRows
}
