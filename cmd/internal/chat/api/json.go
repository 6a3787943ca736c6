package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var (
	errEmptyBody    = errors.New("empty body")
	errTrailingData = errors.New("extra data after JSON object")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errTrailingData
	}
	return nil
}

// writeDecodeError maps a decodeJSON failure onto the chat error vocabulary.
func writeDecodeError(w http.ResponseWriter, err error) {
	var (
		tooLarge  *http.MaxBytesError
		typeError *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.Is(err, errEmptyBody):
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is empty")
	case errors.As(err, &typeError) && typeError.Field != "":
		writeError(w, http.StatusBadRequest, "validation", typeError.Field+" has the wrong type")
	default:
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
	}
}
