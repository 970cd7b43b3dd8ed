// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

// statusFor maps a spec §7 ErrorCode to its HTTP status.
func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrAuthorization:
		return http.StatusForbidden
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict:
		return http.StatusConflict
	case types.ErrCapacity:
		return http.StatusServiceUnavailable
	case types.ErrRunnerFault:
		return http.StatusBadGateway
	case types.ErrGateFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error struct {
		Code          types.ErrorCode `json:"code"`
		Message       string          `json:"message"`
		CorrelationID string          `json:"correlation_id,omitempty"`
	} `json:"error"`
}

// writeError translates err into the §7 error response contract. A
// non-CoreError is wrapped as internal with a fresh correlation id so
// the caller-visible message never leaks implementation detail.
func writeError(w http.ResponseWriter, err error) {
	var coreErr *types.CoreError
	if !errors.As(err, &coreErr) {
		coreErr = types.Wrap(uuid.NewString(), err)
	}
	if coreErr.Code == types.ErrInternal && coreErr.CorrelationID == "" {
		coreErr.CorrelationID = uuid.NewString()
	}

	resp := errorResponse{}
	resp.Error.Code = coreErr.Code
	resp.Error.Message = coreErr.Message
	resp.Error.CorrelationID = coreErr.CorrelationID

	writeJSON(w, statusFor(coreErr.Code), resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return types.Validationf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.Validationf("invalid request body: %v", err)
	}
	return nil
}
