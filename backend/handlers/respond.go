// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/efchatnet/efdm/backend/models"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP status codes. Storage and
// unknown errors are reported without detail.
func writeError(w http.ResponseWriter, err error) {
	code := models.ErrorCode(err)
	status := http.StatusInternalServerError
	message := "Internal server error"

	switch code {
	case "validation":
		status, message = http.StatusBadRequest, err.Error()
	case "authentication":
		status, message = http.StatusUnauthorized, "Unauthorized"
	case "forbidden":
		status, message = http.StatusForbidden, err.Error()
	case "not_found":
		status, message = http.StatusNotFound, err.Error()
	}

	writeJSON(w, status, models.ErrorEvent{Code: code, Message: message})
}
