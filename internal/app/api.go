package app

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"grouping/internal/domain"
	"grouping/internal/group"
)

const defaultListLimit = 100

// groupListResponse is the paginated /api/v1/groups payload.
// Params: page of group snapshots and the pagination window applied.
// Returns: JSON body for group listing.
type groupListResponse struct {
	Groups []*domain.AlertGroup `json:"groups"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

// handleListGroups serves GET /api/v1/groups with filters and pagination.
// Params: standard handler pair.
// Returns: filtered group page as JSON.
func (s *Service) handleListGroups(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := request.URL.Query()
	filter := group.ListFilter{
		Status:   domain.GroupStatus(query.Get("status")),
		Receiver: query.Get("receiver"),
		Limit:    defaultListLimit,
	}
	if raw := query.Get("offset"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeAPIError(writer, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = value
	}
	if raw := query.Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeAPIError(writer, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = value
	}
	for _, selector := range query["label"] {
		name, value, ok := strings.Cut(selector, "=")
		if !ok || name == "" {
			writeAPIError(writer, http.StatusBadRequest, "label selector must be name=value")
			return
		}
		if filter.Labels == nil {
			filter.Labels = make(map[string]string)
		}
		filter.Labels[name] = value
	}

	groups, total, err := s.groups.ListGroups(filter)
	if err != nil {
		writeAPIError(writer, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, groupListResponse{
		Groups: groups,
		Total:  total,
		Offset: filter.Offset,
		Limit:  filter.Limit,
	})
}

// handleGetGroup serves GET /api/v1/groups/{key}.
// Params: standard handler pair; key is the path remainder, percent-encoding allowed.
// Returns: one group snapshot, or 404 when absent.
func (s *Service) handleGetGroup(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(request.URL.EscapedPath(), "/api/v1/groups/")
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	if key == "" {
		writeAPIError(writer, http.StatusBadRequest, "missing group key")
		return
	}

	grp, err := s.groups.GetGroup(key)
	if err != nil {
		if group.IsGroupNotFound(err) {
			writeAPIError(writer, http.StatusNotFound, "group not found")
			return
		}
		writeAPIError(writer, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, grp)
}

// handleStats serves GET /api/v1/stats.
// Params: standard handler pair.
// Returns: aggregate group counters as JSON.
func (s *Service) handleStats(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(writer, http.StatusOK, s.groups.Stats())
}

// writeJSON marshals payload into the response.
// Params: writer, status code, payload.
// Returns: encode failures are ignored; headers are already sent.
func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

// writeAPIError sends a small JSON error body.
// Params: writer, status code, message.
// Returns: error payload written.
func writeAPIError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}
