package api

import (
	"rtc_server/server/common/transport/httpresp"
)

const (
	ErrUnauthorized      = httpresp.ErrUnauthorized
	ErrFromMustBeRFC3339 = httpresp.ErrFromMustBeRFC3339
	ErrToMustBeRFC3339   = httpresp.ErrToMustBeRFC3339
	ErrMediaDisabled     = httpresp.ErrMediaDisabled
)

type PaginatedResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type IDResponse = httpresp.IDResponse
type URLResponse = httpresp.URLResponse
type TokenResponse = httpresp.TokenResponse

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

type UnreadCountResponse struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UnreadCount    int64  `json:"unreadCount"`
}

type MarkReadResponse struct {
	ConversationID string `json:"conversationId"`
	UpdatedCount   int    `json:"updatedCount"`
}

type UploadURLResponse struct {
	URL       string `json:"url"`
	ObjectKey string `json:"objectKey"`
}

type DeletedResponse struct {
	Deleted int `json:"deleted"`
}

func NewPaginatedResponse[T any](items []T, nextCursor string) PaginatedResponse[T] {
	return PaginatedResponse[T]{
		Items:      items,
		NextCursor: nextCursor,
	}
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewIDResponse(id string) IDResponse {
	return httpresp.NewIDResponse(id)
}

func NewURLResponse(url string) URLResponse {
	return httpresp.NewURLResponse(url)
}

func NewTokenResponse(accessToken, userID, role string) TokenResponse {
	return httpresp.NewTokenResponse(accessToken, userID, role)
}

func NewHealthResponse(status string, connections int) HealthResponse {
	return HealthResponse{Status: status, Connections: connections}
}

func NewUnreadCountResponse(conversationID, userID string, unreadCount int64) UnreadCountResponse {
	return UnreadCountResponse{ConversationID: conversationID, UserID: userID, UnreadCount: unreadCount}
}

func NewMarkReadResponse(conversationID string, updated int) MarkReadResponse {
	return MarkReadResponse{ConversationID: conversationID, UpdatedCount: updated}
}

func NewUploadURLResponse(url, objectKey string) UploadURLResponse {
	return UploadURLResponse{URL: url, ObjectKey: objectKey}
}

func NewDeletedResponse(n int) DeletedResponse {
	return DeletedResponse{Deleted: n}
}
