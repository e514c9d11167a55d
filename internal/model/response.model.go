package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// ErrorCode classifies a failed API response. It is serialized by name.
type ErrorCode int

const (
	ErrorUnknown          ErrorCode = 1000
	ErrorValidation       ErrorCode = 1001
	ErrorInvalidParameter ErrorCode = 1002

	ErrorUnauthorized      ErrorCode = 2001
	ErrorInvalidApiKey     ErrorCode = 2002
	ErrorMissingApiKey     ErrorCode = 2003
	ErrorRateLimitExceeded ErrorCode = 2004

	ErrorEmailSendFailed      ErrorCode = 3001
	ErrorSmtpConnectionFailed ErrorCode = 3002
	ErrorInvalidEmailFormat   ErrorCode = 3003
	ErrorEmailSizeExceeded    ErrorCode = 3004

	ErrorNotFound ErrorCode = 4004
	ErrorConflict ErrorCode = 4009

	ErrorServer             ErrorCode = 5001
	ErrorDatabase           ErrorCode = 5002
	ErrorExternalService    ErrorCode = 5003
	ErrorConfiguration      ErrorCode = 5004
	ErrorServiceUnavailable ErrorCode = 5005
)

var errorCodeNames = map[ErrorCode]string{
	ErrorUnknown:              "Unknown",
	ErrorValidation:           "ValidationError",
	ErrorInvalidParameter:     "InvalidParameter",
	ErrorUnauthorized:         "Unauthorized",
	ErrorInvalidApiKey:        "InvalidApiKey",
	ErrorMissingApiKey:        "MissingApiKey",
	ErrorRateLimitExceeded:    "RateLimitExceeded",
	ErrorEmailSendFailed:      "EmailSendFailed",
	ErrorSmtpConnectionFailed: "SmtpConnectionFailed",
	ErrorInvalidEmailFormat:   "InvalidEmailFormat",
	ErrorEmailSizeExceeded:    "EmailSizeExceeded",
	ErrorNotFound:             "NotFound",
	ErrorConflict:             "Conflict",
	ErrorServer:               "ServerError",
	ErrorDatabase:             "DatabaseError",
	ErrorExternalService:      "ExternalServiceError",
	ErrorConfiguration:        "ConfigurationError",
	ErrorServiceUnavailable:   "ServiceUnavailable",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

func (c ErrorCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// StandardApiResponse is the envelope of every JSON response.
type StandardApiResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Data      any        `json:"data,omitempty"`
	RequestID string     `json:"requestId"`
	Timestamp time.Time  `json:"timestamp"`
	ErrorCode *ErrorCode `json:"errorCode,omitempty"`
	Details   any        `json:"details,omitempty"`
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HistoryPage is the data of GET /api/email/history.
type HistoryPage struct {
	Items    []*DeliveryRecord `json:"items"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	Env       string    `json:"environment"`
	Timestamp time.Time `json:"timestamp"`
}
