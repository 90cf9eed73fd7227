package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotUserMessage  = errors.New("only user messages can be edited")
	ErrEmptyInput      = errors.New("text or attachment is required")
	ErrThreadBusy      = errors.New("a response is already in progress for this thread")
	ErrInvalidMode     = errors.New("unknown interaction mode")
	ErrInvalidLocale   = errors.New("unsupported locale")

	ErrInvalidAttachment = errors.New("attachment needs data and a MIME type")
)

// ErrorKind classifies a failed generation attempt.
type ErrorKind string

const (
	KindInvalidCredential   ErrorKind = "invalid_credential"
	KindQuotaExceeded       ErrorKind = "quota_exceeded"
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	KindTransport           ErrorKind = "transport"
	KindCanceled            ErrorKind = "canceled"
)

// GenerationError is returned by the generation client adapters. The kind is
// decided once at the adapter boundary.
type GenerationError struct {
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewGenerationError wraps err with a kind.
func NewGenerationError(kind ErrorKind, err error) *GenerationError {
	return &GenerationError{Kind: kind, Err: err}
}

// KindOf returns the kind of a generation failure. Errors that carry no kind
// are transport errors, except context cancellation.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransport
}

var userMessages = map[string]map[ErrorKind]string{
	"en": {
		KindInvalidCredential:   "The API key is missing or invalid. Please enter a valid key in settings.",
		KindQuotaExceeded:       "The request quota has been exceeded. Wait a moment or turn off search and try again.",
		KindResourceUnavailable: "The selected model is temporarily unavailable. Please try again later.",
		KindTransport:           "Something went wrong while contacting the AI. Please try again.",
		KindCanceled:            "The response was stopped.",
	},
	"vi": {
		KindInvalidCredential:   "API Key không hợp lệ hoặc bị thiếu. Vui lòng nhập lại trong phần cài đặt.",
		KindQuotaExceeded:       "Đã vượt quá hạn mức yêu cầu. Hãy chờ một lát hoặc tắt tìm kiếm rồi thử lại.",
		KindResourceUnavailable: "Mô hình đã chọn tạm thời không khả dụng. Vui lòng thử lại sau.",
		KindTransport:           "Đã có lỗi xảy ra khi kết nối với AI. Vui lòng thử lại.",
		KindCanceled:            "Đã dừng phản hồi.",
	},
}

// SupportedLocales lists the locales that have user-facing messages.
var SupportedLocales = []string{"en", "vi"}

// ValidLocale reports whether locale has a message table.
func ValidLocale(locale string) bool {
	_, ok := userMessages[locale]
	return ok
}

// UserMessage returns the localized text shown for a failure kind.
// Unknown locales fall back to English.
func (k ErrorKind) UserMessage(locale string) string {
	table, ok := userMessages[locale]
	if !ok {
		table = userMessages["en"]
	}
	if msg, ok := table[k]; ok {
		return msg
	}
	return table[KindTransport]
}
