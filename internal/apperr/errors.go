// Package apperr типизированные ошибки синхронизатора.
// Вид ошибки проверяется через errors.Is(err, apperr.ErrPermission) и т.п.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindStorage    Kind = "storage"
	KindMedia      Kind = "media_processing"
	KindTransform  Kind = "transform"
	KindNetwork    Kind = "network"
	KindNotFound   Kind = "not_found"
)

// Сентинелы для errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission error")
	ErrStorage    = errors.New("storage error")
	ErrMedia      = errors.New("media processing error")
	ErrTransform  = errors.New("transform error")
	ErrNetwork    = errors.New("network error")
	ErrNotFound   = errors.New("not found")
)

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindPermission:
		return ErrPermission
	case KindStorage:
		return ErrStorage
	case KindMedia:
		return ErrMedia
	case KindTransform:
		return ErrTransform
	case KindNetwork:
		return ErrNetwork
	case KindNotFound:
		return ErrNotFound
	}
	return nil
}

// Error ошибка операции Op вида Kind.
// Input хранит исходный текст сообщения, чтобы UI мог вернуть его в поле ввода.
// MessageID заполняется, если запись всё же была создана (например, маркер неудачной загрузки).
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Input     string
	MessageID string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := sentinel(e.Kind); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Permission(op string, err error) *Error { return New(KindPermission, op, err) }
func Storage(op string, err error) *Error    { return New(KindStorage, op, err) }
func Media(op string, err error) *Error      { return New(KindMedia, op, err) }
func Transform(op string, err error) *Error  { return New(KindTransform, op, err) }
func Network(op string, err error) *Error    { return New(KindNetwork, op, err) }
func NotFound(op string, err error) *Error   { return New(KindNotFound, op, err) }

// WithInput прикрепляет исходный текст ввода.
func (e *Error) WithInput(input string) *Error {
	e.Input = input
	return e
}

// KindOf возвращает вид ошибки ("": если это не *Error).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// InputOf достаёт сохранённый текст ввода из цепочки ошибок.
func InputOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Input
	}
	return ""
}
