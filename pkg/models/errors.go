package models

import "errors"

// ErrorKind classifies pipeline failures for logging and counters
type ErrorKind string

const (
	ErrorCollectionFailed       ErrorKind = "CollectionFailed"
	ErrorTranslationSkipped     ErrorKind = "TranslationSkipped"
	ErrorSinkDeliveryFailed     ErrorKind = "SinkDeliveryFailed"
	ErrorTransportHandlerFailed ErrorKind = "TransportHandlerFailed"
)

var (
	// ErrCollectionFailed means the registry could not produce a snapshot
	ErrCollectionFailed = errors.New("collection failed")
	// ErrTranslationSkipped means a metric kind has no translation
	ErrTranslationSkipped = errors.New("translation skipped")
	// ErrSinkDeliveryFailed means one sink rejected or failed a batch
	ErrSinkDeliveryFailed = errors.New("sink delivery failed")
	// ErrTransportHandlerFailed means a channel subscriber failed
	ErrTransportHandlerFailed = errors.New("transport handler failed")
)

// KindOf returns the ErrorKind of err, or an empty kind when err is not a pipeline error
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCollectionFailed):
		return ErrorCollectionFailed
	case errors.Is(err, ErrTranslationSkipped):
		return ErrorTranslationSkipped
	case errors.Is(err, ErrSinkDeliveryFailed):
		return ErrorSinkDeliveryFailed
	case errors.Is(err, ErrTransportHandlerFailed):
		return ErrorTransportHandlerFailed
	}
	return ""
}
