package bacnet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ConfirmedRequest is a decoded confirmed service request
type ConfirmedRequest struct {
	Source   Address
	InvokeID uint8
	Service  ConfirmedServiceChoice

	// MaxAPDU is the largest response the requester accepts
	MaxAPDU int
	Data    []byte
}

// ConfirmedHandler serves a confirmed request. A nil result is answered
// with a Simple-ACK, data with a Complex-ACK. Errors of type *BACnetError,
// *RejectError and *AbortError are sent back as such.
type ConfirmedHandler func(ctx context.Context, req *ConfirmedRequest) ([]byte, error)

// UnconfirmedHandler serves an unconfirmed request
type UnconfirmedHandler func(ctx context.Context, src Address, data []byte) error

// Dispatcher routes incoming service requests to their handlers and
// builds the response APDU
type Dispatcher struct {
	logger *slog.Logger

	mu          sync.RWMutex
	confirmed   map[ConfirmedServiceChoice]ConfirmedHandler
	unconfirmed map[UnconfirmedServiceChoice]UnconfirmedHandler
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:      logger,
		confirmed:   make(map[ConfirmedServiceChoice]ConfirmedHandler),
		unconfirmed: make(map[UnconfirmedServiceChoice]UnconfirmedHandler),
	}
}

// HandleConfirmed registers the handler of a confirmed service
func (d *Dispatcher) HandleConfirmed(service ConfirmedServiceChoice, h ConfirmedHandler) {
	d.mu.Lock()
	d.confirmed[service] = h
	d.mu.Unlock()
}

// HandleUnconfirmed registers the handler of an unconfirmed service
func (d *Dispatcher) HandleUnconfirmed(service UnconfirmedServiceChoice, h UnconfirmedHandler) {
	d.mu.Lock()
	d.unconfirmed[service] = h
	d.mu.Unlock()
}

// ConfirmedServices lists the registered confirmed services
func (d *Dispatcher) ConfirmedServices() []ConfirmedServiceChoice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	services := make([]ConfirmedServiceChoice, 0, len(d.confirmed))
	for s := range d.confirmed {
		services = append(services, s)
	}
	return services
}

// UnconfirmedServices lists the registered unconfirmed services
func (d *Dispatcher) UnconfirmedServices() []UnconfirmedServiceChoice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	services := make([]UnconfirmedServiceChoice, 0, len(d.unconfirmed))
	for s := range d.unconfirmed {
		services = append(services, s)
	}
	return services
}

// Dispatch serves one request APDU and returns the response APDU, nil when
// no response is due. APDUs other than requests are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) []byte {
	apdu, err := DecodeAPDU(msg.APDU)
	if err != nil {
		d.logger.Debug("invalid APDU",
			slog.String("from", msg.Source.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	switch apdu.Type {
	case PDUTypeConfirmedRequest:
		return d.dispatchConfirmed(ctx, msg.Source, apdu)
	case PDUTypeUnconfirmedRequest:
		d.dispatchUnconfirmed(ctx, msg.Source, apdu)
	}
	return nil
}

func (d *Dispatcher) dispatchUnconfirmed(ctx context.Context, src Address, apdu *APDU) {
	service := UnconfirmedServiceChoice(apdu.Service)

	d.mu.RLock()
	h, ok := d.unconfirmed[service]
	d.mu.RUnlock()
	if !ok {
		return
	}

	if err := h(ctx, src, apdu.Data); err != nil {
		d.logger.Debug("unconfirmed request failed",
			slog.String("service", service.String()),
			slog.String("from", src.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) dispatchConfirmed(ctx context.Context, src Address, apdu *APDU) []byte {
	service := ConfirmedServiceChoice(apdu.Service)

	if apdu.Segmented {
		return EncodeAbort(apdu.InvokeID, AbortReasonSegmentationNotSupported, true)
	}

	d.mu.RLock()
	h, ok := d.confirmed[service]
	d.mu.RUnlock()
	if !ok {
		return EncodeReject(apdu.InvokeID, RejectReasonUnrecognizedService)
	}

	req := &ConfirmedRequest{
		Source:   src,
		InvokeID: apdu.InvokeID,
		Service:  service,
		MaxAPDU:  DecodeMaxAPDU(apdu.MaxAPDU),
		Data:     apdu.Data,
	}

	data, err := h(ctx, req)
	if err != nil {
		d.logger.Debug("confirmed request failed",
			slog.String("service", service.String()),
			slog.String("from", src.String()),
			slog.String("error", err.Error()),
		)
		return errorResponse(apdu.InvokeID, service, err)
	}

	if data == nil {
		return EncodeSimpleAck(apdu.InvokeID, service)
	}

	resp := EncodeComplexAck(apdu.InvokeID, service, data)
	if len(resp) > req.MaxAPDU {
		return EncodeAbort(apdu.InvokeID, AbortReasonSegmentationNotSupported, true)
	}
	return resp
}

// errorResponse maps a handler error to an Error, Reject or Abort PDU
func errorResponse(invokeID uint8, service ConfirmedServiceChoice, err error) []byte {
	var (
		bacErr    *BACnetError
		rejectErr *RejectError
		abortErr  *AbortError
	)

	switch {
	case errors.As(err, &bacErr):
		return EncodeErrorPDU(invokeID, service, bacErr.Class, bacErr.Code)
	case errors.As(err, &rejectErr):
		return EncodeReject(invokeID, rejectErr.Reason)
	case errors.As(err, &abortErr):
		return EncodeAbort(invokeID, abortErr.Reason, true)
	case errors.Is(err, ErrMissingRequiredParameter):
		return EncodeReject(invokeID, RejectReasonMissingRequiredParameter)
	case errors.Is(err, ErrInvalidTag), errors.Is(err, ErrInvalidAPDU):
		return EncodeReject(invokeID, RejectReasonInvalidTag)
	case errors.Is(err, ErrTooManyArguments):
		return EncodeReject(invokeID, RejectReasonTooManyArguments)
	case errors.Is(err, ErrSegmentationNotSupported):
		return EncodeAbort(invokeID, AbortReasonSegmentationNotSupported, true)
	}
	return EncodeAbort(invokeID, AbortReasonOther, true)
}
