package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/edgeo/bacnet-stack/bacnet/internal/transport"
)

// Device is a BACnet device server. It serves the objects of an
// ObjectStore and reports their changes to COV subscribers.
type Device struct {
	opts       *options
	store      *ObjectStore
	network    *NetworkLayer
	dispatcher *Dispatcher
	cov        *covTable
	iamLimiter *rate.Limiter

	metrics *Metrics
	logger  *slog.Logger

	invokeID atomic.Uint32
	running  atomic.Bool
	notices  chan covNotice

	mu          sync.Mutex
	cancel      context.CancelFunc
	group       *errgroup.Group
	unsubscribe func()
}

// NewDevice creates a device server for the objects of store
func NewDevice(store *ObjectStore, opts ...Option) (*Device, error) {
	if store == nil {
		return nil, fmt.Errorf("bacnet: device needs an object store")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	d := &Device{
		opts:       o,
		store:      store,
		network:    NewNetworkLayer(o.newDatalink(), o.networkNumber, o.logger),
		dispatcher: NewDispatcher(o.logger),
		cov:        newCOVTable(store),
		iamLimiter: rate.NewLimiter(o.iamLimit, o.iamBurst),
		metrics:    NewMetrics("device"),
		logger:     o.logger.With(slog.Uint64("device_id", uint64(store.DeviceID().Instance))),
		notices:    make(chan covNotice, 64),
	}

	d.dispatcher.HandleUnconfirmed(ServiceWhoIs, d.handleWhoIs)
	d.dispatcher.HandleUnconfirmed(ServiceWhoHas, d.handleWhoHas)
	d.dispatcher.HandleConfirmed(ServiceReadProperty, d.handleReadProperty)
	d.dispatcher.HandleConfirmed(ServiceWriteProperty, d.handleWriteProperty)
	d.dispatcher.HandleConfirmed(ServiceReadPropertyMultiple, d.handleReadPropertyMultiple)
	d.dispatcher.HandleConfirmed(ServiceSubscribeCOV, d.handleSubscribeCOV)

	d.advertise()
	return d, nil
}

// advertise publishes the supported services and object types in the
// Device object
func (d *Device) advertise() {
	services := make([]bool, 41)
	for _, s := range d.dispatcher.ConfirmedServices() {
		services[s.ServicesSupportedBit()] = true
	}
	for _, s := range d.dispatcher.UnconfirmedServices() {
		services[s.ServicesSupportedBit()] = true
	}
	// Initiated by the device
	services[ServiceIAm.ServicesSupportedBit()] = true
	services[ServiceIHave.ServicesSupportedBit()] = true
	d.store.SetDeviceProperty(PropertyProtocolServicesSupported, NewBitString(services...))
	d.store.SetDeviceProperty(PropertySegmentationSupported, d.opts.segmentation)

	types := make([]bool, 57)
	for _, t := range []ObjectType{
		ObjectTypeDevice,
		ObjectTypeAnalogInput, ObjectTypeAnalogOutput, ObjectTypeAnalogValue,
		ObjectTypeBinaryInput, ObjectTypeBinaryOutput, ObjectTypeBinaryValue,
		ObjectTypeMultiStateInput, ObjectTypeMultiStateOutput, ObjectTypeMultiStateValue,
	} {
		types[t] = true
	}
	d.store.SetDeviceProperty(PropertyProtocolObjectTypesSupported, NewBitString(types...))
}

// Store returns the object store served by the device
func (d *Device) Store() *ObjectStore {
	return d.store
}

// Metrics returns the device metrics
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// Network returns the network layer of the device
func (d *Device) Network() *NetworkLayer {
	return d.network
}

// Subscriptions returns the active COV subscriptions
func (d *Device) Subscriptions() []COVSubscription {
	return d.cov.list()
}

// Start opens the datalink, announces the device and serves requests in
// the background until Close
func (d *Device) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	d.metrics.ConnectAttempts.Inc()
	if err := d.network.Open(ctx); err != nil {
		d.running.Store(false)
		d.metrics.ConnectFailures.Inc()
		return fmt.Errorf("open datalink: %w", err)
	}
	d.metrics.ConnectSuccesses.Inc()

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.serve(gctx) })
	g.Go(func() error { return d.notify(gctx) })
	g.Go(func() error { return d.expireSubscriptions(gctx) })

	unsubscribe := d.store.Subscribe(d.onChange)

	d.mu.Lock()
	d.cancel = cancel
	d.group = g
	d.unsubscribe = unsubscribe
	d.mu.Unlock()

	d.logger.Info("device started", slog.String("mac", Address{Addr: d.network.LocalMAC()}.String()))

	if err := d.AnnounceIAm(ctx, GlobalBroadcast()); err != nil {
		d.logger.Warn("I-Am announcement failed", slog.String("error", err.Error()))
	}
	return nil
}

// Run starts the device and serves until ctx is done
func (d *Device) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Close()
}

// Close stops the device and closes its datalink
func (d *Device) Close() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}

	d.mu.Lock()
	cancel, g, unsubscribe := d.cancel, d.group, d.unsubscribe
	d.mu.Unlock()

	unsubscribe()
	cancel()
	closeErr := d.network.Close()
	err := g.Wait()
	d.metrics.Disconnects.Inc()
	d.logger.Info("device stopped")

	if err != nil {
		return err
	}
	return closeErr
}

func (d *Device) serve(ctx context.Context) error {
	for {
		msg, err := d.network.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		d.metrics.RecordActivity()
		d.metrics.BytesReceived.Add(float64(len(msg.APDU)))
		d.handle(ctx, msg)
	}
}

func (d *Device) handle(ctx context.Context, msg Message) {
	if len(msg.APDU) == 0 {
		return
	}
	pduType := PDUType(msg.APDU[0] & 0xF0)
	if pduType != PDUTypeConfirmedRequest && pduType != PDUTypeUnconfirmedRequest {
		return
	}
	d.metrics.RequestsReceived.Inc()

	start := time.Now()
	resp := d.dispatcher.Dispatch(ctx, msg)
	if resp == nil {
		return
	}
	d.metrics.ObserveLatency(time.Since(start))

	switch PDUType(resp[0] & 0xF0) {
	case PDUTypeError:
		d.metrics.ErrorsSent.Inc()
	case PDUTypeReject:
		d.metrics.RejectsSent.Inc()
	case PDUTypeAbort:
		d.metrics.AbortsSent.Inc()
	}

	if err := d.network.Send(ctx, msg.Source, resp, false, msg.Priority); err != nil {
		d.logger.Debug("response failed",
			slog.String("to", msg.Source.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.metrics.BytesSent.Add(float64(len(resp)))
}

func (d *Device) maxAPDU() uint32 {
	n := d.network.MaxAPDU()
	if int(d.opts.maxAPDULength) < n {
		n = int(d.opts.maxAPDULength)
	}
	return uint32(n)
}

func (d *Device) vendorID() uint16 {
	if d.opts.vendorID != 0 {
		return d.opts.vendorID
	}
	v, _ := d.store.ReadProperty(d.store.DeviceID(), PropertyVendorIdentifier, nil)
	id, _ := v.(uint32)
	return uint16(id)
}

// AnnounceIAm sends an I-Am for the device to dest
func (d *Device) AnnounceIAm(ctx context.Context, dest Address) error {
	iam := IAmRequest{
		DeviceID:     d.store.DeviceID(),
		MaxAPDU:      d.maxAPDU(),
		Segmentation: d.opts.segmentation,
		VendorID:     d.vendorID(),
	}
	apdu := EncodeUnconfirmedRequest(ServiceIAm, iam.Encode())
	if err := d.network.Send(ctx, dest, apdu, false, 0); err != nil {
		return err
	}
	d.metrics.IAmSent.Inc()
	return nil
}

// replyAddress is where broadcast answers to a request from src go
func replyAddress(src Address) Address {
	if src.IsRemote() {
		return RemoteBroadcast(src.Net)
	}
	return LocalBroadcast()
}

func (d *Device) handleWhoIs(ctx context.Context, src Address, data []byte) error {
	req, err := DecodeWhoIs(data)
	if err != nil {
		return err
	}
	if !req.Matches(d.store.DeviceID().Instance) {
		return nil
	}
	if !d.iamLimiter.Allow() {
		d.logger.Debug("I-Am throttled", slog.String("from", src.String()))
		return nil
	}
	return d.AnnounceIAm(ctx, replyAddress(src))
}

func (d *Device) handleWhoHas(ctx context.Context, src Address, data []byte) error {
	req, err := DecodeWhoHas(data)
	if err != nil {
		return err
	}
	if !req.Matches(d.store.DeviceID().Instance) {
		return nil
	}

	var (
		id   ObjectIdentifier
		name string
		ok   bool
	)
	if req.ObjectID != nil {
		id = *req.ObjectID
		name, ok = d.store.Name(id)
	} else {
		name = req.ObjectName
		id, ok = d.store.Lookup(name)
	}
	if !ok {
		return nil
	}

	ihave := IHaveRequest{DeviceID: d.store.DeviceID(), ObjectID: id, ObjectName: name}
	apdu := EncodeUnconfirmedRequest(ServiceIHave, ihave.Encode())
	return d.network.Send(ctx, replyAddress(src), apdu, false, 0)
}

func (d *Device) handleReadProperty(ctx context.Context, req *ConfirmedRequest) ([]byte, error) {
	rp, err := DecodeReadProperty(req.Data)
	if err != nil {
		return nil, err
	}
	value, err := d.store.ReadProperty(rp.ObjectID, rp.PropertyID, rp.ArrayIndex)
	if err != nil {
		return nil, err
	}
	ack := ReadPropertyAck{
		ObjectID:   rp.ObjectID,
		PropertyID: rp.PropertyID,
		ArrayIndex: rp.ArrayIndex,
		Value:      value,
	}
	return ack.Encode()
}

func (d *Device) handleWriteProperty(ctx context.Context, req *ConfirmedRequest) ([]byte, error) {
	wp, err := DecodeWriteProperty(req.Data)
	if err != nil {
		return nil, err
	}
	if err := d.store.WriteProperty(wp.ObjectID, wp.PropertyID, wp.ArrayIndex, wp.Value, wp.Priority); err != nil {
		return nil, err
	}
	d.logger.Debug("property written",
		slog.String("object", wp.ObjectID.String()),
		slog.String("property", wp.PropertyID.String()),
		slog.String("from", req.Source.String()),
	)
	return nil, nil
}

func (d *Device) handleReadPropertyMultiple(ctx context.Context, req *ConfirmedRequest) ([]byte, error) {
	specs, err := DecodeReadPropertyMultiple(req.Data)
	if err != nil {
		return nil, err
	}

	results := make([]ReadAccessResult, 0, len(specs))
	for _, spec := range specs {
		results = append(results, d.readAccess(spec))
	}
	return EncodeReadPropertyMultipleAck(results)
}

// readAccess reads the properties of one read access specification.
// all, required and optional expand to the matching properties.
func (d *Device) readAccess(spec ReadAccessSpec) ReadAccessResult {
	result := ReadAccessResult{ObjectID: spec.ObjectID}

	for _, ref := range spec.Properties {
		switch ref.PropertyID {
		case PropertyAll, PropertyRequired, PropertyOptional:
			props, err := d.store.PropertyList(spec.ObjectID, ref.PropertyID)
			if err != nil {
				result.Results = append(result.Results, PropertyResult{PropertyID: ref.PropertyID, Err: asBACnetError(err)})
				continue
			}
			for _, p := range props {
				result.Results = append(result.Results, d.readResult(spec.ObjectID, p, nil))
			}
		default:
			result.Results = append(result.Results, d.readResult(spec.ObjectID, ref.PropertyID, ref.ArrayIndex))
		}
	}
	return result
}

func (d *Device) readResult(id ObjectIdentifier, prop PropertyIdentifier, index *uint32) PropertyResult {
	r := PropertyResult{PropertyID: prop, ArrayIndex: index}
	value, err := d.store.ReadProperty(id, prop, index)
	if err != nil {
		r.Err = asBACnetError(err)
		return r
	}
	r.Value = value
	return r
}

func asBACnetError(err error) *BACnetError {
	var bacErr *BACnetError
	if errors.As(err, &bacErr) {
		return bacErr
	}
	return NewBACnetError(ErrorClassDevice, ErrorCodeOther)
}

func (d *Device) handleSubscribeCOV(ctx context.Context, req *ConfirmedRequest) ([]byte, error) {
	sc, err := DecodeSubscribeCOV(req.Data)
	if err != nil {
		return nil, err
	}

	notice, err := d.cov.subscribe(req.Source, sc)
	if err != nil {
		return nil, err
	}
	d.metrics.ActiveSubscriptions.Set(float64(d.cov.count()))

	if notice == nil {
		d.logger.Debug("COV subscription cancelled",
			slog.String("object", sc.ObjectID.String()),
			slog.String("subscriber", req.Source.String()),
		)
		return nil, nil
	}

	d.metrics.COVSubscriptions.Inc()
	d.logger.Debug("COV subscription",
		slog.String("object", sc.ObjectID.String()),
		slog.String("subscriber", req.Source.String()),
		slog.Uint64("process_id", uint64(sc.ProcessID)),
	)

	// The initial notification follows the acknowledgement
	d.queue(*notice)
	return nil, nil
}

// onChange is called by the store after every change
func (d *Device) onChange(ev ChangeEvent) {
	switch ev.PropertyID {
	case PropertyPresentValue, PropertyOutOfService, PropertyStatusFlags, PropertyRelinquishDefault:
	default:
		return
	}
	for _, n := range d.cov.changed(ev.ObjectID) {
		d.queue(n)
	}
}

func (d *Device) queue(n covNotice) {
	select {
	case d.notices <- n:
	default:
		d.logger.Warn("COV notification dropped",
			slog.String("object", n.sub.ObjectID.String()),
			slog.String("subscriber", n.sub.Subscriber.String()),
		)
	}
}

func (d *Device) notify(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.notices:
			if err := d.sendNotification(ctx, n); err != nil {
				d.logger.Debug("COV notification failed",
					slog.String("subscriber", n.sub.Subscriber.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sendNotification sends a COV notification. Confirmed notifications are
// not retried and their acknowledgement is not awaited.
func (d *Device) sendNotification(ctx context.Context, n covNotice) error {
	notification := COVNotification{
		ProcessID:     n.sub.ProcessID,
		DeviceID:      d.store.DeviceID(),
		ObjectID:      n.sub.ObjectID,
		TimeRemaining: n.sub.TimeRemaining(d.cov.now()),
		Values:        n.values,
	}
	data, err := notification.Encode()
	if err != nil {
		return err
	}

	var apdu []byte
	if n.sub.Confirmed {
		invokeID := uint8(d.invokeID.Add(1))
		apdu = EncodeConfirmedRequest(invokeID, ServiceConfirmedCOVNotification, data, 0, EncodeMaxAPDU(int(d.maxAPDU())))
	} else {
		apdu = EncodeUnconfirmedRequest(ServiceUnconfirmedCOVNotification, data)
	}

	if err := d.network.Send(ctx, n.sub.Subscriber, apdu, n.sub.Confirmed, 0); err != nil {
		return err
	}
	d.metrics.COVNotifications.Inc()
	d.metrics.BytesSent.Add(float64(len(apdu)))
	return nil
}

func (d *Device) expireSubscriptions(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.covCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sub := range d.cov.expire() {
				d.logger.Debug("COV subscription expired",
					slog.String("object", sub.ObjectID.String()),
					slog.String("subscriber", sub.Subscriber.String()),
				)
			}
			d.metrics.ActiveSubscriptions.Set(float64(d.cov.count()))
		}
	}
}
