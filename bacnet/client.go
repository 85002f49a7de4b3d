package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo/bacnet-stack/bacnet/internal/transport"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// COVHandler is called when a COV notification is received. It runs on
// the receive goroutine and must not wait for client requests.
type COVHandler func(deviceID uint32, objectID ObjectIdentifier, values []PropertyValue)

// Client is a BACnet client. It discovers devices and reads, writes and
// monitors their properties.
type Client struct {
	opts       *options
	network    *NetworkLayer
	dispatcher *Dispatcher

	state     atomic.Int32
	invokeID  atomic.Uint32
	processID atomic.Uint32

	// Pending confirmed requests by invoke ID
	pendingMu sync.Mutex
	pending   map[uint8]*pendingRequest

	// Discovered and bound devices
	devicesMu sync.RWMutex
	devices   map[uint32]*DeviceInfo

	// Listeners for I-Am and I-Have while a discovery runs
	listenMu  sync.Mutex
	listenSeq int
	iamSinks  map[int]chan *DeviceInfo
	ihaveSink map[int]chan IHaveRequest

	// COV subscriptions by process ID
	covMu   sync.RWMutex
	covSubs map[uint32]COVHandler

	metrics *Metrics
	logger  *slog.Logger

	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
}

// NewClient creates a new BACnet client
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		opts:       options,
		network:    NewNetworkLayer(options.newDatalink(), options.networkNumber, options.logger),
		dispatcher: NewDispatcher(options.logger),
		pending:    make(map[uint8]*pendingRequest),
		devices:    make(map[uint32]*DeviceInfo),
		iamSinks:   make(map[int]chan *DeviceInfo),
		ihaveSink:  make(map[int]chan IHaveRequest),
		covSubs:    make(map[uint32]COVHandler),
		metrics:    NewMetrics("client"),
		logger:     options.logger,
	}

	c.dispatcher.HandleUnconfirmed(ServiceIAm, c.handleIAm)
	c.dispatcher.HandleUnconfirmed(ServiceIHave, c.handleIHave)
	c.dispatcher.HandleUnconfirmed(ServiceUnconfirmedCOVNotification, c.handleUnconfirmedCOV)
	c.dispatcher.HandleConfirmed(ServiceConfirmedCOVNotification, c.handleConfirmedCOV)

	return c, nil
}

// Connect opens the datalink and starts receiving
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.metrics.ConnectAttempts.Inc()

	if err := c.network.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.metrics.ConnectFailures.Inc()
		return fmt.Errorf("open datalink: %w", err)
	}

	var receiverCtx context.Context
	receiverCtx, c.receiverCancel = context.WithCancel(context.Background())
	c.receiverDone = make(chan struct{})
	go c.receiver(receiverCtx)

	c.state.Store(int32(StateConnected))
	c.metrics.ConnectSuccesses.Inc()

	c.logger.Info("connected",
		slog.String("local_addr", Address{Addr: c.network.LocalMAC()}.String()),
	)

	if c.opts.autoDiscover {
		if _, err := c.WhoIs(ctx); err != nil {
			c.logger.Warn("auto discovery failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Close closes the client
func (c *Client) Close() error {
	if c.state.Load() == int32(StateDisconnected) {
		return nil
	}

	c.state.Store(int32(StateDisconnected))
	c.metrics.Disconnects.Inc()

	if c.receiverCancel != nil {
		c.receiverCancel()
	}
	err := c.network.Close()
	if c.receiverDone != nil {
		<-c.receiverDone
	}

	// Fail pending requests
	c.pendingMu.Lock()
	for id, p := range c.pending {
		close(p.ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if err != nil {
		return fmt.Errorf("close datalink: %w", err)
	}

	c.logger.Info("disconnected")
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Network returns the network layer of the client
func (c *Client) Network() *NetworkLayer {
	return c.network
}

// receiver handles incoming messages
func (c *Client) receiver(ctx context.Context) {
	defer close(c.receiverDone)

	for {
		msg, err := c.network.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			c.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		c.metrics.BytesReceived.Add(float64(len(msg.APDU)))
		c.metrics.RecordActivity()
		c.handleMessage(ctx, msg)
	}
}

// handleMessage processes an incoming APDU
func (c *Client) handleMessage(ctx context.Context, msg Message) {
	apdu, err := DecodeAPDU(msg.APDU)
	if err != nil {
		c.logger.Debug("invalid APDU", slog.String("error", err.Error()))
		return
	}

	switch apdu.Type {
	case PDUTypeConfirmedRequest, PDUTypeUnconfirmedRequest:
		resp := c.dispatcher.Dispatch(ctx, msg)
		if resp == nil {
			return
		}
		if err := c.network.Send(ctx, msg.Source, resp, false, msg.Priority); err != nil {
			c.logger.Debug("response failed", slog.String("error", err.Error()))
		}

	case PDUTypeComplexAck:
		c.metrics.ResponsesReceived.Inc()
		if apdu.Segmented {
			// Segmented responses are not reassembled
			abort := EncodeAbort(apdu.InvokeID, AbortReasonSegmentationNotSupported, false)
			if err := c.network.Send(ctx, msg.Source, abort, false, 0); err != nil {
				c.logger.Debug("abort failed", slog.String("error", err.Error()))
			}
			c.handleResponse(msg.Source, &APDU{
				Type:     PDUTypeAbort,
				InvokeID: apdu.InvokeID,
				Service:  uint8(AbortReasonSegmentationNotSupported),
			})
			return
		}
		c.handleResponse(msg.Source, apdu)

	case PDUTypeSimpleAck:
		c.metrics.ResponsesReceived.Inc()
		c.handleResponse(msg.Source, apdu)

	case PDUTypeError:
		c.metrics.ResponsesReceived.Inc()
		c.metrics.ErrorsReceived.Inc()
		c.handleResponse(msg.Source, apdu)

	case PDUTypeReject:
		c.metrics.ResponsesReceived.Inc()
		c.metrics.RejectsReceived.Inc()
		c.handleResponse(msg.Source, apdu)

	case PDUTypeAbort:
		c.metrics.ResponsesReceived.Inc()
		c.metrics.AbortsReceived.Inc()
		c.handleResponse(msg.Source, apdu)
	}
}

// handleIAm records the device announced by an I-Am
func (c *Client) handleIAm(ctx context.Context, src Address, data []byte) error {
	c.metrics.IAmReceived.Inc()

	iam, err := DecodeIAm(data)
	if err != nil {
		return err
	}

	device := &DeviceInfo{
		ObjectID:      iam.DeviceID,
		Address:       Address{Net: src.Net, Addr: append([]byte(nil), src.Addr...)},
		MaxAPDULength: uint16(iam.MaxAPDU),
		Segmentation:  iam.Segmentation,
		VendorID:      iam.VendorID,
	}

	c.devicesMu.Lock()
	_, exists := c.devices[iam.DeviceID.Instance]
	c.devices[iam.DeviceID.Instance] = device
	c.devicesMu.Unlock()

	if !exists {
		c.metrics.DevicesDiscovered.Inc()
		c.logger.Debug("device discovered",
			slog.Uint64("device_id", uint64(iam.DeviceID.Instance)),
			slog.String("address", src.String()),
			slog.Uint64("vendor_id", uint64(iam.VendorID)),
		)
	}

	c.listenMu.Lock()
	for _, ch := range c.iamSinks {
		select {
		case ch <- device:
		default:
		}
	}
	c.listenMu.Unlock()
	return nil
}

func (c *Client) handleIHave(ctx context.Context, src Address, data []byte) error {
	ihave, err := DecodeIHave(data)
	if err != nil {
		return err
	}

	c.listenMu.Lock()
	for _, ch := range c.ihaveSink {
		select {
		case ch <- ihave:
		default:
		}
	}
	c.listenMu.Unlock()
	return nil
}

func (c *Client) handleUnconfirmedCOV(ctx context.Context, src Address, data []byte) error {
	_, err := c.deliverCOV(data)
	return err
}

// handleConfirmedCOV acknowledges a notification for a known subscription
func (c *Client) handleConfirmedCOV(ctx context.Context, req *ConfirmedRequest) ([]byte, error) {
	known, err := c.deliverCOV(req.Data)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, servicesError(ErrorCodeUnknownSubscription)
	}
	return nil, nil
}

// deliverCOV decodes a notification and hands it to the subscription's
// handler. It reports whether the subscription is known.
func (c *Client) deliverCOV(data []byte) (bool, error) {
	n, err := DecodeCOVNotification(data)
	if err != nil {
		return false, err
	}
	c.metrics.COVNotifications.Inc()

	c.covMu.RLock()
	handler, ok := c.covSubs[n.ProcessID]
	c.covMu.RUnlock()
	if !ok {
		c.logger.Debug("COV notification for unknown subscription",
			slog.Uint64("process_id", uint64(n.ProcessID)),
		)
		return false, nil
	}

	for i := range n.Values {
		n.Values[i].ObjectID = n.ObjectID
	}
	if handler != nil {
		handler(n.DeviceID.Instance, n.ObjectID, n.Values)
	}
	return true, nil
}

// pendingRequest is a confirmed request waiting for the answer of peer
type pendingRequest struct {
	peer Address
	ch   chan *APDU
}

// handleResponse handles a response to a pending request. Only the peer
// the request went to can answer it.
func (c *Client) handleResponse(src Address, apdu *APDU) {
	c.pendingMu.Lock()
	p, ok := c.pending[apdu.InvokeID]
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	if !c.samePeer(p.peer, src) {
		c.logger.Debug("response from unexpected peer",
			slog.Int("invoke_id", int(apdu.InvokeID)),
			slog.String("expected", p.peer.String()),
			slog.String("from", src.String()),
		)
		return
	}
	select {
	case p.ch <- apdu:
	default:
	}
}

// samePeer compares addresses, counting our own network number as local
func (c *Client) samePeer(a, b Address) bool {
	if c.network.isLocal(a.Net) && c.network.isLocal(b.Net) {
		return string(a.Addr) == string(b.Addr)
	}
	return a.Equal(b)
}

// allocInvokeID reserves an invoke ID not used by a pending request
func (c *Client) allocInvokeID(peer Address) (uint8, chan *APDU, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for i := 0; i < 256; i++ {
		id := uint8(c.invokeID.Add(1))
		if _, busy := c.pending[id]; busy {
			continue
		}
		ch := make(chan *APDU, 1)
		c.pending[id] = &pendingRequest{peer: peer, ch: ch}
		return id, ch, nil
	}
	return 0, nil, fmt.Errorf("bacnet: no free invoke ID")
}

func (c *Client) releaseInvokeID(id uint8) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) maxAPDU() int {
	n := c.network.MaxAPDU()
	if int(c.opts.maxAPDULength) < n {
		n = int(c.opts.maxAPDULength)
	}
	return n
}

// sendRequest sends a confirmed request to a device and waits for the
// response. Timed out attempts are retried with the same invoke ID.
func (c *Client) sendRequest(ctx context.Context, dev *DeviceInfo, service ConfirmedServiceChoice, data []byte) (*APDU, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	invokeID, respCh, err := c.allocInvokeID(dev.Address)
	if err != nil {
		return nil, err
	}
	defer c.releaseInvokeID(invokeID)

	apdu := EncodeConfirmedRequest(invokeID, service, data, 0, EncodeMaxAPDU(c.maxAPDU()))
	if dev.MaxAPDULength > 0 && len(apdu) > int(dev.MaxAPDULength) {
		return nil, fmt.Errorf("%s request of %d bytes: %w", service, len(apdu), ErrSegmentationNotSupported)
	}

	start := time.Now()
	c.metrics.ActiveRequests.Inc()
	defer c.metrics.ActiveRequests.Dec()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.Retries.Inc()
			c.logger.Debug("retrying request",
				slog.String("service", service.String()),
				slog.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.retryDelay):
			}
		}

		c.metrics.RequestsSent.Inc()
		if err := c.network.Send(ctx, dev.Address, apdu, true, 0); err != nil {
			c.metrics.RequestsFailed.Inc()
			return nil, fmt.Errorf("send request: %w", err)
		}
		c.metrics.BytesSent.Add(float64(len(apdu)))

		resp, err := c.await(ctx, respCh)
		if errors.Is(err, ErrTimeout) && attempt < c.opts.retries {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				c.metrics.RequestsTimedOut.Inc()
			}
			return nil, err
		}

		c.metrics.ObserveLatency(time.Since(start))
		return c.result(service, resp)
	}
}

// await waits one request timeout for the response
func (c *Client) await(ctx context.Context, respCh chan *APDU) (*APDU, error) {
	timer := time.NewTimer(c.opts.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	}
}

// result turns a response APDU into the ack or the error it carries
func (c *Client) result(service ConfirmedServiceChoice, resp *APDU) (*APDU, error) {
	switch resp.Type {
	case PDUTypeSimpleAck, PDUTypeComplexAck:
		if ConfirmedServiceChoice(resp.Service) != service {
			c.metrics.RequestsFailed.Inc()
			return nil, fmt.Errorf("%w: ack for %s", ErrInvalidResponse, ConfirmedServiceChoice(resp.Service))
		}
		c.metrics.RequestsSucceeded.Inc()
		return resp, nil

	case PDUTypeError:
		c.metrics.RequestsFailed.Inc()
		bacErr, err := DecodeErrorPayload(resp.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return nil, bacErr

	case PDUTypeReject:
		c.metrics.RequestsFailed.Inc()
		return nil, &RejectError{
			InvokeID: resp.InvokeID,
			Reason:   RejectReason(resp.Service),
		}

	case PDUTypeAbort:
		c.metrics.RequestsFailed.Inc()
		return nil, &AbortError{
			InvokeID: resp.InvokeID,
			Server:   resp.Server,
			Reason:   AbortReason(resp.Service),
		}

	default:
		c.metrics.RequestsFailed.Inc()
		return nil, fmt.Errorf("%w: unexpected PDU type %s", ErrInvalidResponse, resp.Type)
	}
}

// sendUnconfirmedRequest sends an unconfirmed request
func (c *Client) sendUnconfirmedRequest(ctx context.Context, dest Address, service UnconfirmedServiceChoice, data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	apdu := EncodeUnconfirmedRequest(service, data)
	if err := c.network.Send(ctx, dest, apdu, false, 0); err != nil {
		return fmt.Errorf("send %s: %w", service, err)
	}
	c.metrics.BytesSent.Add(float64(len(apdu)))
	return nil
}

func (c *Client) listenIAm() (<-chan *DeviceInfo, func()) {
	ch := make(chan *DeviceInfo, 64)
	c.listenMu.Lock()
	id := c.listenSeq
	c.listenSeq++
	c.iamSinks[id] = ch
	c.listenMu.Unlock()

	return ch, func() {
		c.listenMu.Lock()
		delete(c.iamSinks, id)
		c.listenMu.Unlock()
	}
}

func (c *Client) listenIHave() (<-chan IHaveRequest, func()) {
	ch := make(chan IHaveRequest, 64)
	c.listenMu.Lock()
	id := c.listenSeq
	c.listenSeq++
	c.ihaveSink[id] = ch
	c.listenMu.Unlock()

	return ch, func() {
		c.listenMu.Lock()
		delete(c.ihaveSink, id)
		c.listenMu.Unlock()
	}
}

func (c *Client) discoverOptions(opts []DiscoverOption) *DiscoverOptions {
	options := &DiscoverOptions{Timeout: c.opts.discoverTimeout}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func discoverDestination(network uint16) Address {
	switch network {
	case 0:
		return LocalBroadcast()
	case GlobalNetwork:
		return GlobalBroadcast()
	default:
		return RemoteBroadcast(network)
	}
}

// WhoIs broadcasts a Who-Is and returns the devices answering within the
// discovery timeout, ordered by instance. It returns early when ctx is done.
func (c *Client) WhoIs(ctx context.Context, opts ...DiscoverOption) ([]*DeviceInfo, error) {
	options := c.discoverOptions(opts)

	req := WhoIsRequest{Low: options.LowLimit, High: options.HighLimit}
	iams, stop := c.listenIAm()
	defer stop()

	if err := c.sendUnconfirmedRequest(ctx, discoverDestination(options.Network), ServiceWhoIs, req.Encode()); err != nil {
		return nil, err
	}
	c.metrics.WhoIsSent.Inc()

	timer := time.NewTimer(options.Timeout)
	defer timer.Stop()

	found := make(map[uint32]*DeviceInfo)
collect:
	for {
		select {
		case dev := <-iams:
			if req.Matches(dev.ObjectID.Instance) {
				found[dev.ObjectID.Instance] = dev
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	devices := make([]*DeviceInfo, 0, len(found))
	for _, dev := range found {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance
	})
	return devices, nil
}

// WhoHas looks for an object by identifier, or by name when objectID is
// nil, and returns the I-Have answers received within the timeout
func (c *Client) WhoHas(ctx context.Context, objectID *ObjectIdentifier, objectName string, opts ...DiscoverOption) ([]IHaveRequest, error) {
	options := c.discoverOptions(opts)

	req := WhoHasRequest{Low: options.LowLimit, High: options.HighLimit, ObjectID: objectID, ObjectName: objectName}
	ihaves, stop := c.listenIHave()
	defer stop()

	if err := c.sendUnconfirmedRequest(ctx, discoverDestination(options.Network), ServiceWhoHas, req.Encode()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(options.Timeout)
	defer timer.Stop()

	var found []IHaveRequest
	for {
		select {
		case ihave := <-ihaves:
			found = append(found, ihave)
		case <-timer.C:
			return found, nil
		case <-ctx.Done():
			return found, nil
		}
	}
}

// AddDevice binds a device to an address without discovery
func (c *Client) AddDevice(info DeviceInfo) {
	if info.ObjectID.Type != ObjectTypeDevice {
		info.ObjectID = NewObjectIdentifier(ObjectTypeDevice, info.ObjectID.Instance)
	}
	c.devicesMu.Lock()
	c.devices[info.ObjectID.Instance] = &info
	c.devicesMu.Unlock()
}

// GetDevice returns information about a discovered device
func (c *Client) GetDevice(deviceID uint32) (*DeviceInfo, bool) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	dev, ok := c.devices[deviceID]
	return dev, ok
}

// Devices returns the known devices ordered by instance
func (c *Client) Devices() []*DeviceInfo {
	c.devicesMu.RLock()
	devices := make([]*DeviceInfo, 0, len(c.devices))
	for _, dev := range c.devices {
		devices = append(devices, dev)
	}
	c.devicesMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance
	})
	return devices
}

// resolveDevice finds the binding of a device, discovering it when unknown
func (c *Client) resolveDevice(ctx context.Context, deviceID uint32) (*DeviceInfo, error) {
	if dev, ok := c.GetDevice(deviceID); ok {
		return dev, nil
	}
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	iams, stop := c.listenIAm()
	defer stop()

	req := WhoIsRequest{Low: &deviceID, High: &deviceID}
	if err := c.sendUnconfirmedRequest(ctx, GlobalBroadcast(), ServiceWhoIs, req.Encode()); err != nil {
		return nil, err
	}
	c.metrics.WhoIsSent.Inc()

	timer := time.NewTimer(c.opts.discoverTimeout)
	defer timer.Stop()

	for {
		select {
		case dev := <-iams:
			if dev.ObjectID.Instance == deviceID {
				return dev, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadProperty reads a property from a BACnet object
func (c *Client) ReadProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, opts ...ReadOption) (interface{}, error) {
	options := &ReadOptions{}
	for _, opt := range opts {
		opt(options)
	}

	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	req := ReadPropertyRequest{ObjectID: objectID, PropertyID: propertyID, ArrayIndex: options.ArrayIndex}
	resp, err := c.sendRequest(ctx, dev, ServiceReadProperty, req.Encode())
	if err != nil {
		return nil, err
	}

	ack, err := DecodeReadPropertyAck(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if ack.ObjectID != objectID || ack.PropertyID != propertyID {
		return nil, fmt.Errorf("%w: ack for %s %s", ErrInvalidResponse, ack.ObjectID, ack.PropertyID)
	}
	return ack.Value, nil
}

// WriteProperty writes a property of a BACnet object. A nil value with a
// priority relinquishes a command.
func (c *Client) WriteProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, value interface{}, opts ...WriteOption) error {
	options := &WriteOptions{}
	for _, opt := range opts {
		opt(options)
	}

	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	req := WritePropertyRequest{
		ObjectID:   objectID,
		PropertyID: propertyID,
		ArrayIndex: options.ArrayIndex,
		Value:      value,
		Priority:   options.Priority,
	}
	data, err := req.Encode()
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	_, err = c.sendRequest(ctx, dev, ServiceWriteProperty, data)
	return err
}

// ReadPropertyMultiple reads several properties in one request. Results
// come in request order; properties that could not be read carry Err.
func (c *Client) ReadPropertyMultiple(ctx context.Context, deviceID uint32, requests []ReadPropertyRequest) ([]PropertyValue, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	resp, err := c.sendRequest(ctx, dev, ServiceReadPropertyMultiple, EncodeReadPropertyMultiple(GroupReadRequests(requests)))
	if err != nil {
		return nil, err
	}

	results, err := DecodeReadPropertyMultipleAck(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var values []PropertyValue
	for _, r := range results {
		for _, p := range r.Results {
			values = append(values, PropertyValue{
				ObjectID:   r.ObjectID,
				PropertyID: p.PropertyID,
				ArrayIndex: p.ArrayIndex,
				Value:      p.Value,
				Err:        p.Err,
			})
		}
	}
	return values, nil
}

// SubscribeCOV subscribes to COV (Change of Value) notifications of an
// object. It returns the process ID identifying the subscription.
func (c *Client) SubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, handler COVHandler, opts ...SubscribeOption) (uint32, error) {
	options := &SubscribeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	processID := c.processID.Add(1)

	// The first notification may arrive before the acknowledgement
	c.covMu.Lock()
	c.covSubs[processID] = handler
	c.covMu.Unlock()

	confirmed := options.Confirmed
	lifetime := uint32(0)
	if options.Lifetime != nil {
		lifetime = *options.Lifetime
	}
	req := SubscribeCOVRequest{
		ProcessID: processID,
		ObjectID:  objectID,
		Confirmed: &confirmed,
		Lifetime:  &lifetime,
	}

	if _, err := c.sendRequest(ctx, dev, ServiceSubscribeCOV, req.Encode()); err != nil {
		c.covMu.Lock()
		delete(c.covSubs, processID)
		c.covMu.Unlock()
		return 0, err
	}

	c.metrics.COVSubscriptions.Inc()
	c.metrics.ActiveSubscriptions.Inc()
	return processID, nil
}

// UnsubscribeCOV cancels a COV subscription
func (c *Client) UnsubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, subID uint32) error {
	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	req := SubscribeCOVRequest{ProcessID: subID, ObjectID: objectID}
	if _, err := c.sendRequest(ctx, dev, ServiceSubscribeCOV, req.Encode()); err != nil {
		return err
	}

	c.covMu.Lock()
	if _, ok := c.covSubs[subID]; ok {
		delete(c.covSubs, subID)
		c.metrics.ActiveSubscriptions.Dec()
	}
	c.covMu.Unlock()
	return nil
}

// GetObjectList retrieves the object list of a device. Lists too large
// for one APDU are read element by element.
func (c *Client) GetObjectList(ctx context.Context, deviceID uint32) ([]ObjectIdentifier, error) {
	deviceOID := NewObjectIdentifier(ObjectTypeDevice, deviceID)

	value, err := c.ReadProperty(ctx, deviceID, deviceOID, PropertyObjectList)
	if err == nil {
		return objectIdentifiers(value)
	}
	if !errors.Is(err, &AbortError{Reason: AbortReasonSegmentationNotSupported}) {
		return nil, err
	}

	lengthVal, err := c.ReadProperty(ctx, deviceID, deviceOID, PropertyObjectList, WithArrayIndex(0))
	if err != nil {
		return nil, err
	}
	length, ok := lengthVal.(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: object-list length of type %T", ErrInvalidResponse, lengthVal)
	}

	objects := make([]ObjectIdentifier, 0, length)
	for i := uint32(1); i <= length; i++ {
		val, err := c.ReadProperty(ctx, deviceID, deviceOID, PropertyObjectList, WithArrayIndex(i))
		if err != nil {
			return nil, fmt.Errorf("object-list[%d]: %w", i, err)
		}
		if oid, ok := val.(ObjectIdentifier); ok {
			objects = append(objects, oid)
		}
	}
	return objects, nil
}

func objectIdentifiers(value interface{}) ([]ObjectIdentifier, error) {
	switch v := value.(type) {
	case ObjectIdentifier:
		return []ObjectIdentifier{v}, nil
	case []interface{}:
		objects := make([]ObjectIdentifier, 0, len(v))
		for _, item := range v {
			oid, ok := item.(ObjectIdentifier)
			if !ok {
				return nil, fmt.Errorf("%w: object-list element of type %T", ErrInvalidResponse, item)
			}
			objects = append(objects, oid)
		}
		return objects, nil
	}
	return nil, fmt.Errorf("%w: object-list of type %T", ErrInvalidResponse, value)
}

// ReadDeviceInfo reads the descriptive properties of a device object into
// its DeviceInfo
func (c *Client) ReadDeviceInfo(ctx context.Context, deviceID uint32) (*DeviceInfo, error) {
	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	oid := NewObjectIdentifier(ObjectTypeDevice, deviceID)
	props := []PropertyIdentifier{
		PropertyVendorName,
		PropertyModelName,
		PropertyFirmwareRevision,
		PropertyApplicationSoftwareVersion,
		PropertyDescription,
		PropertyLocation,
	}
	requests := make([]ReadPropertyRequest, len(props))
	for i, p := range props {
		requests[i] = ReadPropertyRequest{ObjectID: oid, PropertyID: p}
	}

	values, err := c.ReadPropertyMultiple(ctx, deviceID, requests)
	if err != nil {
		return nil, err
	}

	info := *dev
	for _, v := range values {
		s, _ := v.Value.(string)
		switch v.PropertyID {
		case PropertyVendorName:
			info.VendorName = s
		case PropertyModelName:
			info.ModelName = s
		case PropertyFirmwareRevision:
			info.FirmwareRevision = s
		case PropertyApplicationSoftwareVersion:
			info.ApplicationSoftware = s
		case PropertyDescription:
			info.Description = s
		case PropertyLocation:
			info.Location = s
		}
	}
	return &info, nil
}
