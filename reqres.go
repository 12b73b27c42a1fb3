/*
 *
 * Copyright 2025 The zerobus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package zerobus

import (
	"fmt"
	"sync/atomic"

	"github.com/zerobus/zerobus/internal/mem"
)

// ReqResService is a handle onto a request-response service. Every sent
// request opens a stream: the request fans out to all connected servers,
// each server answers with zero or more responses on that stream, and the
// stream's resources return to the service once the client has dropped its
// pending response and every server has finished.
type ReqResService[Req, Res any] struct {
	core *serviceCore
}

// OpenReqRes opens the request-response service with the given name,
// creating it when it does not exist yet. Req and Res must both be
// fixed-size types free of pointers.
func OpenReqRes[Req, Res any](node *Node, name string, q QoS) (*ReqResService[Req, Res], error) {
	tdReq, err := describeType[Req]()
	if err != nil {
		return nil, err
	}
	tdRes, err := describeType[Res]()
	if err != nil {
		return nil, err
	}
	q = q.withDefaults()

	total, initFn := reqResLayout(q, tdReq.Size, tdRes.Size)
	core, err := openOrCreateService(node, PatternRequestResponse, name, q, tdReq, tdRes, total, initFn)
	if err != nil {
		return nil, err
	}
	return &ReqResService[Req, Res]{core: core}, nil
}

const streamSlotSize = 64

// Stream states. Free streams are handed out through the free queue; the
// participant that observes both sides gone wins the active -> tearing CAS
// and recycles the stream.
const (
	streamFree    = 0
	streamActive  = 1
	streamTearing = 2
)

// streamSlot is one entry of the stream table. serverMask has one bit per
// server port still holding the request (queued or being processed); each
// set bit is backed by one reference on the request slot.
type streamSlot struct {
	state           uint32 // atomic
	gen             uint32 // atomic, bumped on recycle
	clientIdx       uint32
	clientGen       uint32
	clientConnected uint32 // atomic: 1 while the pending response is held
	serverMask      uint32 // atomic
	_pad            [2]uint32
	reqSlot         uint64 // request pool slot + 1
	_reserved       [24]byte
}

// reqResLayout computes the segment layout: port registries, loan and
// borrow cells for both sides, the stream table with its free queue, one
// request queue per server, one response queue per stream, and separate
// request and response pools.
func reqResLayout(q QoS, reqSize, resSize uint64) (uint64, func(*serviceCore)) {
	maxP := uint64(q.MaxProducers)
	maxC := uint64(q.MaxConsumers)
	loans := uint64(q.PublisherMaxLoanedSamples)
	borrow := uint64(q.SubscriberMaxBorrowedSamples)
	buffer := uint64(q.SubscriberMaxBufferSize)
	streams := uint64(q.MaxActiveStreams)

	b := newSectionBuilder()
	prodReg := b.add(maxP * portSlotSize)
	consReg := b.add(maxC * portSlotSize)
	reqLoans := b.add(maxP * loans * 8)  // loansOff: client request loans
	resBorrows := b.add(maxP * borrow * 8) // borrowsOff: client response borrows
	resLoans := b.add(maxC * loans * 8)  // histOff: server response loans
	streamTab := b.add(streams * streamSlotSize)

	freeCap := mem.NextPowerOfTwo(streams + 1)
	freeStreams := b.add(mem.QueueSize(freeCap))

	reqCap := mem.NextPowerOfTwo(streams + 1)
	chanStride := mem.QueueSize(reqCap)
	chans := b.add(maxC * chanStride)

	respCap := mem.NextPowerOfTwo(buffer + 1)
	respStride := mem.QueueSize(respCap)
	resps := b.add(streams * respStride)

	reqPool := b.add(mem.PoolSize(maxP*loans+streams, reqSize))
	resPool := b.add(mem.PoolSize(maxC*loans+streams*buffer+maxP*borrow, resSize))

	total := b.total()
	initFn := func(c *serviceCore) {
		h := c.hdr
		h.prodRegOff = prodReg
		h.consRegOff = consReg
		h.loansOff = reqLoans
		h.borrowsOff = resBorrows
		h.histOff = resLoans
		h.streamsOff = streamTab
		h.freeStreamsOff = freeStreams
		h.chanOff = chans
		h.chanStride = chanStride
		h.streamRespOff = resps
		h.poolOff = reqPool
		h.pool2Off = resPool

		fs := mem.InitQueue(c.region.Ptr(freeStreams), freeCap)
		for i := uint64(0); i < streams; i++ {
			fs.Push(i)
		}
		for ci := uint64(0); ci < maxC; ci++ {
			mem.InitQueue(c.region.Ptr(chans+ci*chanStride), reqCap)
		}
		for si := uint64(0); si < streams; si++ {
			mem.InitQueue(c.region.Ptr(resps+si*respStride), respCap)
		}
		mem.InitPool(c.region.Ptr(reqPool), maxP*loans+streams, reqSize)
		mem.InitPool(c.region.Ptr(resPool), maxC*loans+streams*buffer+maxP*borrow, resSize)
	}
	return total, initFn
}

// Name returns the service name.
func (s *ReqResService[Req, Res]) Name() string {
	return s.core.name
}

// QoS returns the capacities the service was created with.
func (s *ReqResService[Req, Res]) QoS() QoS {
	return s.core.hdr.qos()
}

// Clients returns the number of currently connected clients.
func (s *ReqResService[Req, Res]) Clients() int {
	return s.core.activeProducers()
}

// Servers returns the number of currently connected servers.
func (s *ReqResService[Req, Res]) Servers() int {
	return s.core.activeConsumers()
}

// Close drops this node's handle on the service.
func (s *ReqResService[Req, Res]) Close() error {
	return s.core.close()
}

// Stream-table accessors. The response queue stride is recomputed from the
// stored QoS; it is not kept in the header.

func (c *serviceCore) streamAt(i uint32) *streamSlot {
	return (*streamSlot)(c.region.Ptr(c.hdr.streamsOff + uint64(i)*streamSlotSize))
}

func (c *serviceCore) freeStreams() *mem.Queue {
	return mem.ViewQueue(c.region.Ptr(c.hdr.freeStreamsOff))
}

func (c *serviceCore) requestQueue(server uint32) *mem.Queue {
	return mem.ViewQueue(c.region.Ptr(c.hdr.chanOff + uint64(server)*c.hdr.chanStride))
}

func (c *serviceCore) responseQueue(stream uint32) *mem.Queue {
	stride := mem.QueueSize(mem.NextPowerOfTwo(uint64(c.hdr.qosBufferSize) + 1))
	return mem.ViewQueue(c.region.Ptr(c.hdr.streamRespOff + uint64(stream)*stride))
}

// resLoanCell tracks a server's loaned-but-unsent response slots.
func (c *serviceCore) resLoanCell(server, k uint32) *uint64 {
	off := c.hdr.histOff + (uint64(server)*uint64(c.hdr.qosMaxLoans)+uint64(k))*8
	return (*uint64)(c.region.Ptr(off))
}

// resBorrowCell tracks a client's borrowed response slots.
func (c *serviceCore) resBorrowCell(client, k uint32) *uint64 {
	off := c.hdr.borrowsOff + (uint64(client)*uint64(c.hdr.qosMaxBorrow)+uint64(k))*8
	return (*uint64)(c.region.Ptr(off))
}

// streamToken packs a stream table index and its generation into one queue
// word so a popped entry can be validated against recycling.
func streamToken(idx, gen uint32) uint64 {
	return uint64(idx)<<32 | uint64(gen)
}

func splitStreamToken(tok uint64) (uint32, uint32) {
	return uint32(tok >> 32), uint32(tok)
}

// Client sends requests and collects the responses of all connected
// servers.
//
// A Client is not safe for concurrent use by multiple goroutines.
type Client[Req, Res any] struct {
	svc       *serviceCore
	idx       uint32
	gen       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewClient connects a client port. Fails with ErrPortLimit when
// MaxProducers ports are already connected.
func (s *ReqResService[Req, Res]) NewClient() (*Client[Req, Res], error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.prodRegOff, c.hdr.qosMaxProducers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	cl := &Client[Req, Res]{svc: c, idx: idx, gen: atomic.LoadUint32(&slot.gen), slot: slot}
	cl.attachIdx = c.node.addAttachment(attachClient, PatternRequestResponse,
		c.hdr.nameHash, idx, cl.gen)
	return cl, nil
}

// Loan reserves a request slot initialized to the zero value of Req.
func (cl *Client[Req, Res]) Loan() (*RequestMut[Req, Res], error) {
	r, err := cl.LoanUninit()
	if err != nil {
		return nil, err
	}
	var zero Req
	*r.Payload() = zero
	return r, nil
}

// LoanUninit reserves a request slot without initializing the payload. The
// memory is reused and carries arbitrary bytes.
func (cl *Client[Req, Res]) LoanUninit() (*RequestMut[Req, Res], error) {
	if cl.closed.Load() {
		return nil, ErrClosed
	}
	slotIdx, cell, err := pubLoan(cl.svc, cl.idx)
	if err != nil {
		return nil, err
	}
	return &RequestMut[Req, Res]{cl: cl, slotIdx: slotIdx, cell: cell}, nil
}

// SendCopy loans a request slot, copies req into it and sends it.
func (cl *Client[Req, Res]) SendCopy(req Req) (*PendingResponse[Req, Res], error) {
	r, err := cl.LoanUninit()
	if err != nil {
		return nil, err
	}
	*r.Payload() = req
	return r.Send()
}

// Close disconnects the port. Streams still held open through pending
// responses are torn down as if the responses had been closed.
func (cl *Client[Req, Res]) Close() error {
	if !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	cl.svc.node.clearAttachment(cl.attachIdx)
	if atomic.CompareAndSwapUint32(&cl.slot.state, slotActive, slotTomb) {
		clientTeardown(cl.svc, cl.idx, cl.gen, cl.slot)
	}
	return nil
}

// RequestMut is a loaned, not yet sent request. Exactly one of Send or
// Discard consumes it.
type RequestMut[Req, Res any] struct {
	cl      *Client[Req, Res]
	slotIdx uint64
	cell    int
}

// Payload returns the writable request payload. Returns nil on a consumed
// handle.
func (r *RequestMut[Req, Res]) Payload() *Req {
	if r.cl == nil {
		return nil
	}
	return (*Req)(r.cl.svc.pool().Payload(r.slotIdx))
}

// Send opens a stream and fans the request out to every connected server.
// Fails with ErrStreamLimit when MaxActiveStreams streams are already live.
// A request sent while no server is connected succeeds; its pending
// response reports IsConnected false and never yields a response.
func (r *RequestMut[Req, Res]) Send() (*PendingResponse[Req, Res], error) {
	if r.cl == nil {
		return nil, ErrSampleState
	}
	cl := r.cl
	r.cl = nil
	if cl.closed.Load() {
		pubDiscard(cl.svc, cl.idx, r.slotIdx, r.cell)
		return nil, ErrClosed
	}

	c := cl.svc
	tok, ok := c.freeStreams().Pop()
	if !ok {
		pubDiscard(c, cl.idx, r.slotIdx, r.cell)
		return nil, fmt.Errorf("%w: %d streams live", ErrStreamLimit, c.hdr.qosMaxStreams)
	}
	si := uint32(tok)
	s := c.streamAt(si)
	gen := atomic.LoadUint32(&s.gen)

	s.clientIdx = cl.idx
	s.clientGen = cl.gen
	atomic.StoreUint64(&s.reqSlot, r.slotIdx+1)
	atomic.StoreUint32(&s.clientConnected, 1)

	// Take one request reference per target server and publish the full
	// mask before any server can pop the stream, so a fast server
	// finishing first cannot observe an empty mask and tear the stream
	// down under the remaining targets.
	var mask uint32
	pool := c.pool()
	for ci := uint32(0); ci < c.hdr.qosMaxConsumers; ci++ {
		if c.consSlot(ci).stateIs(slotActive) {
			mask |= 1 << ci
			pool.AddRef(r.slotIdx, 1)
		}
	}
	atomic.StoreUint32(&s.serverMask, mask)
	atomic.StoreUint32(&s.state, streamActive)

	for ci := uint32(0); ci < c.hdr.qosMaxConsumers; ci++ {
		if mask&(1<<ci) == 0 {
			continue
		}
		if !c.requestQueue(ci).Push(streamToken(si, gen)) {
			// Queue full: the server is hopelessly behind. Withdraw
			// this server's share instead of blocking the client.
			atomic.AndUint32(&s.serverMask, ^(uint32(1) << ci))
			pool.Release(r.slotIdx)
		}
	}

	atomic.StoreUint64(c.loanCell(cl.idx, uint32(r.cell)), 0)
	pool.Release(r.slotIdx)

	return &PendingResponse[Req, Res]{cl: cl, streamIdx: si, gen: gen}, nil
}

// Discard returns the loan to the pool without sending.
func (r *RequestMut[Req, Res]) Discard() {
	if r.cl == nil {
		return
	}
	pubDiscard(r.cl.svc, r.cl.idx, r.slotIdx, r.cell)
	r.cl = nil
}

// PendingResponse is the client's end of an open stream. It collects
// responses until closed; closing it signals the servers that nobody is
// listening anymore.
type PendingResponse[Req, Res any] struct {
	cl        *Client[Req, Res]
	streamIdx uint32
	gen       uint32
	closed    bool
}

// Receive returns the next response on the stream, or (nil, nil) when none
// is queued. Fails with ErrMaxBorrowExceeded while the client already holds
// its maximum of unreleased responses.
func (p *PendingResponse[Req, Res]) Receive() (*Response[Req, Res], error) {
	if p.closed || p.cl.closed.Load() {
		return nil, ErrClosed
	}
	c := p.cl.svc
	cell := -1
	for k := uint32(0); k < c.hdr.qosMaxBorrow; k++ {
		if atomic.LoadUint64(c.resBorrowCell(p.cl.idx, k)) == 0 {
			cell = int(k)
			break
		}
	}
	if cell < 0 {
		return nil, fmt.Errorf("%w: %d responses held, release one first",
			ErrMaxBorrowExceeded, c.hdr.qosMaxBorrow)
	}
	slotIdx, ok := c.responseQueue(p.streamIdx).Pop()
	if !ok {
		return nil, nil
	}
	atomic.StoreUint64(c.resBorrowCell(p.cl.idx, uint32(cell)), slotIdx+1)
	return &Response[Req, Res]{cl: p.cl, slotIdx: slotIdx, cell: cell}, nil
}

// HasResponses reports whether at least one response is queued.
func (p *PendingResponse[Req, Res]) HasResponses() bool {
	return !p.closed && p.cl.svc.responseQueue(p.streamIdx).Len() > 0
}

// IsConnected reports whether any server is still working on the stream.
// False means no further responses will arrive: either no server was
// connected at send time, or all of them have finished or died.
func (p *PendingResponse[Req, Res]) IsConnected() bool {
	if p.closed {
		return false
	}
	s := p.cl.svc.streamAt(p.streamIdx)
	if atomic.LoadUint32(&s.gen) != p.gen {
		return false
	}
	return atomic.LoadUint32(&s.serverMask) != 0
}

// Close drops the client's end of the stream. Unread responses are
// discarded; the stream is recycled once every server has finished too.
func (p *PendingResponse[Req, Res]) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	c := p.cl.svc
	s := c.streamAt(p.streamIdx)
	if atomic.LoadUint32(&s.gen) != p.gen {
		return nil
	}
	atomic.StoreUint32(&s.clientConnected, 0)
	streamMaybeRecycle(c, p.streamIdx, s)
	return nil
}

// Response is a received, immutable response payload. It keeps a pool
// reference alive until Release.
type Response[Req, Res any] struct {
	cl      *Client[Req, Res]
	slotIdx uint64
	cell    int
}

// Payload returns the response payload. The memory is shared and must not
// be modified. Returns nil on a released handle.
func (r *Response[Req, Res]) Payload() *Res {
	if r.cl == nil {
		return nil
	}
	return (*Res)(r.cl.svc.pool2().Payload(r.slotIdx))
}

// Release returns the borrow. Releasing twice is a no-op.
func (r *Response[Req, Res]) Release() {
	if r.cl == nil {
		return
	}
	cl := r.cl
	r.cl = nil
	atomic.StoreUint64(cl.svc.resBorrowCell(cl.idx, uint32(r.cell)), 0)
	cl.svc.pool2().Release(r.slotIdx)
}

// Server receives requests and answers them with streamed responses.
//
// A Server is not safe for concurrent use by multiple goroutines.
type Server[Req, Res any] struct {
	svc       *serviceCore
	idx       uint32
	slot      *portSlot
	attachIdx int
	closed    atomic.Bool
}

// NewServer connects a server port. Fails with ErrPortLimit when
// MaxConsumers ports are already connected.
func (s *ReqResService[Req, Res]) NewServer() (*Server[Req, Res], error) {
	c := s.core
	idx, slot, err := c.claimSlot(c.hdr.consRegOff, c.hdr.qosMaxConsumers)
	if err != nil {
		return nil, err
	}
	activateSlot(slot)

	srv := &Server[Req, Res]{svc: c, idx: idx, slot: slot}
	srv.attachIdx = c.node.addAttachment(attachServer, PatternRequestResponse,
		c.hdr.nameHash, idx, atomic.LoadUint32(&slot.gen))
	return srv, nil
}

// Receive returns the next queued request as an active request, or
// (nil, nil) when none is queued. The server holds the stream open until
// the active request is closed.
func (srv *Server[Req, Res]) Receive() (*ActiveRequest[Req, Res], error) {
	if srv.closed.Load() {
		return nil, ErrClosed
	}
	c := srv.svc
	myBit := uint32(1) << srv.idx
	for {
		tok, ok := c.requestQueue(srv.idx).Pop()
		if !ok {
			return nil, nil
		}
		si, gen := splitStreamToken(tok)
		s := c.streamAt(si)
		if atomic.LoadUint32(&s.gen) != gen ||
			atomic.LoadUint32(&s.state) != streamActive ||
			atomic.LoadUint32(&s.serverMask)&myBit == 0 {
			// Stale token: the stream was recycled or this port's
			// share was already withdrawn by reclamation.
			continue
		}
		reqSlot := atomic.LoadUint64(&s.reqSlot)
		if reqSlot == 0 {
			continue
		}
		return &ActiveRequest[Req, Res]{
			srv:       srv,
			streamIdx: si,
			gen:       gen,
			reqSlot:   reqSlot - 1,
		}, nil
	}
}

// HasRequests reports whether at least one request is queued.
func (srv *Server[Req, Res]) HasRequests() bool {
	return srv.svc.requestQueue(srv.idx).Len() > 0
}

// Close disconnects the port. Queued and active requests are abandoned;
// their streams proceed as if this server had finished without responding.
func (srv *Server[Req, Res]) Close() error {
	if !srv.closed.CompareAndSwap(false, true) {
		return nil
	}
	srv.svc.node.clearAttachment(srv.attachIdx)
	if atomic.CompareAndSwapUint32(&srv.slot.state, slotActive, slotTomb) {
		serverTeardown(srv.svc, srv.idx, srv.slot)
	}
	return nil
}

// ActiveRequest is the server's end of one stream: the received request
// payload plus the channel for its responses. Closing it releases the
// request and marks this server as finished with the stream.
type ActiveRequest[Req, Res any] struct {
	srv       *Server[Req, Res]
	streamIdx uint32
	gen       uint32
	reqSlot   uint64
	done      bool
}

// Payload returns the request payload. The memory is shared with other
// servers and must not be modified. Returns nil on a closed handle.
func (a *ActiveRequest[Req, Res]) Payload() *Req {
	if a.done {
		return nil
	}
	return (*Req)(a.srv.svc.pool().Payload(a.reqSlot))
}

// IsConnected reports whether the client is still waiting on the stream.
func (a *ActiveRequest[Req, Res]) IsConnected() bool {
	if a.done {
		return false
	}
	s := a.srv.svc.streamAt(a.streamIdx)
	return atomic.LoadUint32(&s.gen) == a.gen && atomic.LoadUint32(&s.clientConnected) == 1
}

// Loan reserves a response slot initialized to the zero value of Res.
func (a *ActiveRequest[Req, Res]) Loan() (*ResponseMut[Req, Res], error) {
	r, err := a.LoanUninit()
	if err != nil {
		return nil, err
	}
	var zero Res
	*r.Payload() = zero
	return r, nil
}

// LoanUninit reserves a response slot without initializing the payload.
func (a *ActiveRequest[Req, Res]) LoanUninit() (*ResponseMut[Req, Res], error) {
	if a.done {
		return nil, ErrSampleState
	}
	srv := a.srv
	c := srv.svc
	cell := -1
	for k := uint32(0); k < c.hdr.qosMaxLoans; k++ {
		if atomic.LoadUint64(c.resLoanCell(srv.idx, k)) == 0 {
			cell = int(k)
			break
		}
	}
	if cell < 0 {
		return nil, fmt.Errorf("%w: %d responses loaned, send or discard one first",
			ErrMaxLoansExceeded, c.hdr.qosMaxLoans)
	}
	slotIdx, ok := c.pool2().Reserve()
	if !ok {
		return nil, fmt.Errorf("%w: no free response slots", ErrPoolExhausted)
	}
	c.pool2().SetPayloadLen(slotIdx, c.hdr.type2Size)
	atomic.StoreUint64(c.resLoanCell(srv.idx, uint32(cell)), slotIdx+1)
	return &ResponseMut[Req, Res]{ar: a, slotIdx: slotIdx, cell: cell}, nil
}

// SendCopy loans a response slot, copies res into it and sends it.
func (a *ActiveRequest[Req, Res]) SendCopy(res Res) error {
	r, err := a.LoanUninit()
	if err != nil {
		return err
	}
	*r.Payload() = res
	return r.Send()
}

// Close finishes this server's work on the stream. The request reference is
// released; when the client is gone too, the stream is recycled.
func (a *ActiveRequest[Req, Res]) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	c := a.srv.svc
	s := c.streamAt(a.streamIdx)
	if atomic.LoadUint32(&s.gen) != a.gen {
		return nil
	}
	// The reference is only ours to release while the mask bit is still
	// set; a concurrent port teardown may have withdrawn it already.
	myBit := uint32(1) << a.srv.idx
	if atomic.AndUint32(&s.serverMask, ^myBit)&myBit != 0 {
		c.pool().Release(a.reqSlot)
	}
	streamMaybeRecycle(c, a.streamIdx, s)
	return nil
}

// ResponseMut is a loaned, not yet sent response. Exactly one of Send or
// Discard consumes it.
type ResponseMut[Req, Res any] struct {
	ar      *ActiveRequest[Req, Res]
	slotIdx uint64
	cell    int
}

// Payload returns the writable response payload. Returns nil on a consumed
// handle.
func (r *ResponseMut[Req, Res]) Payload() *Res {
	if r.ar == nil {
		return nil
	}
	return (*Res)(r.ar.srv.svc.pool2().Payload(r.slotIdx))
}

// Send queues the response on the stream. A full response buffer drops the
// oldest unread response in favor of the new one. Fails with
// ErrDisconnected when the client has already dropped the stream.
func (r *ResponseMut[Req, Res]) Send() error {
	if r.ar == nil {
		return ErrSampleState
	}
	a := r.ar
	r.ar = nil
	c := a.srv.svc
	atomic.StoreUint64(c.resLoanCell(a.srv.idx, uint32(r.cell)), 0)

	s := c.streamAt(a.streamIdx)
	if a.done || atomic.LoadUint32(&s.gen) != a.gen ||
		atomic.LoadUint32(&s.clientConnected) == 0 {
		c.pool2().Release(r.slotIdx)
		return fmt.Errorf("%w: client dropped the stream", ErrDisconnected)
	}

	q := c.responseQueue(a.streamIdx)
	for q.Len() >= uint64(c.hdr.qosBufferSize) {
		old, ok := q.Pop()
		if !ok {
			break
		}
		c.pool2().Release(old)
	}
	for !q.Push(r.slotIdx) {
		if old, ok := q.Pop(); ok {
			c.pool2().Release(old)
		}
	}
	return nil
}

// Discard returns the loan to the pool without sending.
func (r *ResponseMut[Req, Res]) Discard() {
	if r.ar == nil {
		return
	}
	c := r.ar.srv.svc
	atomic.StoreUint64(c.resLoanCell(r.ar.srv.idx, uint32(r.cell)), 0)
	c.pool2().Release(r.slotIdx)
	r.ar = nil
}

// streamMaybeRecycle tears a stream down once both sides are gone. The
// active -> tearing CAS elects exactly one recycler among racing closers
// and reclaimers.
func streamMaybeRecycle(c *serviceCore, si uint32, s *streamSlot) {
	if atomic.LoadUint32(&s.clientConnected) != 0 {
		return
	}
	if atomic.LoadUint32(&s.serverMask) != 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&s.state, streamActive, streamTearing) {
		return
	}
	pool2 := c.pool2()
	c.responseQueue(si).Drain(func(v uint64) {
		pool2.Release(v)
	})
	atomic.StoreUint64(&s.reqSlot, 0)
	atomic.AddUint32(&s.gen, 1)
	atomic.StoreUint32(&s.state, streamFree)
	c.freeStreams().Push(uint64(si))
}

// clientTeardown releases everything a client port holds: request loans,
// response borrows, and the client side of every stream it left open. Runs
// on graceful close and crash reclamation alike.
func clientTeardown(c *serviceCore, idx, gen uint32, slot *portSlot) {
	pool := c.pool()
	for k := uint32(0); k < c.hdr.qosMaxLoans; k++ {
		if v := atomic.SwapUint64(c.loanCell(idx, k), 0); v != 0 {
			pool.Release(v - 1)
		}
	}
	pool2 := c.pool2()
	for k := uint32(0); k < c.hdr.qosMaxBorrow; k++ {
		if v := atomic.SwapUint64(c.resBorrowCell(idx, k), 0); v != 0 {
			pool2.Release(v - 1)
		}
	}
	for si := uint32(0); si < c.hdr.qosMaxStreams; si++ {
		s := c.streamAt(si)
		if atomic.LoadUint32(&s.state) != streamActive {
			continue
		}
		if s.clientIdx != idx || s.clientGen != gen {
			continue
		}
		atomic.StoreUint32(&s.clientConnected, 0)
		streamMaybeRecycle(c, si, s)
	}
	releaseSlot(slot)
}

// serverTeardown withdraws a server port from every stream it still holds a
// share of. Queued tokens are discarded first; each set mask bit is backed
// by exactly one request reference, released here.
func serverTeardown(c *serviceCore, idx uint32, slot *portSlot) {
	c.requestQueue(idx).Drain(func(uint64) {})

	pool := c.pool()
	myBit := uint32(1) << idx
	for si := uint32(0); si < c.hdr.qosMaxStreams; si++ {
		s := c.streamAt(si)
		if atomic.LoadUint32(&s.state) != streamActive {
			continue
		}
		if atomic.AndUint32(&s.serverMask, ^myBit)&myBit == 0 {
			continue
		}
		if v := atomic.LoadUint64(&s.reqSlot); v != 0 {
			pool.Release(v - 1)
		}
		streamMaybeRecycle(c, si, s)
	}

	pool2 := c.pool2()
	for k := uint32(0); k < c.hdr.qosMaxLoans; k++ {
		if v := atomic.SwapUint64(c.resLoanCell(idx, k), 0); v != 0 {
			pool2.Release(v - 1)
		}
	}
	releaseSlot(slot)
}

func reclaimClient(c *serviceCore, idx, gen uint32) error {
	if s, ok := tombstoneSlot(c.prodSlot(idx), gen); ok {
		clientTeardown(c, idx, gen, s)
	}
	return nil
}

func reclaimServer(c *serviceCore, idx, gen uint32) error {
	if s, ok := tombstoneSlot(c.consSlot(idx), gen); ok {
		serverTeardown(c, idx, s)
	}
	return nil
}
