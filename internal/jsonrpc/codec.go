// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/textproto"
	"strconv"
	"sync"
)

// basicCodec frames JSON-RPC messages over a single connection using
// [Reader]/[Writer]'s Content-Length convention, with no further
// extension — the shape a Unix-socket store protocol needs once it has no
// side-channel payload (like the teacher's NAR export stream) to frame
// alongside the JSON-RPC message itself.
type basicCodec struct {
	rwc io.ReadWriteCloser
	r   *Reader
	w   *Writer

	closeOnce sync.Once
	closeErr  error
}

// NewServerCodec returns a [ServerCodec] that frames requests and
// responses over rwc using [Reader]/[Writer].
func NewServerCodec(rwc io.ReadWriteCloser) ServerCodec {
	return newBasicCodec(rwc)
}

// NewClientCodec returns a [ClientCodec] that frames requests and
// responses over rwc using [Reader]/[Writer].
func NewClientCodec(rwc io.ReadWriteCloser) ClientCodec {
	return newBasicCodec(rwc)
}

func newBasicCodec(rwc io.ReadWriteCloser) *basicCodec {
	return &basicCodec{
		rwc: rwc,
		r:   NewReader(rwc),
		w:   NewWriter(rwc),
	}
}

func (c *basicCodec) readMessage() (json.RawMessage, error) {
	_, bodySize, err := c.r.NextMessage()
	if err != nil {
		return nil, err
	}
	if bodySize < 0 {
		return nil, errMissingContentLength
	}
	buf := make([]byte, bodySize)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return json.RawMessage(buf), nil
}

func (c *basicCodec) writeMessage(msg json.RawMessage) error {
	header := make(textproto.MIMEHeader, 1)
	header.Set("Content-Length", strconv.Itoa(len(msg)))
	return c.w.WriteMessage(header, bytes.NewReader(msg))
}

var errMissingContentLength = errors.New("jsonrpc: message missing Content-Length")

// ReadRequest implements [ServerCodec].
func (c *basicCodec) ReadRequest() (json.RawMessage, error) {
	return c.readMessage()
}

// WriteResponse implements [ServerCodec].
func (c *basicCodec) WriteResponse(response json.RawMessage) error {
	return c.writeMessage(response)
}

// WriteRequest implements [RequestWriter], part of [ClientCodec].
func (c *basicCodec) WriteRequest(request json.RawMessage) error {
	return c.writeMessage(request)
}

// ReadResponse implements [ClientCodec].
func (c *basicCodec) ReadResponse() (json.RawMessage, error) {
	return c.readMessage()
}

// Close implements [ClientCodec]; it is also safe to call on a value
// returned by [NewServerCodec] to release the underlying connection once
// [Serve] returns.
func (c *basicCodec) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
