package message

// Command is one outer command message.
type Command struct {
	Code CommandCode
	Data []byte
}

// Size returns the encoded size of the command in bytes.
func (c *Command) Size() int {
	return HeaderSize + len(c.Data)
}

// Encode serializes the command to wire format.
// Returns ErrMessageTooLong if the result would exceed MaxMessageSize.
func (c *Command) Encode() ([]byte, error) {
	if len(c.Data) > MaxDataSize {
		return nil, ErrMessageTooLong
	}

	buf := make([]byte, c.Size())
	offset := Header{Code: uint8(c.Code), Length: len(c.Data)}.EncodeTo(buf)
	copy(buf[offset:], c.Data)
	return buf, nil
}

// DecodeCommand parses a command message.
func DecodeCommand(data []byte) (*Command, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	c := &Command{Code: CommandCode(h.Code)}
	if h.Length > 0 {
		c.Data = make([]byte, h.Length)
		copy(c.Data, data[HeaderSize:])
	}
	return c, nil
}

// Response is one outer response message.
type Response struct {
	Code ResponseCode
	Data []byte
}

// NewErrorResponse builds the response the device sends for a failed command.
func NewErrorResponse(code ErrorCode) *Response {
	return &Response{Code: ResponseError, Data: []byte{byte(code)}}
}

// Size returns the encoded size of the response in bytes.
func (r *Response) Size() int {
	return HeaderSize + len(r.Data)
}

// Encode serializes the response to wire format.
func (r *Response) Encode() ([]byte, error) {
	if len(r.Data) > MaxDataSize {
		return nil, ErrMessageTooLong
	}

	buf := make([]byte, r.Size())
	offset := Header{Code: uint8(r.Code), Length: len(r.Data)}.EncodeTo(buf)
	copy(buf[offset:], r.Data)
	return buf, nil
}

// Err returns a *DeviceError for error responses and nil otherwise.
func (r *Response) Err() error {
	if r.Code != ResponseError {
		return nil
	}
	code := ErrorCommandUnexecuted
	if len(r.Data) > 0 {
		code = ErrorCode(r.Data[0])
	}
	return &DeviceError{Code: code}
}

// Expect checks that the response answers cmd.
// Device errors are returned as *DeviceError.
func (r *Response) Expect(cmd CommandCode) error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.Code != cmd.ResponseCode() {
		return ErrUnexpectedResponse
	}
	return nil
}

// DecodeResponse parses a response message.
func DecodeResponse(data []byte) (*Response, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	r := &Response{Code: ResponseCode(h.Code)}
	if h.Length > 0 {
		r.Data = make([]byte, h.Length)
		copy(r.Data, data[HeaderSize:])
	}
	return r, nil
}

// ValidateSize checks that an encoded message fits into one transport round.
func ValidateSize(data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLong
	}
	return nil
}
